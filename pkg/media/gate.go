package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrGateHeld      = errors.New("capture gate already held")
	ErrGateClosed    = errors.New("capture gate closed")
	ErrMailboxClosed = errors.New("mailbox closed")
)

type gateOp int

const (
	opSetSink gateOp = iota
	opBlock
	opRelease
)

type gateCmd struct {
	op      gateOp
	sink    Sink
	eos     bool
	token   *CaptureGate
	applied chan struct{}
}

// Gate forwards buffers from the capture queue into the current sink. While a
// CaptureGate is held no buffer reaches the sink; upstream keeps queueing.
type Gate struct {
	in      <-chan Buffer
	ctrl    chan gateCmd
	done    chan struct{}
	dropped atomic.Uint64

	mu   sync.Mutex
	held *CaptureGate
}

// CaptureGate is the token for a blocked gate. At most one exists per gate.
type CaptureGate struct {
	gate    *Gate
	once    sync.Once
	blocked chan struct{}
}

func NewGate(in <-chan Buffer) *Gate {
	return &Gate{
		in:   in,
		ctrl: make(chan gateCmd, 8),
		done: make(chan struct{}),
	}
}

// Run moves buffers until ctx is done or the input is closed.
func (g *Gate) Run(ctx context.Context) {
	defer close(g.done)

	var (
		sink    Sink
		blocked bool
	)

	for {
		var in <-chan Buffer
		if !blocked {
			in = g.in
		}

		select {
		case <-ctx.Done():
			return

		case cmd := <-g.ctrl:
			switch cmd.op {
			case opSetSink:
				sink = cmd.sink
			case opBlock:
				blocked = true
				if cmd.eos && sink != nil {
					if err := sink.Push(ctx, EOSBuffer()); err != nil {
						g.dropped.Add(1)
					}
				}
				close(cmd.token.blocked)
			case opRelease:
				blocked = false
			}
			if cmd.applied != nil {
				close(cmd.applied)
			}

		case b, ok := <-in:
			if !ok {
				return
			}
			if sink == nil {
				g.dropped.Add(1)
				continue
			}
			if err := sink.Push(ctx, b); err != nil {
				g.dropped.Add(1)
			}
		}
	}
}

// SetSink links s downstream of the gate, replacing the previous sink. It
// returns once the old sink will receive no further buffers. A nil sink
// unlinks; buffers are then dropped.
func (g *Gate) SetSink(s Sink) error {
	applied := make(chan struct{})
	if err := g.send(gateCmd{op: opSetSink, sink: s, applied: applied}); err != nil {
		return err
	}

	select {
	case <-applied:
		return nil
	case <-g.done:
		return ErrGateClosed
	}
}

// Block stops dataflow into the sink. When eos is set the gate pushes an
// end-of-stream buffer into the current sink right after the last forwarded
// buffer. The returned token's Blocked channel closes once that happened.
func (g *Gate) Block(eos bool) (*CaptureGate, error) {
	g.mu.Lock()
	if g.held != nil {
		g.mu.Unlock()
		return nil, ErrGateHeld
	}
	t := &CaptureGate{gate: g, blocked: make(chan struct{})}
	g.held = t
	g.mu.Unlock()

	if err := g.send(gateCmd{op: opBlock, eos: eos, token: t}); err != nil {
		g.mu.Lock()
		g.held = nil
		g.mu.Unlock()
		return nil, err
	}
	return t, nil
}

// Held reports whether a CaptureGate is outstanding.
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held != nil
}

// Dropped counts buffers that reached the gate but no sink.
func (g *Gate) Dropped() uint64 {
	return g.dropped.Load()
}

// Done closes when Run has returned.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

func (g *Gate) send(cmd gateCmd) error {
	select {
	case <-g.done:
		return ErrGateClosed
	default:
	}

	select {
	case g.ctrl <- cmd:
		return nil
	case <-g.done:
		return ErrGateClosed
	}
}

// Blocked closes once no buffer is in flight towards the sink.
func (t *CaptureGate) Blocked() <-chan struct{} {
	return t.blocked
}

// Release resumes dataflow. Calling it more than once, or after the gate has
// shut down, is a no-op.
func (t *CaptureGate) Release() {
	t.once.Do(func() {
		g := t.gate
		g.mu.Lock()
		if g.held == t {
			g.held = nil
		}
		g.mu.Unlock()

		_ = g.send(gateCmd{op: opRelease})
	})
}
