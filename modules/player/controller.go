package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zachfi/wavecatch/modules/capture"
	"github.com/zachfi/wavecatch/pkg/media"
)

var ErrEOSTimeout = errors.New("timed out finalizing segment")

// CaptureBranch is the gated end of the capture branch.
type CaptureBranch interface {
	SetSink(s media.Sink) error
	Block(eos bool) (*media.CaptureGate, error)
}

// SegmentWriter records the segment of one title.
type SegmentWriter interface {
	media.Sink
	ID() string
	Title() string
	Path() string
	IsActive() bool
	Finalized() (capture.Segment, error)
	Discard() error
}

// StartFunc starts a writer for title recording to dest.
type StartFunc func(ctx context.Context, title, dest string) (SegmentWriter, error)

// ControllerState of the segment state machine.
type ControllerState int

const (
	Idle ControllerState = iota
	Writing
	Swapping
	Discarding
)

func (s ControllerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Writing:
		return "writing"
	case Swapping:
		return "swapping"
	case Discarding:
		return "discarding"
	default:
		return "unknown"
	}
}

// eosTimeoutMessage fires when a swap waited too long for the old writer.
type eosTimeoutMessage struct {
	media.Envelope
	swap uint64
}

// emitter receives the events the controller produces.
type emitter interface {
	titleChanged(title string)
	segmentCompleted(seg capture.Segment)
	writerFailed()
}

// swapContext only exists while Swapping. It owns the gate token.
type swapContext struct {
	id      uint64
	gate    *media.CaptureGate
	pending string
	timer   *time.Timer
}

// Controller decides when segments start and end. It is driven by the
// reactor only and holds no locks.
type Controller struct {
	logger     *slog.Logger
	branch     CaptureBranch
	start      StartFunc
	path       func(title string) string
	bus        *media.Bus
	emit       emitter
	eosTimeout time.Duration

	state  ControllerState
	writer SegmentWriter
	swap   *swapContext
	swaps  uint64
}

func NewController(logger *slog.Logger, branch CaptureBranch, start StartFunc, path func(string) string, bus *media.Bus, emit emitter, eosTimeout time.Duration) *Controller {
	return &Controller{
		logger:     logger,
		branch:     branch,
		start:      start,
		path:       path,
		bus:        bus,
		emit:       emit,
		eosTimeout: eosTimeout,
	}
}

func (c *Controller) State() ControllerState {
	return c.state
}

// Writer returns the active writer, if any.
func (c *Controller) Writer() SegmentWriter {
	return c.writer
}

// TitleChanged handles a distinct new title.
func (c *Controller) TitleChanged(ctx context.Context, title string) {
	switch c.state {
	case Idle:
		c.emit.titleChanged(title)
		if title != "" {
			c.startWriter(ctx, title)
		}

	case Writing:
		gate, err := c.branch.Block(true)
		if err != nil {
			// the graph is gone; nothing will confirm the old segment
			c.logger.Warn("failed to block capture branch", "err", err)
			c.Stop()
			c.TitleChanged(ctx, title)
			return
		}

		c.swaps++
		id := c.swaps
		c.swap = &swapContext{
			id:      id,
			gate:    gate,
			pending: title,
			timer: time.AfterFunc(c.eosTimeout, func() {
				c.bus.Post(eosTimeoutMessage{swap: id})
			}),
		}
		c.state = Swapping
		c.logger.Debug("swapping segment", "from", c.writer.Title(), "to", title)

	case Swapping:
		c.logger.Debug("title queued behind swap", "title", title, "replaces", c.swap.pending)
		c.swap.pending = title
	}
}

// WriterEOS completes a swap once the old writer confirmed its end-of-stream.
func (c *Controller) WriterEOS(ctx context.Context, writer string) {
	if c.state != Swapping || c.writer == nil || c.writer.ID() != writer {
		c.logger.Debug("ignoring stale writer confirmation", "writer", writer, "state", c.state)
		return
	}

	swap := c.swap
	swap.timer.Stop()
	c.swap = nil

	seg, err := c.writer.Finalized()
	if err != nil {
		c.logger.Error("failed to finalize segment", "err", err, "title", c.writer.Title())
		_ = c.writer.Discard()
	} else {
		c.emit.segmentCompleted(seg)
	}
	c.writer = nil
	c.state = Idle

	c.emit.titleChanged(swap.pending)
	if swap.pending != "" {
		c.startWriter(ctx, swap.pending)
	} else if err := c.branch.SetSink(nil); err != nil {
		c.logger.Debug("failed to unlink capture sink", "err", err)
	}

	swap.gate.Release()
}

// WriterFailed discards the writer that reported err. The returned error is
// the failure to surface, nil when the report was stale.
func (c *Controller) WriterFailed(writer string, err error) error {
	if c.writer == nil || c.writer.ID() != writer {
		return nil
	}
	c.emit.writerFailed()
	c.Stop()
	return fmt.Errorf("segment writer failed: %w", err)
}

// EOSTimeout gives up on the swap identified by swap. It returns
// ErrEOSTimeout when it did.
func (c *Controller) EOSTimeout(swap uint64) error {
	if c.state != Swapping || c.swap == nil || c.swap.id != swap {
		return nil
	}
	c.logger.Error("segment writer never confirmed end-of-stream", "title", c.writer.Title(), "timeout", c.eosTimeout)
	c.Stop()
	return ErrEOSTimeout
}

// Stop discards the active writer without producing a segment and releases
// the gate. It must run before the graph is torn down.
func (c *Controller) Stop() {
	if c.state == Idle {
		return
	}
	c.state = Discarding

	if c.writer != nil {
		if err := c.writer.Discard(); err != nil {
			c.logger.Warn("failed to discard segment", "err", err, "path", c.writer.Path())
		}
		c.writer = nil
	}
	if err := c.branch.SetSink(nil); err != nil {
		c.logger.Debug("failed to unlink capture sink", "err", err)
	}
	if c.swap != nil {
		c.swap.timer.Stop()
		c.swap.gate.Release()
		c.swap = nil
	}

	c.state = Idle
}

func (c *Controller) startWriter(ctx context.Context, title string) {
	ctx, cancel := context.WithTimeout(ctx, c.eosTimeout)
	defer cancel()

	w, err := c.start(ctx, title, c.path(title))
	if err != nil {
		c.logger.Error("failed to start segment writer", "err", err, "title", title)
		c.emit.writerFailed()
		c.state = Idle
		return
	}

	if err := c.branch.SetSink(w); err != nil {
		c.logger.Error("failed to link segment writer", "err", err, "title", title)
		_ = w.Discard()
		c.state = Idle
		return
	}

	c.writer = w
	c.state = Writing
}
