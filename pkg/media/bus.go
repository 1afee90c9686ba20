package media

import (
	"context"
	"sync"
)

// Mailbox is an unbounded FIFO. Post never blocks, so graph goroutines can
// report to the reactor without waiting on it.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
	}
}

// Post appends v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest entry.
func (m *Mailbox[T]) Pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.queue) == 0 {
		return zero, false
	}
	v := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return v, true
}

// HavePending reports whether Pop would return an entry.
func (m *Mailbox[T]) HavePending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0
}

// Notify fires at least once after every Post.
func (m *Mailbox[T]) Notify() <-chan struct{} {
	return m.notify
}

// Next blocks until an entry is available, ctx is done or the mailbox is
// closed and drained.
func (m *Mailbox[T]) Next(ctx context.Context) (T, error) {
	for {
		if v, ok := m.Pop(); ok {
			return v, nil
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			var zero T
			return zero, ErrMailboxClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.notify:
		}
	}
}

// Close rejects further posts. Entries already queued can still be popped.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Message is anything posted on the graph bus.
type Message interface {
	message()
}

// Envelope lets packages outside media define their own bus messages by
// embedding it.
type Envelope struct{}

func (Envelope) message() {}

// Bus carries graph and capture messages to the reactor.
type Bus = Mailbox[Message]

func NewBus() *Bus {
	return NewMailbox[Message]()
}

// TagMessage reports a stream title seen by the source or decoder.
type TagMessage struct {
	Gen   uint64
	Title string
}

// StateChangedMessage reports a run state change of the graph.
type StateChangedMessage struct {
	Gen   uint64
	State PlaybackState
}

// ErrorMessage reports a failed graph element.
type ErrorMessage struct {
	Gen    uint64
	Source string
	Err    error
}

// WriterEOSMessage confirms that a segment writer consumed its end-of-stream
// and closed its file cleanly.
type WriterEOSMessage struct {
	Writer string
}

// WriterErrorMessage reports a segment writer that failed while writing.
type WriterErrorMessage struct {
	Writer string
	Err    error
}

func (TagMessage) message()          {}
func (StateChangedMessage) message() {}
func (ErrorMessage) message()        {}
func (WriterEOSMessage) message()    {}
func (WriterErrorMessage) message()  {}
