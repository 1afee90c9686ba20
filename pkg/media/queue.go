package media

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Queue is a bounded single-producer buffer queue that never blocks the
// producer: when full, the oldest buffer is dropped.
type Queue struct {
	ch      chan Buffer
	dropped atomic.Uint64
	once    sync.Once
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Buffer, size)}
}

// Push enqueues b, evicting the oldest entry if needed. It reports whether an
// entry was dropped.
func (q *Queue) Push(b Buffer) (dropped bool) {
	select {
	case q.ch <- b:
		return false
	default:
	}

	select {
	case <-q.ch:
		q.dropped.Add(1)
		dropped = true
	default:
	}

	select {
	case q.ch <- b:
	default:
		q.dropped.Add(1)
		dropped = true
	}
	return dropped
}

func (q *Queue) Out() <-chan Buffer {
	return q.ch
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close must only be called by the producer.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.ch) })
}

// Pad is an output discovered on an element at runtime.
type Pad struct {
	Name string
	Caps string
}

// PadLatch links the first pad matching a caps prefix exactly once.
type PadLatch struct {
	prefix string
	linked atomic.Bool
}

func NewPadLatch(capsPrefix string) *PadLatch {
	return &PadLatch{prefix: capsPrefix}
}

// Claim reports whether p is the pad to link. Only the first matching pad is
// ever claimed.
func (l *PadLatch) Claim(p Pad) bool {
	if !strings.HasPrefix(p.Caps, l.prefix) {
		return false
	}
	return l.linked.CompareAndSwap(false, true)
}

func (l *PadLatch) Linked() bool {
	return l.linked.Load()
}
