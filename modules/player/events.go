package player

import (
	"context"
	"sync"

	"github.com/zachfi/wavecatch/modules/capture"
	"github.com/zachfi/wavecatch/pkg/media"
)

// Event is delivered to subscribers in the order the reactor produced it.
type Event interface {
	event()
}

type PlaybackStateChanged struct {
	State media.PlaybackState
}

// TitleChanged is the "now playing" update. For a title that starts a new
// segment it follows the SegmentCompleted of the previous one.
type TitleChanged struct {
	Title string
}

type SegmentCompleted struct {
	Segment capture.Segment
}

func (PlaybackStateChanged) event() {}
func (TitleChanged) event()         {}
func (SegmentCompleted) event()     {}

// Subscription receives every event published after it was created. Delivery
// is lossless; an idle subscriber only costs memory.
type Subscription struct {
	box    *media.Mailbox[Event]
	remove func()
	once   sync.Once
}

// Next blocks for the next event. It returns media.ErrMailboxClosed once the
// subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	return s.box.Next(ctx)
}

// Close stops delivery. Events already queued can still be read.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.remove()
		s.box.Close()
	})
}

type subscribers struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func (s *subscribers) add() *Subscription {
	sub := &Subscription{box: media.NewMailbox[Event]()}
	sub.remove = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, sub)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[*Subscription]struct{})
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *subscribers) publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.box.Post(e)
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
