package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxOrder(t *testing.T) {
	bus := NewBus()
	require.True(t, bus.Post(TagMessage{Title: "a"}))
	require.True(t, bus.Post(TagMessage{Title: "b"}))
	assert.True(t, bus.HavePending())

	select {
	case <-bus.Notify():
	default:
		t.Fatal("expected a notification")
	}

	m, ok := bus.Pop()
	require.True(t, ok)
	assert.Equal(t, TagMessage{Title: "a"}, m)
	m, ok = bus.Pop()
	require.True(t, ok)
	assert.Equal(t, TagMessage{Title: "b"}, m)

	_, ok = bus.Pop()
	assert.False(t, ok)
}

func TestMailboxNext(t *testing.T) {
	mb := NewMailbox[int]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		mb.Post(7)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := mb.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	mb.Post(8)
	mb.Close()
	assert.False(t, mb.Post(9))

	v, err = mb.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	_, err = mb.Next(ctx)
	require.ErrorIs(t, err, ErrMailboxClosed)
}

func TestMailboxNextContext(t *testing.T) {
	mb := NewMailbox[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mb.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type customMessage struct {
	Envelope
	N int
}

func TestEnvelope(t *testing.T) {
	bus := NewBus()
	bus.Post(customMessage{N: 3})

	m, ok := bus.Pop()
	require.True(t, ok)
	c, ok := m.(customMessage)
	require.True(t, ok)
	assert.Equal(t, 3, c.N)
}

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(2)
	assert.False(t, q.Push(samples(1)))
	assert.False(t, q.Push(samples(2)))
	assert.True(t, q.Push(samples(3)))
	assert.Equal(t, uint64(1), q.Dropped())

	first := <-q.Out()
	second := <-q.Out()
	assert.Len(t, first.Samples, 2)
	assert.Len(t, second.Samples, 3)

	q.Close()
	q.Close()
	_, ok := <-q.Out()
	assert.False(t, ok)
}

func TestPadLatch(t *testing.T) {
	l := NewPadLatch("audio/x-raw")

	assert.False(t, l.Claim(Pad{Name: "src_0", Caps: "video/x-raw"}))
	assert.False(t, l.Linked())
	assert.True(t, l.Claim(Pad{Name: "src_1", Caps: "audio/x-raw, rate=44100"}))
	assert.False(t, l.Claim(Pad{Name: "src_2", Caps: "audio/x-raw"}))
	assert.True(t, l.Linked())
}

func TestPlaybackStateString(t *testing.T) {
	assert.Equal(t, "playing", StateOf(Playing).String())
	assert.Equal(t, "failure: boom", Failed("boom").String())
	assert.Equal(t, 20*time.Millisecond, samples(FrameSize).Duration())
}
