package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/wavecatch/modules/capture"
	"github.com/zachfi/wavecatch/pkg/media"
)

type fakeWriter struct {
	id    string
	title string
	path  string

	mu        sync.Mutex
	buffers   int
	eos       bool
	discarded bool
}

func (w *fakeWriter) Push(_ context.Context, b media.Buffer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b.EOS {
		w.eos = true
		return nil
	}
	w.buffers++
	return nil
}

func (w *fakeWriter) ID() string    { return w.id }
func (w *fakeWriter) Title() string { return w.title }
func (w *fakeWriter) Path() string  { return w.path }

func (w *fakeWriter) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.eos && !w.discarded
}

func (w *fakeWriter) Finalized() (capture.Segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.eos {
		return capture.Segment{}, capture.ErrNotFinalized
	}
	return capture.Segment{ID: w.id, Title: w.title, Path: w.path, Duration: time.Second}, nil
}

func (w *fakeWriter) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.discarded = true
	return nil
}

func (w *fakeWriter) sawEOS() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eos
}

type recorder struct {
	events   []string
	failures int
}

func (r *recorder) titleChanged(title string) {
	r.events = append(r.events, "title:"+title)
}

func (r *recorder) segmentCompleted(seg capture.Segment) {
	r.events = append(r.events, "completed:"+seg.Title)
}

func (r *recorder) writerFailed() {
	r.failures++
}

type controllerHarness struct {
	c       *Controller
	gate    *media.Gate
	bus     *media.Bus
	rec     *recorder
	writers []*fakeWriter
	startFn func(title string) error
}

func newHarness(t *testing.T, eosTimeout time.Duration) *controllerHarness {
	t.Helper()

	in := make(chan media.Buffer)
	gate := media.NewGate(in)
	ctx, cancel := context.WithCancel(context.Background())
	go gate.Run(ctx)
	t.Cleanup(cancel)

	h := &controllerHarness{
		gate: gate,
		bus:  media.NewBus(),
		rec:  &recorder{},
	}

	cfg := capture.Config{Dir: t.TempDir()}
	start := func(_ context.Context, title, dest string) (SegmentWriter, error) {
		if h.startFn != nil {
			if err := h.startFn(title); err != nil {
				return nil, err
			}
		}
		w := &fakeWriter{id: fmt.Sprintf("w%d", len(h.writers)+1), title: title, path: dest}
		h.writers = append(h.writers, w)
		return w, nil
	}

	h.c = NewController(slog.Default(), gate, start, cfg.SegmentPath, h.bus, h.rec, eosTimeout)
	return h
}

func (h *controllerHarness) last() *fakeWriter {
	return h.writers[len(h.writers)-1]
}

// confirm waits for the gate to push EOS into w and delivers the
// confirmation like the reactor would.
func (h *controllerHarness) confirm(t *testing.T, w *fakeWriter) {
	t.Helper()
	require.Eventually(t, w.sawEOS, time.Second, time.Millisecond)
	h.c.WriterEOS(context.Background(), w.id)
}

func TestControllerIdleStartsWriter(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.c.TitleChanged(ctx, "Song A")
	assert.Equal(t, Writing, h.c.State())
	require.Len(t, h.writers, 1)
	assert.Equal(t, "Song A", h.c.Writer().Title())
	assert.Equal(t, []string{"title:Song A"}, h.rec.events)
	assert.False(t, h.gate.Held())
}

func TestControllerSwapCompletesBeforeNextTitle(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.c.TitleChanged(ctx, "Song A")
	a := h.last()

	h.c.TitleChanged(ctx, "Song B")
	assert.Equal(t, Swapping, h.c.State())
	assert.True(t, h.gate.Held())
	assert.Len(t, h.writers, 1, "no new writer before the old one confirmed")
	assert.Equal(t, []string{"title:Song A"}, h.rec.events, "now playing waits for the swap")

	h.confirm(t, a)

	assert.Equal(t, Writing, h.c.State())
	assert.False(t, h.gate.Held())
	require.Len(t, h.writers, 2)
	assert.Equal(t, "Song B", h.c.Writer().Title())
	assert.False(t, a.discarded)
	assert.Equal(t, []string{"title:Song A", "completed:Song A", "title:Song B"}, h.rec.events)
}

func TestControllerPendingTitleLastWriteWins(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.c.TitleChanged(ctx, "Song A")
	a := h.last()
	h.c.TitleChanged(ctx, "Song B")
	h.c.TitleChanged(ctx, "Song C")
	h.c.TitleChanged(ctx, "Song D")

	h.confirm(t, a)

	require.Len(t, h.writers, 2)
	assert.Equal(t, "Song D", h.last().title)
	assert.Equal(t, []string{"title:Song A", "completed:Song A", "title:Song D"}, h.rec.events)
}

func TestControllerSwapToEmptyTitleGoesIdle(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.c.TitleChanged(ctx, "Song A")
	h.c.TitleChanged(ctx, "")
	h.confirm(t, h.last())

	assert.Equal(t, Idle, h.c.State())
	assert.Nil(t, h.c.Writer())
	assert.Len(t, h.writers, 1)
	assert.False(t, h.gate.Held())
}

func TestControllerStopDiscards(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.c.Stop()
	assert.Equal(t, Idle, h.c.State())

	h.c.TitleChanged(ctx, "Song A")
	a := h.last()
	h.c.Stop()

	assert.Equal(t, Idle, h.c.State())
	assert.True(t, a.discarded)
	assert.Nil(t, h.c.Writer())
	assert.NotContains(t, h.rec.events, "completed:Song A")
}

func TestControllerStopWhileSwapping(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.c.TitleChanged(ctx, "Song A")
	a := h.last()
	h.c.TitleChanged(ctx, "Song B")
	require.True(t, h.gate.Held())

	h.c.Stop()
	assert.Equal(t, Idle, h.c.State())
	assert.True(t, a.discarded)
	assert.False(t, h.gate.Held(), "gate released before teardown")

	// a late confirmation of the discarded writer changes nothing
	h.c.WriterEOS(ctx, a.id)
	assert.Equal(t, Idle, h.c.State())
	assert.Len(t, h.writers, 1)
	assert.Equal(t, []string{"title:Song A"}, h.rec.events)

	// the gate can be taken again
	token, err := h.gate.Block(false)
	require.NoError(t, err)
	token.Release()
}

func TestControllerEOSTimeout(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	ctx := context.Background()

	h.c.TitleChanged(ctx, "Song A")
	a := h.last()
	h.c.TitleChanged(ctx, "Song B")

	var timeout eosTimeoutMessage
	require.Eventually(t, func() bool {
		m, ok := h.bus.Pop()
		if !ok {
			return false
		}
		timeout, ok = m.(eosTimeoutMessage)
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, h.c.EOSTimeout(timeout.swap+1), "unknown swap is ignored")
	require.ErrorIs(t, h.c.EOSTimeout(timeout.swap), ErrEOSTimeout)

	assert.Equal(t, Idle, h.c.State())
	assert.True(t, a.discarded)
	assert.False(t, h.gate.Held())
	assert.Len(t, h.writers, 1)

	require.NoError(t, h.c.EOSTimeout(timeout.swap), "a second timeout is stale")
}

func TestControllerConfirmationStopsTimer(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	ctx := context.Background()

	h.c.TitleChanged(ctx, "Song A")
	h.c.TitleChanged(ctx, "Song B")
	h.confirm(t, h.writers[0])

	time.Sleep(60 * time.Millisecond)
	assert.False(t, h.bus.HavePending(), "timer was stopped")
}

func TestControllerStartFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.startFn = func(string) error { return errors.New("read-only file system") }

	h.c.TitleChanged(ctx, "Song A")
	assert.Equal(t, Idle, h.c.State())
	assert.Nil(t, h.c.Writer())
	assert.Equal(t, 1, h.rec.failures)

	h.startFn = nil
	h.c.TitleChanged(ctx, "Song B")
	assert.Equal(t, Writing, h.c.State())
}

func TestControllerWriterFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.c.TitleChanged(ctx, "Song A")
	a := h.last()

	require.NoError(t, h.c.WriterFailed("other", errors.New("x")))
	err := h.c.WriterFailed(a.id, errors.New("disk full"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, Idle, h.c.State())
	assert.True(t, a.discarded)
}

func TestControllerDuplicateTitleNeedsWatcher(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	var w MetadataWatcher

	for _, title := range []string{"Song A", "Song A", "Song A"} {
		if w.Observe(title) {
			h.c.TitleChanged(ctx, title)
		}
	}

	assert.Len(t, h.writers, 1)
	assert.Equal(t, Writing, h.c.State())
	assert.Equal(t, []string{"title:Song A"}, h.rec.events)
}

func TestControllerSanitizesDestination(t *testing.T) {
	h := newHarness(t, time.Second)

	h.c.TitleChanged(context.Background(), `A/B:C`)
	name := filepath.Base(h.last().path)
	assert.Equal(t, "ABC.ogg", name)
	assert.False(t, strings.ContainsAny(name, `/\:<>"|?*`))
	assert.Equal(t, `A/B:C`, h.last().title, "the title itself is kept for display")
}
