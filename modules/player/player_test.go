package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/wavecatch/modules/capture"
	"github.com/zachfi/wavecatch/modules/graph"
	"github.com/zachfi/wavecatch/pkg/media"
)

// lineChain writes one line per buffer so tests can read capture files.
type lineChain struct {
	f *os.File
}

func newLineChain(path string) (capture.Chain, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &lineChain{f: f}, nil
}

func (c *lineChain) Write(s [][2]float64) error {
	_, err := fmt.Fprintf(c.f, "%d\n", len(s))
	return err
}

func (c *lineChain) Close() error {
	if _, err := io.WriteString(c.f, "EOS\n"); err != nil {
		return err
	}
	return c.f.Close()
}

func (c *lineChain) Abort() error {
	return c.f.Close()
}

// radio serves one pipe per open. Titles are injected by the test.
type radio struct {
	mu      sync.Mutex
	onTitle func(string)
	writer  *io.PipeWriter
	opened  chan struct{}
}

func newRadio() *radio {
	return &radio{opened: make(chan struct{}, 8)}
}

func (r *radio) open(_ context.Context, _ string, onTitle func(string)) (io.ReadCloser, string, error) {
	pr, pw := io.Pipe()
	r.mu.Lock()
	r.onTitle = onTitle
	r.writer = pw
	r.mu.Unlock()
	r.opened <- struct{}{}
	return pr, "audio/fake", nil
}

func (r *radio) title(t string) {
	r.mu.Lock()
	fn := r.onTitle
	r.mu.Unlock()
	fn(t)
}

func (r *radio) hangUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.writer.Close()
}

// pipeStreamer plays a few frames, then waits on its source.
type pipeStreamer struct {
	r         io.Reader
	remaining int
}

func (s *pipeStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.remaining == 0 {
		var b [1]byte
		if _, err := s.r.Read(b[:]); err != nil {
			return 0, false
		}
		s.remaining = len(samples)
	}
	n := min(len(samples), s.remaining)
	clear(samples[:n])
	s.remaining -= n
	return n, true
}

func (s *pipeStreamer) Err() error   { return nil }
func (s *pipeStreamer) Close() error { return nil }

func decodeFrames(r io.Reader, _ string, link func(media.Pad) bool) (beep.StreamCloser, beep.Format, error) {
	link(media.Pad{Name: "src_0", Caps: graph.RawCaps})
	return &pipeStreamer{r: r, remaining: media.FrameSize * 5}, beep.Format{SampleRate: media.SampleRate, NumChannels: 2, Precision: 2}, nil
}

type resolverFunc func(ctx context.Context, st Station) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, st Station) (string, error) {
	return f(ctx, st)
}

func passthrough(_ context.Context, st Station) (string, error) {
	return st.URL, nil
}

func testPlayer(t *testing.T, r *radio, resolver Resolver, keep bool) (*Player, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "recording")

	cfg := Config{
		PollInterval: 10 * time.Millisecond,
		EOSTimeout:   2 * time.Second,
		Graph:        graph.Config{Volume: 1},
		Capture:      capture.Config{Dir: dir, KeepRecordings: keep},
	}
	p, err := New(cfg, *slog.Default(), prometheus.NewRegistry(),
		WithChain(newLineChain),
		WithResolver(resolver),
		WithGraphOptions(
			graph.WithOpener(r.open),
			graph.WithDecoder(decodeFrames),
			graph.WithOutput(graph.NewNullOutput()),
		),
	)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))

	return p, dir
}

func stopPlayer(t *testing.T, p *Player) {
	t.Helper()
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	e, err := sub.Next(ctx)
	require.NoError(t, err)
	return e
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	e, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected event %#v", e)
}

func state(k media.StateKind) Event {
	return PlaybackStateChanged{State: media.StateOf(k)}
}

// startSession opens a station and waits until audio flows.
func startSession(t *testing.T, p *Player, r *radio, sub *Subscription) {
	t.Helper()
	require.NoError(t, p.OpenSession(Station{Name: "Groove", URL: "http://radio"}))
	assert.Equal(t, state(media.Loading), next(t, sub))
	<-r.opened
	assert.Equal(t, state(media.Playing), next(t, sub))
}

func TestPlayerTitleChangesProduceSegments(t *testing.T) {
	r := newRadio()
	p, dir := testPlayer(t, r, resolverFunc(passthrough), true)
	defer stopPlayer(t, p)
	sub := p.Subscribe()
	defer sub.Close()

	startSession(t, p, r, sub)

	r.title("Song A")
	assert.Equal(t, TitleChanged{Title: "Song A"}, next(t, sub))
	require.Eventually(t, func() bool { return p.Status().Recording == "Song A" }, time.Second, 5*time.Millisecond)

	r.title("Song A")
	r.title("Song B")

	completed, ok := next(t, sub).(SegmentCompleted)
	require.True(t, ok, "segment of the previous title completes first")
	assert.Equal(t, "Song A", completed.Segment.Title)
	assert.Equal(t, filepath.Join(dir, "Song A.ogg"), completed.Segment.Path)
	assert.GreaterOrEqual(t, completed.Segment.Duration, time.Duration(0))

	assert.Equal(t, TitleChanged{Title: "Song B"}, next(t, sub))
	require.Eventually(t, func() bool { return p.Status().Recording == "Song B" }, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(completed.Segment.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "EOS\n")

	segs := p.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, completed.Segment, segs[0])

	got, ok := p.Segment(completed.Segment.ID)
	require.True(t, ok)
	assert.Equal(t, completed.Segment, got)

	status := p.Status()
	assert.Equal(t, "playing", status.State)
	assert.Equal(t, "Song B", status.Title)
	assert.Equal(t, Station{Name: "Groove", URL: "http://radio"}, status.Station)
}

func TestPlayerRepeatedTitleReplacesSegment(t *testing.T) {
	r := newRadio()
	p, _ := testPlayer(t, r, resolverFunc(passthrough), true)
	defer stopPlayer(t, p)
	sub := p.Subscribe()
	defer sub.Close()

	startSession(t, p, r, sub)

	// completes the segment of the current title and waits for the next one
	swap := func(title string) SegmentCompleted {
		t.Helper()
		r.title(title)
		completed, ok := next(t, sub).(SegmentCompleted)
		require.True(t, ok)
		assert.Equal(t, TitleChanged{Title: title}, next(t, sub))
		return completed
	}

	r.title("Song A")
	assert.Equal(t, TitleChanged{Title: "Song A"}, next(t, sub))
	first := swap("Song B")
	swap("Song A")
	second := swap("Song C")

	require.Equal(t, "Song A", second.Segment.Title)
	assert.NotEqual(t, first.Segment.ID, second.Segment.ID)
	assert.Equal(t, first.Segment.Path, second.Segment.Path)

	segs := p.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, second.Segment, segs[0])
	assert.Equal(t, "Song B", segs[1].Title)

	got, ok := p.Segment(second.Segment.ID)
	require.True(t, ok)
	assert.Equal(t, second.Segment, got)
	_, ok = p.Segment(first.Segment.ID)
	assert.False(t, ok)
}

func TestPlayerStopDiscardsSegment(t *testing.T) {
	r := newRadio()
	p, dir := testPlayer(t, r, resolverFunc(passthrough), true)
	defer stopPlayer(t, p)
	sub := p.Subscribe()
	defer sub.Close()

	startSession(t, p, r, sub)

	r.title("Song A")
	assert.Equal(t, TitleChanged{Title: "Song A"}, next(t, sub))

	require.NoError(t, p.SetPlaybackState(media.Stopped))
	require.NoError(t, p.SetPlaybackState(media.Stopped))

	assert.Equal(t, state(media.Stopped), next(t, sub))
	expectNothing(t, sub)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no leftover file for the discarded segment")
	assert.Empty(t, p.Segments())
	assert.Equal(t, "", p.Status().Recording)
}

func TestPlayerPlayAfterStopReopens(t *testing.T) {
	r := newRadio()
	p, _ := testPlayer(t, r, resolverFunc(passthrough), true)
	defer stopPlayer(t, p)
	sub := p.Subscribe()
	defer sub.Close()

	startSession(t, p, r, sub)
	r.title("Song A")
	assert.Equal(t, TitleChanged{Title: "Song A"}, next(t, sub))

	require.NoError(t, p.SetPlaybackState(media.Stopped))
	assert.Equal(t, state(media.Stopped), next(t, sub))

	require.NoError(t, p.SetPlaybackState(media.Playing))
	assert.Equal(t, state(media.Loading), next(t, sub))
	<-r.opened
	assert.Equal(t, state(media.Playing), next(t, sub))

	// the watcher was reset with the new graph
	r.title("Song A")
	assert.Equal(t, TitleChanged{Title: "Song A"}, next(t, sub))
}

func TestPlayerStreamEndFails(t *testing.T) {
	r := newRadio()
	p, dir := testPlayer(t, r, resolverFunc(passthrough), true)
	defer stopPlayer(t, p)
	sub := p.Subscribe()
	defer sub.Close()

	startSession(t, p, r, sub)
	r.title("Song A")
	assert.Equal(t, TitleChanged{Title: "Song A"}, next(t, sub))

	r.hangUp()
	e := next(t, sub).(PlaybackStateChanged)
	assert.Equal(t, media.Failure, e.State.Kind)
	assert.Equal(t, graph.ErrStreamEnded.Error(), e.State.Reason)
	expectNothing(t, sub)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, "failure", p.Status().State)
}

func TestPlayerResolveFailure(t *testing.T) {
	r := newRadio()
	failing := resolverFunc(func(context.Context, Station) (string, error) {
		return "", errors.New("station not found")
	})
	p, _ := testPlayer(t, r, failing, true)
	defer stopPlayer(t, p)
	sub := p.Subscribe()
	defer sub.Close()

	require.NoError(t, p.OpenSession(Station{Name: "Gone", URL: "http://gone"}))
	assert.Equal(t, state(media.Loading), next(t, sub))
	assert.Equal(t, PlaybackStateChanged{State: media.Failed("station not found")}, next(t, sub))
	expectNothing(t, sub)
}

func TestPlayerIgnoresSupersededResolution(t *testing.T) {
	r := newRadio()
	release := make(chan struct{})
	slow := resolverFunc(func(ctx context.Context, st Station) (string, error) {
		if st.Name == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return st.URL, nil
	})
	p, _ := testPlayer(t, r, slow, true)
	defer stopPlayer(t, p)
	sub := p.Subscribe()
	defer sub.Close()

	require.NoError(t, p.OpenSession(Station{Name: "slow", URL: "http://slow"}))
	assert.Equal(t, state(media.Loading), next(t, sub))

	require.NoError(t, p.OpenSession(Station{Name: "fast", URL: "http://fast"}))
	assert.Equal(t, state(media.Stopped), next(t, sub), "a new station stops the old one first")
	assert.Equal(t, state(media.Loading), next(t, sub))
	<-r.opened
	assert.Equal(t, state(media.Playing), next(t, sub))

	close(release)
	expectNothing(t, sub)
	assert.Equal(t, "fast", p.Status().Station.Name)
}

func TestPlayerSanitizedSegmentName(t *testing.T) {
	r := newRadio()
	p, dir := testPlayer(t, r, resolverFunc(passthrough), true)
	defer stopPlayer(t, p)
	sub := p.Subscribe()
	defer sub.Close()

	startSession(t, p, r, sub)
	r.title(`A/B:C`)
	assert.Equal(t, TitleChanged{Title: `A/B:C`}, next(t, sub))
	r.title("Next")

	completed := next(t, sub).(SegmentCompleted)
	assert.Equal(t, filepath.Join(dir, "ABC.ogg"), completed.Segment.Path)
	assert.Equal(t, `A/B:C`, completed.Segment.Title)
}

func TestPlayerShutdownClearsRecordings(t *testing.T) {
	r := newRadio()
	p, dir := testPlayer(t, r, resolverFunc(passthrough), false)
	sub := p.Subscribe()

	startSession(t, p, r, sub)
	r.title("Song A")
	assert.Equal(t, TitleChanged{Title: "Song A"}, next(t, sub))
	r.title("Song B")
	completed := next(t, sub).(SegmentCompleted)
	require.FileExists(t, completed.Segment.Path)

	stopPlayer(t, p)

	_, err := os.Stat(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// the subscription is closed once drained
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		if _, err := sub.Next(ctx); err != nil {
			require.ErrorIs(t, err, media.ErrMailboxClosed)
			break
		}
	}

	require.ErrorIs(t, p.OpenSession(Station{URL: "http://radio"}), ErrNotRunning)
}

func TestPlayerRejectsBadInput(t *testing.T) {
	r := newRadio()
	p, _ := testPlayer(t, r, resolverFunc(passthrough), true)
	defer stopPlayer(t, p)

	require.ErrorIs(t, p.OpenSession(Station{Name: "no url"}), ErrNoURL)
	require.ErrorIs(t, p.SetPlaybackState(media.Loading), ErrInvalidState)
	require.Error(t, p.SetVolume(1.5))
	require.Error(t, p.SetVolume(math.NaN()))
	require.Error(t, p.SetVolume(math.Inf(1)))

	require.NoError(t, p.SetVolume(0.3))
	require.Eventually(t, func() bool { return p.Status().Volume == 0.3 }, time.Second, 5*time.Millisecond)
}

func TestNewRequiresChain(t *testing.T) {
	_, err := New(Config{}, *slog.Default(), prometheus.NewRegistry())
	require.ErrorIs(t, err, ErrNoChain)

	_, err = New(Config{Graph: graph.Config{Output: "hdmi"}}, *slog.Default(), prometheus.NewRegistry(), WithChain(newLineChain))
	require.Error(t, err)
}
