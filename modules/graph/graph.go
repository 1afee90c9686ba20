// Package graph builds and runs the stream graph: source, decoder, resampler
// and a tee feeding the playback branch and the capture gate.
package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/wavecatch/pkg/media"
	"github.com/zachfi/wavecatch/pkg/shoutcast"
)

var (
	ErrNoSource     = errors.New("no source to play")
	ErrStreamEnded  = errors.New("stream ended")
	ErrInvalidState = errors.New("graph can only be set to playing or stopped")
)

// OpenFunc connects to url and returns the audio bytes with their content
// type. onTitle is called from the reading goroutine for each new title.
type OpenFunc func(ctx context.Context, url string, onTitle func(title string)) (io.ReadCloser, string, error)

// OpenShoutcast opens an ICY stream, resolving playlists on the way.
func OpenShoutcast(ctx context.Context, url string, onTitle func(string)) (io.ReadCloser, string, error) {
	s, err := shoutcast.Open(ctx, url)
	if err != nil {
		return nil, "", err
	}
	s.MetadataCallbackFunc = func(m *shoutcast.Metadata) {
		onTitle(m.StreamTitle)
	}
	return s, s.ContentType, nil
}

type Option func(*Graph)

func WithOutput(o Output) Option {
	return func(g *Graph) { g.output = o }
}

func WithOpener(fn OpenFunc) Option {
	return func(g *Graph) { g.open = fn }
}

func WithDecoder(fn DecodeFunc) Option {
	return func(g *Graph) { g.decode = fn }
}

// Graph owns at most one running pipeline. Every Open starts a new
// generation; messages of older generations are stale.
type Graph struct {
	cfg     Config
	logger  *slog.Logger
	bus     *media.Bus
	open    OpenFunc
	decode  DecodeFunc
	output  Output
	metrics *metrics

	mu      sync.Mutex
	gen     uint64
	url     string
	level   float64
	current *pipeline
}

func New(cfg Config, logger *slog.Logger, bus *media.Bus, reg prometheus.Registerer, opts ...Option) *Graph {
	cfg.applyDefaults()

	g := &Graph{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		open:    OpenShoutcast,
		decode:  Decode,
		output:  NewNullOutput(),
		metrics: newMetrics(reg),
		level:   clampLevel(cfg.Volume),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

type pipeline struct {
	gen      uint64
	url      string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	capture  *media.Queue
	gate     *media.Gate
	playback *playbackQueue
	volume   *volume

	mu     sync.Mutex
	source io.Closer
}

// Open tears down the running pipeline and starts a new one reading url. It
// returns the generation of the new pipeline.
func (g *Graph) Open(url string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.teardownLocked()
	g.url = url
	return g.startLocked()
}

func (g *Graph) startLocked() uint64 {
	g.gen++

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		gen:     g.gen,
		url:     g.url,
		ctx:     ctx,
		cancel:  cancel,
		capture: media.NewQueue(g.cfg.CaptureQueueSize),
	}
	p.gate = media.NewGate(p.capture.Out())
	p.playback = newPlaybackQueue(g.cfg.PlaybackQueueSize, g.metrics.playbackUnderrun.Inc)
	p.volume = newVolume(p.playback, g.level)
	g.current = p

	g.metrics.opens.Inc()
	g.logger.Debug("opening graph", "gen", p.gen, "url", p.url)
	g.bus.Post(media.StateChangedMessage{Gen: p.gen, State: media.StateOf(media.Loading)})

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.gate.Run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		defer p.capture.Close()
		g.run(p)
	}()

	if err := g.output.Start(p.volume, media.SampleRate); err != nil {
		g.fail(p, "output", err)
	}

	return p.gen
}

func (g *Graph) run(p *pipeline) {
	rc, contentType, err := g.open(p.ctx, p.url, func(title string) {
		g.bus.Post(media.TagMessage{Gen: p.gen, Title: title})
	})
	if err != nil {
		g.fail(p, "source", err)
		return
	}
	if !p.setSource(rc) {
		return
	}
	defer rc.Close()

	latch := media.NewPadLatch(RawCaps)
	s, sf, err := g.decode(rc, contentType, func(pad media.Pad) bool {
		linked := latch.Claim(pad)
		g.logger.Debug("pad added", "gen", p.gen, "pad", pad.Name, "caps", pad.Caps, "linked", linked)
		return linked
	})
	if err != nil {
		g.fail(p, "decoder", err)
		return
	}
	defer s.Close()

	if !latch.Linked() {
		g.fail(p, "decoder", ErrNoAudio)
		return
	}

	var st beep.Streamer = s
	if sf.SampleRate != media.SampleRate {
		st = beep.Resample(g.cfg.ResampleQuality, sf.SampleRate, media.SampleRate, s)
	}

	g.tee(p, st)
}

// tee splits normalized audio into the playback and capture branches.
func (g *Graph) tee(p *pipeline, st beep.Streamer) {
	playing := false

	for {
		samples := make([][2]float64, media.FrameSize)
		n, ok := st.Stream(samples)

		if n > 0 {
			b := media.Buffer{Samples: samples[:n]}
			if !playing {
				playing = true
				g.bus.Post(media.StateChangedMessage{Gen: p.gen, State: media.StateOf(media.Playing)})
			}
			g.metrics.buffers.Inc()

			if p.capture.Push(b) {
				g.metrics.captureDropped.Inc()
			}
			if err := p.playback.push(p.ctx, b); err != nil {
				return
			}
		}

		if !ok {
			if err := st.Err(); err != nil {
				g.fail(p, "decoder", err)
			} else {
				g.fail(p, "source", ErrStreamEnded)
			}
			return
		}
	}
}

// fail reports an element error unless the pipeline is being torn down.
func (g *Graph) fail(p *pipeline, element string, err error) {
	if p.ctx.Err() != nil {
		return
	}
	g.metrics.errors.WithLabelValues(element).Inc()
	g.logger.Error("graph element failed", "gen", p.gen, "element", element, "err", err)
	g.bus.Post(media.ErrorMessage{Gen: p.gen, Source: element, Err: err})
}

func (p *pipeline) setSource(c io.Closer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		_ = c.Close()
		return false
	}
	p.source = c
	return true
}

func (p *pipeline) stop() {
	p.cancel()

	p.mu.Lock()
	if p.source != nil {
		_ = p.source.Close()
	}
	p.mu.Unlock()
}

func (g *Graph) teardownLocked() {
	p := g.current
	if p == nil {
		return
	}
	g.current = nil

	p.stop()
	g.output.Stop()
	p.wg.Wait()

	g.logger.Debug("graph torn down", "gen", p.gen, "capture_dropped", p.capture.Dropped(), "gate_dropped", p.gate.Dropped())
}

// SetPlaybackState stops the graph or restarts it with the last URL. Stopping
// posts no message.
func (g *Graph) SetPlaybackState(k media.StateKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch k {
	case media.Stopped:
		g.teardownLocked()
		return nil
	case media.Playing:
		if g.current != nil {
			return nil
		}
		if g.url == "" {
			return ErrNoSource
		}
		g.startLocked()
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, k)
	}
}

// SetVolume sets the playback level in [0,1]. The capture branch is not
// affected.
func (g *Graph) SetVolume(level float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.level = clampLevel(level)
	if g.current != nil {
		g.current.volume.set(g.level)
	}
}

func (g *Graph) Volume() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// Generation returns the generation of the most recent pipeline.
func (g *Graph) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

// Running reports whether a pipeline exists.
func (g *Graph) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}

func (g *Graph) URL() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.url
}

func (g *Graph) active() *pipeline {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// SetSink links s behind the capture gate of the running pipeline. A nil sink
// unlinks.
func (g *Graph) SetSink(s media.Sink) error {
	p := g.active()
	if p == nil {
		if s == nil {
			return nil
		}
		return media.ErrGateClosed
	}
	return p.gate.SetSink(s)
}

// Block blocks the capture gate of the running pipeline.
func (g *Graph) Block(eos bool) (*media.CaptureGate, error) {
	p := g.active()
	if p == nil {
		return nil, media.ErrGateClosed
	}
	return p.gate.Block(eos)
}

// Close tears down the running pipeline.
func (g *Graph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.teardownLocked()
}
