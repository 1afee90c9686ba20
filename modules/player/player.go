// Package player runs the reactor that ties the stream graph, the metadata
// watcher and the segment controller together.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/wavecatch/modules/capture"
	"github.com/zachfi/wavecatch/modules/graph"
	"github.com/zachfi/wavecatch/pkg/media"
)

var module = "player"

var (
	ErrNotRunning   = errors.New("player is not running")
	ErrInvalidState = errors.New("playback state must be playing or stopped")
	ErrNoChain      = errors.New("no segment chain configured")
)

type openSessionMessage struct {
	media.Envelope
	station Station
}

type playbackMessage struct {
	media.Envelope
	kind media.StateKind
}

type volumeMessage struct {
	media.Envelope
	level float64
}

// Status is a snapshot of what the player is doing.
type Status struct {
	State     string  `json:"state"`
	Reason    string  `json:"reason,omitempty"`
	Station   Station `json:"station"`
	Title     string  `json:"title"`
	Recording string  `json:"recording,omitempty"` // title of the segment being written
	Volume    float64 `json:"volume"`
}

type Option func(*options)

type options struct {
	chain     capture.ChainFactory
	resolver  Resolver
	graphOpts []graph.Option
}

// WithChain sets the encoder chain segments are written with.
func WithChain(fn capture.ChainFactory) Option {
	return func(o *options) { o.chain = fn }
}

func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithGraphOptions(opts ...graph.Option) Option {
	return func(o *options) { o.graphOpts = append(o.graphOpts, opts...) }
}

type Player struct {
	services.Service
	cfg     Config
	logger  *slog.Logger
	metrics *metrics

	bus        *media.Bus
	graph      *graph.Graph
	factory    *capture.Factory
	history    *capture.History
	resolver   Resolver
	controller *Controller
	watcher    MetadataWatcher
	subs       subscribers
	resolving  sync.WaitGroup

	// reactor state
	session uint64
	live    uint64 // generation of the running graph, 0 when torn down
	url     string
	station Station
	state   media.PlaybackState

	statusMu sync.RWMutex
	status   Status
}

// New creates and returns a new Player.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer, opts ...Option) (*Player, error) {
	cfg.applyDefaults()
	if err := cfg.Graph.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.chain == nil {
		return nil, ErrNoChain
	}

	l := logger.With("module", module)
	bus := media.NewBus()

	p := &Player{
		cfg:     cfg,
		logger:  l,
		metrics: newMetrics(reg),
		bus:     bus,
		graph:   graph.New(cfg.Graph, l.With("component", "graph"), bus, reg, o.graphOpts...),
		factory: capture.NewFactory(cfg.Capture, l.With("component", "capture"), bus, o.chain),
		history: capture.NewHistory(cfg.Capture.HistorySize, l),
		state:   media.StateOf(media.Stopped),
	}

	p.resolver = o.resolver
	if p.resolver == nil {
		p.resolver = NewPlaylistResolver(l)
	}

	p.controller = NewController(l, p.graph, p.startWriter, p.factory.SegmentPath, bus, p, cfg.EOSTimeout)
	p.status = Status{State: p.state.String(), Volume: p.graph.Volume()}

	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)

	return p, nil
}

func (p *Player) starting(_ context.Context) error {
	if err := os.MkdirAll(p.factory.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	if p.cfg.URL != "" {
		return p.OpenSession(Station{Name: p.cfg.Name, URL: p.cfg.URL})
	}
	return nil
}

func (p *Player) running(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.drain(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-p.bus.Notify():
		case <-ticker.C:
		}
	}
}

func (p *Player) stopping(_ error) error {
	p.logger.Info("stopping")

	p.controller.Stop()
	p.graph.Close()
	p.bus.Close()
	p.resolving.Wait()
	p.subs.closeAll()

	if p.cfg.Capture.KeepRecordings {
		return nil
	}

	var errs []error
	if err := p.history.Clear(); err != nil {
		errs = append(errs, err)
	}
	// only removed when nothing else lives there
	if err := os.Remove(p.factory.Dir()); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Debug("capture directory kept", "dir", p.factory.Dir(), "err", err)
	}

	return errors.Join(errs...)
}

func (p *Player) drain(ctx context.Context) {
	for {
		m, ok := p.bus.Pop()
		if !ok {
			return
		}
		p.handle(ctx, m)
	}
}

func (p *Player) handle(ctx context.Context, m media.Message) {
	switch m := m.(type) {
	case openSessionMessage:
		p.openSession(ctx, m.station)

	case playbackMessage:
		p.setPlayback(ctx, m.kind)

	case volumeMessage:
		p.graph.SetVolume(m.level)
		p.updateStatus(func(s *Status) { s.Volume = p.graph.Volume() })

	case sourceResolvedMessage:
		if m.session != p.session {
			p.metrics.staleMessages.Inc()
			return
		}
		p.open(m.url)

	case resolveFailedMessage:
		if m.session != p.session {
			p.metrics.staleMessages.Inc()
			return
		}
		p.setState(media.Failed(m.err.Error()))

	case media.TagMessage:
		if !p.isLive(m.Gen) {
			return
		}
		if p.watcher.Observe(m.Title) {
			p.controller.TitleChanged(ctx, m.Title)
		}

	case media.StateChangedMessage:
		if !p.isLive(m.Gen) {
			return
		}
		p.setState(m.State)

	case media.ErrorMessage:
		if !p.isLive(m.Gen) {
			return
		}
		p.fail(m.Err.Error())

	case media.WriterEOSMessage:
		p.controller.WriterEOS(ctx, m.Writer)

	case media.WriterErrorMessage:
		if err := p.controller.WriterFailed(m.Writer, m.Err); err != nil {
			p.fail(err.Error())
		}

	case eosTimeoutMessage:
		if err := p.controller.EOSTimeout(m.swap); err != nil {
			p.metrics.eosTimeouts.Inc()
			p.fail(err.Error())
		}

	default:
		p.logger.Warn("unknown message", "type", fmt.Sprintf("%T", m))
	}

	p.updateStatus(func(s *Status) {
		s.Recording = ""
		if w := p.controller.Writer(); w != nil {
			s.Recording = w.Title()
		}
	})
}

func (p *Player) isLive(gen uint64) bool {
	if p.live == 0 || gen != p.live {
		p.metrics.staleMessages.Inc()
		return false
	}
	return true
}

func (p *Player) openSession(ctx context.Context, st Station) {
	p.session++
	p.logger.Info("opening station", "name", st.Name, "url", st.URL)

	p.stopCapture()
	p.teardown()
	p.setState(media.StateOf(media.Stopped))

	p.url = ""
	p.station = st
	p.updateStatus(func(s *Status) {
		s.Station = st
		s.Title = ""
	})

	p.setState(media.StateOf(media.Loading))
	p.resolve(ctx, p.session, st)
}

func (p *Player) setPlayback(ctx context.Context, k media.StateKind) {
	switch k {
	case media.Stopped:
		// abandon any resolution in flight
		p.session++
		p.stopCapture()
		p.teardown()
		p.setState(media.StateOf(media.Stopped))

	case media.Playing:
		switch {
		case p.live != 0:
		case p.url != "":
			p.open(p.url)
		case p.station.URL != "":
			p.session++
			p.setState(media.StateOf(media.Loading))
			p.resolve(ctx, p.session, p.station)
		default:
			p.logger.Warn("nothing to play", "err", graph.ErrNoSource)
		}
	}
}

func (p *Player) resolve(ctx context.Context, session uint64, st Station) {
	p.resolving.Add(1)
	go func() {
		defer p.resolving.Done()

		url, err := p.resolver.Resolve(ctx, st)
		if err != nil {
			p.bus.Post(resolveFailedMessage{session: session, err: err})
			return
		}
		p.bus.Post(sourceResolvedMessage{session: session, url: url})
	}()
}

func (p *Player) open(url string) {
	p.watcher.Reset()
	p.url = url
	p.live = p.graph.Open(url)
}

// stopCapture discards the segment in progress. A discarded writer may have
// already committed onto the file of an older segment with the same title, so
// history entries without a file are dropped too.
func (p *Player) stopCapture() {
	p.controller.Stop()
	for _, seg := range p.history.Prune() {
		p.logger.Info("segment file removed with discarded recording", "title", seg.Title, "path", seg.Path)
	}
}

func (p *Player) teardown() {
	if err := p.graph.SetPlaybackState(media.Stopped); err != nil {
		p.logger.Error("failed to stop graph", "err", err)
	}
	p.live = 0
}

// fail discards the segment in progress, tears the graph down and surfaces
// reason. Nothing is retried.
func (p *Player) fail(reason string) {
	p.stopCapture()
	p.teardown()
	p.setState(media.Failed(reason))
}

// setState publishes s unless it equals the last published state.
func (p *Player) setState(s media.PlaybackState) {
	if s == p.state {
		return
	}
	p.state = s

	p.logger.Info("playback state changed", "state", s.Kind, "reason", s.Reason)
	p.metrics.stateChanges.WithLabelValues(s.Kind.String()).Inc()
	p.updateStatus(func(st *Status) {
		st.State = s.Kind.String()
		st.Reason = s.Reason
	})
	p.subs.publish(PlaybackStateChanged{State: s})
}

func (p *Player) titleChanged(title string) {
	p.logger.Info("now playing", "title", title)
	p.updateStatus(func(s *Status) { s.Title = title })
	p.subs.publish(TitleChanged{Title: title})
}

func (p *Player) segmentCompleted(seg capture.Segment) {
	p.logger.Info("segment completed", "title", seg.Title, "path", seg.Path, "duration", seg.Duration)
	p.metrics.segmentsCompleted.Inc()
	p.metrics.segmentDuration.Observe(seg.Duration.Seconds())

	evicted := p.history.Add(seg)
	p.metrics.segmentsEvicted.Add(float64(len(evicted)))

	p.subs.publish(SegmentCompleted{Segment: seg})
}

func (p *Player) writerFailed() {
	p.metrics.writerFailures.Inc()
}

func (p *Player) startWriter(ctx context.Context, title, dest string) (SegmentWriter, error) {
	w, err := p.factory.Start(ctx, title, dest)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *Player) updateStatus(fn func(s *Status)) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	fn(&p.status)
}

func (p *Player) post(m media.Message) error {
	if !p.bus.Post(m) {
		return ErrNotRunning
	}
	return nil
}

// OpenSession replaces the current station. Resolution happens in the
// background; progress is reported through PlaybackStateChanged events.
func (p *Player) OpenSession(st Station) error {
	if st.URL == "" {
		return ErrNoURL
	}
	return p.post(openSessionMessage{station: st})
}

// SetPlaybackState starts or stops playback.
func (p *Player) SetPlaybackState(k media.StateKind) error {
	if k != media.Playing && k != media.Stopped {
		return fmt.Errorf("%w: %s", ErrInvalidState, k)
	}
	return p.post(playbackMessage{kind: k})
}

// SetVolume sets the playback level in [0,1]. Recordings are not affected.
func (p *Player) SetVolume(level float64) error {
	if math.IsNaN(level) || level < 0 || level > 1 {
		return fmt.Errorf("volume %v out of range [0,1]", level)
	}
	return p.post(volumeMessage{level: level})
}

// Subscribe returns a subscription to all future events.
func (p *Player) Subscribe() *Subscription {
	return p.subs.add()
}

func (p *Player) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

// Segments returns the completed segments still on disk, newest first.
func (p *Player) Segments() []capture.Segment {
	return p.history.List()
}

func (p *Player) Segment(id string) (capture.Segment, bool) {
	return p.history.Get(id)
}
