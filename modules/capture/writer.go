package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zachfi/wavecatch/pkg/media"
)

var (
	ErrWriterClosed = errors.New("segment writer closed")
	ErrNotFinalized = errors.New("segment writer has not confirmed end-of-stream")
	ErrNoTitle      = errors.New("segment title is empty")
)

// Chain is the encoder, muxer and file sink behind a Writer.
type Chain interface {
	Write(samples [][2]float64) error
	// Close flushes and finishes the container cleanly.
	Close() error
	// Abort releases the file without finishing it.
	Abort() error
}

// ChainFactory builds a chain writing to path.
type ChainFactory func(path string) (Chain, error)

// State of a Writer.
type State int32

const (
	Idle State = iota
	Writing
	Finalizing
	Discarding
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Writing:
		return "writing"
	case Finalizing:
		return "finalizing"
	case Discarding:
		return "discarding"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Factory starts writers and makes sure no two of them target the same
// destination at once.
type Factory struct {
	cfg    Config
	logger *slog.Logger
	bus    *media.Bus
	chain  ChainFactory
	clock  func() time.Time

	mu   sync.Mutex
	busy map[string]chan struct{}
}

func NewFactory(cfg Config, logger *slog.Logger, bus *media.Bus, chain ChainFactory) *Factory {
	cfg.applyDefaults()
	return &Factory{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		chain:  chain,
		clock:  time.Now,
		busy:   make(map[string]chan struct{}),
	}
}

// Dir is where segments are written.
func (f *Factory) Dir() string {
	return f.cfg.Dir
}

// SegmentPath returns the destination of the segment for title.
func (f *Factory) SegmentPath(title string) string {
	return f.cfg.SegmentPath(title)
}

// Start builds the chain for a new segment recording to dest. If another
// writer still owns dest, Start waits for it to finish or discard.
func (f *Factory) Start(ctx context.Context, title, dest string) (*Writer, error) {
	if title == "" {
		return nil, ErrNoTitle
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}

	release, err := f.claim(ctx, dest)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	chain, err := f.chain(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		release()
		return nil, fmt.Errorf("failed to build writer chain: %w", err)
	}

	wCtx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		id:      uuid.NewString(),
		title:   title,
		path:    dest,
		tmpPath: tmpPath,
		created: f.clock(),
		logger:  f.logger,
		bus:     f.bus,
		chain:   chain,
		clock:   f.clock,
		grace:   f.cfg.DiscardGrace,
		release: release,
		in:      make(chan media.Buffer, f.cfg.WriterQueueSize),
		ctx:     wCtx,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	w.logger = f.logger.With("writer", w.id, "path", dest)
	w.state.Store(int32(Writing))

	go w.run()

	w.logger.Debug("segment writer started", "title", title)
	return w, nil
}

func (f *Factory) claim(ctx context.Context, path string) (func(), error) {
	for {
		f.mu.Lock()
		done, ok := f.busy[path]
		if !ok {
			ch := make(chan struct{})
			f.busy[path] = ch
			f.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					f.mu.Lock()
					delete(f.busy, path)
					f.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		f.mu.Unlock()

		f.logger.Debug("waiting for previous writer", "path", path)
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Writer records one segment. Buffers arrive through Push; an EOS buffer
// finishes the file and is confirmed with a media.WriterEOSMessage.
type Writer struct {
	id      string
	title   string
	path    string
	tmpPath string
	created time.Time
	logger  *slog.Logger
	bus     *media.Bus
	chain   Chain
	clock   func() time.Time
	grace   time.Duration
	release func()

	in     chan media.Buffer
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
	state  atomic.Int32

	// commit orders the rename onto path against Discard
	commit    sync.Mutex
	committed bool

	// written by run before exited is closed
	err       error
	confirmed time.Time
	samples   int64
}

func (w *Writer) ID() string {
	return w.id
}

func (w *Writer) Title() string {
	return w.title
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) State() State {
	return State(w.state.Load())
}

// IsActive reports whether the writer still accepts audio.
func (w *Writer) IsActive() bool {
	return w.State() == Writing
}

// Push implements media.Sink.
func (w *Writer) Push(ctx context.Context, b media.Buffer) error {
	select {
	case <-w.exited:
		return ErrWriterClosed
	case <-w.ctx.Done():
		return ErrWriterClosed
	default:
	}

	select {
	case w.in <- b:
		return nil
	case <-w.exited:
		return ErrWriterClosed
	case <-w.ctx.Done():
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.exited)

	for {
		select {
		case <-w.ctx.Done():
			if err := w.chain.Abort(); err != nil {
				w.logger.Debug("error aborting writer chain", "err", err)
			}
			return

		case b := <-w.in:
			if b.EOS {
				w.finish()
				return
			}
			if err := w.chain.Write(b.Samples); err != nil {
				w.fail(fmt.Errorf("failed to write segment: %w", err))
				return
			}
			w.samples += int64(len(b.Samples))
		}
	}
}

func (w *Writer) finish() {
	w.state.Store(int32(Finalizing))

	if err := w.chain.Close(); err != nil {
		w.fail(fmt.Errorf("failed to close segment: %w", err))
		return
	}
	w.commit.Lock()
	if w.ctx.Err() != nil {
		// discarded while closing
		w.commit.Unlock()
		_ = os.Remove(w.tmpPath)
		return
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		w.commit.Unlock()
		w.fail(fmt.Errorf("failed to commit segment: %w", err))
		return
	}
	w.committed = true
	w.commit.Unlock()

	w.confirmed = w.clock()
	w.release()

	w.logger.Debug("segment writer reached end-of-stream", "audio", time.Duration(w.samples)*time.Second/media.SampleRate)
	w.bus.Post(media.WriterEOSMessage{Writer: w.id})
}

func (w *Writer) fail(err error) {
	w.err = err
	w.state.Store(int32(Closed))
	_ = w.chain.Abort()
	_ = os.Remove(w.tmpPath)
	w.release()

	w.logger.Error("segment writer failed", "err", err)
	w.bus.Post(media.WriterErrorMessage{Writer: w.id, Err: err})
}

// Finalized returns the segment once end-of-stream has been confirmed.
func (w *Writer) Finalized() (Segment, error) {
	select {
	case <-w.exited:
	default:
		return Segment{}, ErrNotFinalized
	}
	if w.err != nil {
		return Segment{}, w.err
	}
	if !w.committed {
		return Segment{}, ErrWriterClosed
	}
	w.state.Store(int32(Closed))

	d := w.confirmed.Sub(w.created)
	if d < 0 {
		d = 0
	}

	return Segment{
		ID:       w.id,
		Title:    w.title,
		Path:     w.path,
		Created:  w.created,
		Duration: d,
	}, nil
}

// Finalize pushes end-of-stream and waits for the confirmation. It must not
// race with another goroutine pushing into the writer.
func (w *Writer) Finalize(ctx context.Context) (Segment, error) {
	if err := w.Push(ctx, media.EOSBuffer()); err != nil {
		return Segment{}, err
	}

	select {
	case <-w.exited:
	case <-ctx.Done():
		return Segment{}, ctx.Err()
	}
	return w.Finalized()
}

// Discard stops the writer without finishing the file and removes
// everything it wrote. Files already gone are not an error.
func (w *Writer) Discard() error {
	if w.State() == Closed {
		return nil
	}
	w.state.Store(int32(Discarding))
	w.cancel()

	timer := time.NewTimer(w.grace)
	defer timer.Stop()
	select {
	case <-w.exited:
	case <-timer.C:
		w.logger.Warn("writer did not stop in time, removing files anyway", "grace", w.grace)
	}

	// once the lock is held a late finish can no longer commit
	w.commit.Lock()
	committed := w.committed
	w.commit.Unlock()

	var errs []error
	if err := os.Remove(w.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if committed {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	w.release()
	w.state.Store(int32(Closed))
	w.logger.Debug("segment writer discarded")

	return errors.Join(errs...)
}
