package graph

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"github.com/zachfi/wavecatch/pkg/media"
)

const (
	volumeCurveExponent = 0.5
	minVolumeDB         = -10.0
)

// Output is the audible end of the playback branch.
type Output interface {
	Start(s beep.Streamer, rate beep.SampleRate) error
	Stop()
}

// playbackQueue sits between the tee and the output. The tee blocks on push,
// which paces the graph to the output clock; the output never blocks and
// plays silence on underrun.
type playbackQueue struct {
	ch      chan media.Buffer
	cur     [][2]float64
	started bool
	onUnder func()
}

func newPlaybackQueue(size int, onUnderrun func()) *playbackQueue {
	return &playbackQueue{
		ch:      make(chan media.Buffer, size),
		onUnder: onUnderrun,
	}
}

func (q *playbackQueue) push(ctx context.Context, b media.Buffer) error {
	select {
	case q.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stream implements beep.Streamer.
func (q *playbackQueue) Stream(samples [][2]float64) (int, bool) {
	filled := 0
	for filled < len(samples) {
		if len(q.cur) == 0 {
			select {
			case b := <-q.ch:
				q.cur = b.Samples
				q.started = true
				continue
			default:
			}
			break
		}

		n := copy(samples[filled:], q.cur)
		q.cur = q.cur[n:]
		filled += n
	}

	if filled < len(samples) {
		if q.started && q.onUnder != nil {
			q.onUnder()
		}
		clear(samples[filled:])
	}
	return len(samples), true
}

func (q *playbackQueue) Err() error {
	return nil
}

// volume guards an effects.Volume so the level can change while the output
// is streaming.
type volume struct {
	mu sync.Mutex
	fx effects.Volume
}

func newVolume(s beep.Streamer, level float64) *volume {
	v := &volume{fx: effects.Volume{Streamer: s, Base: 2}}
	v.set(level)
	return v
}

func (v *volume) Stream(samples [][2]float64) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fx.Stream(samples)
}

func (v *volume) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fx.Err()
}

func (v *volume) set(level float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fx.Volume = levelToExponent(level)
	v.fx.Silent = level <= 0
}

// levelToExponent maps a linear level in [0,1] onto the exponent of the
// volume effect, following a square root curve so the low end stays usable.
func levelToExponent(level float64) float64 {
	if level <= 0 {
		return minVolumeDB
	}
	if level >= 1 {
		return 0
	}
	return (1.0 - math.Pow(level, volumeCurveExponent)) * minVolumeDB
}

func clampLevel(level float64) float64 {
	if math.IsNaN(level) {
		return 0
	}
	return math.Max(0, math.Min(1, level))
}

// NullOutput consumes the playback branch at the real-time rate without
// producing sound. It is used for headless recording.
type NullOutput struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNullOutput() *NullOutput {
	return &NullOutput{}
}

func (o *NullOutput) Start(s beep.Streamer, rate beep.SampleRate) error {
	o.Stop()

	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel = cancel
	o.done = done

	go func() {
		defer close(done)
		buf := make([][2]float64, rate.N(media.FrameDuration))
		ticker := time.NewTicker(media.FrameDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Stream(buf)
			}
		}
	}()

	return nil
}

func (o *NullOutput) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
