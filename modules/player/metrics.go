package player

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "wavecatch"

type metrics struct {
	segmentsCompleted prometheus.Counter
	segmentsEvicted   prometheus.Counter
	segmentDuration   prometheus.Histogram
	writerFailures    prometheus.Counter
	eosTimeouts       prometheus.Counter
	stateChanges      *prometheus.CounterVec
	staleMessages     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		segmentsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "segments_completed_total",
			Help:      "Segments finished cleanly.",
		}),
		segmentsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "segments_evicted_total",
			Help:      "Completed segments deleted to keep the history bounded.",
		}),
		segmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "segment_duration_seconds",
			Help:      "Duration of completed segments.",
			Buckets:   []float64{30, 60, 120, 180, 240, 300, 420, 600, 900},
		}),
		writerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "segment_writer_failures_total",
			Help:      "Segment writers that failed to start or to write.",
		}),
		eosTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "segment_eos_timeouts_total",
			Help:      "Swaps abandoned because the old segment never confirmed end-of-stream.",
		}),
		stateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "playback_state_changes_total",
			Help:      "Playback state notifications by state.",
		}, []string{"state"}),
		staleMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_messages_total",
			Help:      "Bus messages ignored because they belong to an older graph or session.",
		}),
	}
}
