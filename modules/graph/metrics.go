package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "wavecatch"
	metricsSubsystem = "graph"
)

type metrics struct {
	opens            prometheus.Counter
	errors           *prometheus.CounterVec
	captureDropped   prometheus.Counter
	playbackUnderrun prometheus.Counter
	buffers          prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		opens: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "opens_total",
			Help:      "Number of graphs built.",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "element_errors_total",
			Help:      "Errors reported by graph elements.",
		}, []string{"element"}),
		captureDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "capture_dropped_buffers_total",
			Help:      "Buffers dropped by the leaky capture queue.",
		}),
		playbackUnderrun: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "playback_underruns_total",
			Help:      "Output callbacks that had to be padded with silence.",
		}),
		buffers: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "buffers_total",
			Help:      "Normalized buffers that passed the tee.",
		}),
	}
}
