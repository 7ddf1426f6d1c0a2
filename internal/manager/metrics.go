package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the manager's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Prepares        *prometheus.CounterVec
	PrepareDuration prometheus.Histogram
	Cleanups        prometheus.Counter
	Evictions       prometheus.Counter
	Instances       *prometheus.GaugeVec
}

// NewMetrics registers the manager collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Prepares: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrm_prepare_total",
			Help: "PrepareModelLoading calls by result.",
		}, []string{"result"}),
		PrepareDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelrm_prepare_duration_seconds",
			Help:    "PrepareModelLoading latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		Cleanups: f.NewCounter(prometheus.CounterOpts{
			Name: "modelrm_cleanups_total",
			Help: "Models released by CleanupModel.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "modelrm_evictions_total",
			Help: "Models evicted to make room.",
		}),
		Instances: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrm_instances",
			Help: "Tracked model instances by state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) prepared(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Prepares.WithLabelValues(result).Inc()
	m.PrepareDuration.Observe(d.Seconds())
}

func (m *Metrics) cleanedUp() {
	if m == nil {
		return
	}
	m.Cleanups.Inc()
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}
