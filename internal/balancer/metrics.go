package balancer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the balancer's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Switches       *prometheus.CounterVec
	SwitchDuration *prometheus.HistogramVec
}

// NewMetrics registers the balancer collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Switches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrm_mode_switches_total",
			Help: "Mode switches by target mode and result.",
		}, []string{"mode", "result"}),
		SwitchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrm_mode_switch_duration_seconds",
			Help:    "Wall time of a mode switch including model construction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
	}
}

func (m *Metrics) switched(mode, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Switches.WithLabelValues(mode, result).Inc()
	m.SwitchDuration.WithLabelValues(mode).Observe(seconds)
}
