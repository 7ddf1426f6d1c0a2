package allocator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the allocator's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ReservedBytes *prometheus.GaugeVec
	BudgetBytes   *prometheus.GaugeVec
	Reservations  *prometheus.CounterVec
	Releases      *prometheus.CounterVec
}

// NewMetrics registers the allocator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReservedBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrm_allocator_reserved_bytes",
			Help: "Bytes currently reserved per device.",
		}, []string{"device"}),
		BudgetBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrm_allocator_budget_bytes",
			Help: "Bytes the allocator may hand out per device.",
		}, []string{"device"}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrm_allocator_reservations_total",
			Help: "Reserve calls by device and result.",
		}, []string{"device", "result"}),
		Releases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrm_allocator_releases_total",
			Help: "Release calls by device and result.",
		}, []string{"device", "result"}),
	}
}

func (m *Metrics) reserve(device, result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(device, result).Inc()
}

func (m *Metrics) release(device, result string) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(device, result).Inc()
}

func (m *Metrics) gauges(device string, budget, reserved int64) {
	if m == nil {
		return
	}
	m.BudgetBytes.WithLabelValues(device).Set(float64(budget))
	m.ReservedBytes.WithLabelValues(device).Set(float64(reserved))
}
