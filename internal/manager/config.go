package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"modelrm/internal/allocator"
	"modelrm/internal/hardware"
	"modelrm/internal/quant"
	"modelrm/internal/registry"
)

// DefaultPressureThreshold is used when ManagerConfig.PressureThreshold is unset.
const DefaultPressureThreshold = 0.85

const tracerName = "modelrm/internal/manager"

// ManagerConfig encapsulates all collaborators and tunables for Manager construction.
type ManagerConfig struct {
	Registry *registry.Registry
	Profiler hardware.Profiler
	// Allocator defaults to one built from a fresh Profiler snapshot.
	Allocator *allocator.Allocator
	// Strategy defaults to quant.Default().
	Strategy *quant.Strategy
	Handlers Handlers
	// PressureThreshold is the default for CheckMemoryPressure.
	PressureThreshold float64

	Logger    zerolog.Logger
	Publisher EventPublisher
	Metrics   *Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		reg:       cfg.Registry,
		profiler:  cfg.Profiler,
		alloc:     cfg.Allocator,
		handlers:  make(Handlers, len(cfg.Handlers)),
		threshold: cfg.PressureThreshold,
		log:       cfg.Logger,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		now:       cfg.Now,
		instances: make(map[string]*Instance),
	}
	// Apply defaults if unset
	if m.reg == nil {
		m.reg = registry.New(m.log)
	}
	if m.profiler == nil {
		m.profiler = hardware.NewHostProfiler(hardware.HostConfig{Logger: m.log})
	}
	if m.alloc == nil {
		m.alloc = allocator.New(m.profiler.Snapshot(context.Background()), allocator.Options{Logger: m.log})
	}
	if cfg.Strategy != nil {
		m.strategy = *cfg.Strategy
	} else {
		m.strategy = quant.Default()
	}
	for t, h := range cfg.Handlers {
		m.handlers[t] = h
	}
	if m.threshold <= 0 {
		m.threshold = DefaultPressureThreshold
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.startTime = m.now()
	return m
}
