package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"modelrm/internal/allocator"
	"modelrm/internal/hardware"
	"modelrm/internal/quant"
	"modelrm/internal/registry"
	"modelrm/pkg/types"
)

// Manager coordinates admission and lifecycle for model instances. The
// allocator's table is the authority on memory; mu guards the instance map
// and is always taken before the allocator's own lock.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	lastErr   string

	reg       *registry.Registry
	profiler  hardware.Profiler
	alloc     *allocator.Allocator
	strategy  quant.Strategy
	handlers  Handlers
	threshold float64

	log       zerolog.Logger
	publisher EventPublisher
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	startTime time.Time

	loads      atomic.Uint64
	cleanups   atomic.Uint64
	evictions  atomic.Uint64
	rejections atomic.Uint64
}

// Registry returns the model catalog.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Allocator returns the memory allocator.
func (m *Manager) Allocator() *allocator.Allocator { return m.alloc }

// Strategy returns the quantization strategy.
func (m *Manager) Strategy() quant.Strategy { return m.strategy }

// SetEventPublisher replaces the event sink; nil restores the no-op publisher.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		p = noopPublisher{}
	}
	m.publisher = p
}

func (m *Manager) publish(e Event) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	p.Publish(e)
}

// Snapshot returns a fresh hardware profile from the profiler.
func (m *Manager) Snapshot(ctx context.Context) types.HardwareProfile {
	return m.profiler.Snapshot(ctx)
}

// RefreshBaseline re-measures the hardware and rebases the allocator on the
// result. When the profiler measures live usage, memory held by active
// models is counted back into the budget; reserved models that were never
// built are not in the measurement and stay charged against it.
func (m *Manager) RefreshBaseline(ctx context.Context) types.HardwareProfile {
	ctx, span := m.tracer.Start(ctx, "manager.RefreshBaseline")
	defer span.End()
	m.invalidate()
	prof := m.profiler.Snapshot(ctx)

	resident := make(map[string]int64)
	if hardware.IsLive(m.profiler) {
		m.mu.RLock()
		for _, inst := range m.instances {
			if inst.State == StateActive {
				resident[inst.Device()] += inst.Plan.Allocation.ReservedBytes
			}
		}
		m.mu.RUnlock()
	}
	m.alloc.Rebase(prof, resident)

	m.log.Info().Int("devices", len(prof.Devices())).Bool("live", hardware.IsLive(m.profiler)).Msg("baseline refreshed")
	m.publish(Event{Name: "rebase", Fields: map[string]any{"devices": prof.Devices()}})
	return prof
}

// headroomProfile is the snapshot with each device's free memory capped at
// what the allocator can still hand out. Devices the allocator does not know
// report no free memory. Usage is read before the snapshot so a decision
// never sees headroom newer than the measurement it is combined with.
func (m *Manager) headroomProfile(ctx context.Context) types.HardwareProfile {
	usage := make(map[string]allocator.DeviceUsage)
	for _, u := range m.alloc.UsageAll() {
		usage[u.Device] = u
	}
	prof := m.profiler.Snapshot(ctx)
	for _, d := range prof.Devices() {
		u, ok := usage[d]
		if !ok {
			prof = prof.WithAvailable(d, 0)
			continue
		}
		prof = prof.WithAvailable(d, min(prof.Available(d), u.Headroom()))
	}
	return prof
}

// capacityProfile is the snapshot as it would look with every reservation
// released: each device offers its full allocator budget.
func (m *Manager) capacityProfile(ctx context.Context) types.HardwareProfile {
	prof := m.profiler.Snapshot(ctx)
	for _, d := range prof.Devices() {
		u, _ := m.alloc.Usage(d)
		prof = prof.WithAvailable(d, u.Budget)
	}
	return prof
}

// SelectBestModel returns the largest registered model of the given
// provider and type that fits the current headroom.
func (m *Manager) SelectBestModel(ctx context.Context, provider string, t types.ModelType) (types.ModelMetadata, error) {
	_, span := m.tracer.Start(ctx, "manager.SelectBestModel", trace.WithAttributes(
		attribute.String("model.provider", provider),
		attribute.String("model.type", string(t)),
	))
	defer span.End()
	meta, err := m.reg.FindBest(provider, t, m.headroomProfile(ctx))
	if err != nil {
		span.RecordError(err)
		return types.ModelMetadata{}, err
	}
	span.SetAttributes(attribute.String("model.id", meta.ID))
	return meta, nil
}

// State returns the lifecycle state of id.
func (m *Manager) State(id string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[id]; ok {
		return inst.State
	}
	return StateUnloaded
}

// Instance returns a copy of the record for id.
func (m *Manager) Instance(id string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Instances returns copies of every tracked instance ordered by id.
func (m *Manager) Instances() []Instance {
	m.mu.RLock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// LoadedModels lists the ids of reserved and active instances, sorted.
func (m *Manager) LoadedModels() []string {
	insts := m.Instances()
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ModelID
	}
	return out
}

func (m *Manager) invalidate() {
	if inv, ok := m.profiler.(hardware.Invalidator); ok {
		inv.Invalidate()
	}
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

func (m *Manager) refreshInstanceGauge() {
	if m.metrics == nil {
		return
	}
	counts := map[State]int{StateReserved: 0, StateActive: 0}
	m.mu.RLock()
	for _, inst := range m.instances {
		counts[inst.State]++
	}
	m.mu.RUnlock()
	for s, n := range counts {
		m.metrics.Instances.WithLabelValues(string(s)).Set(float64(n))
	}
}
