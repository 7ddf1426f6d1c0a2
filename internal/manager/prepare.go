package manager

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"modelrm/internal/allocator"
	"modelrm/internal/quant"
	"modelrm/internal/registry"
	"modelrm/pkg/types"
)

// PrepareModelLoading looks up id, picks a quantization level that fits the
// current headroom and reserves its footprint. preferred is honored when it
// fits; types.QuantUnspecified lets the strategy choose.
//
// Errors: *registry.NotFoundError, *InsufficientResourcesError (no level
// fits even with every reservation released), *allocator.OutOfMemoryError
// (fits once something is released, including a concurrent caller that won
// the same model), *AlreadyLoadedError. On success the model is StateReserved; the caller
// must MarkActive after construction or CleanupModel if it fails.
func (m *Manager) PrepareModelLoading(ctx context.Context, id string, preferred types.QuantizationLevel) (types.LoadPlan, error) {
	start := m.now()
	ctx, span := m.tracer.Start(ctx, "manager.PrepareModelLoading", trace.WithAttributes(
		attribute.String("model.id", id),
		attribute.String("quant.preferred", preferred.String()),
	))
	defer span.End()

	plan, err := m.prepare(ctx, id, preferred)
	m.metrics.prepared(resultLabel(err), m.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.recordError(err)
		return types.LoadPlan{}, err
	}
	span.SetAttributes(
		attribute.String("quant.chosen", plan.Quantization.String()),
		attribute.String("device", plan.Allocation.Device),
		attribute.Int64("bytes", plan.Allocation.ReservedBytes),
	)
	return plan, nil
}

func (m *Manager) prepare(ctx context.Context, id string, preferred types.QuantizationLevel) (types.LoadPlan, error) {
	if preferred != types.QuantUnspecified && !preferred.Valid() {
		return types.LoadPlan{}, fmt.Errorf("prepare %s: %w %d", id, errInvalidQuantization, int(preferred))
	}
	meta, err := m.reg.Get(id)
	if err != nil {
		return types.LoadPlan{}, err
	}

	if a, ok := m.tracked(id); ok {
		err := m.duplicate(id, a)
		m.reject(id, err)
		return types.LoadPlan{}, err
	}
	d, err := m.decide(meta, m.headroomProfile(ctx), preferred)
	if err != nil {
		err = m.classify(ctx, meta, preferred, err)
		m.reject(id, err)
		return types.LoadPlan{}, err
	}

	m.mu.Lock()
	if inst, exists := m.instances[id]; exists {
		a := inst.Plan.Allocation
		m.mu.Unlock()
		err := m.duplicate(id, a)
		m.reject(id, err)
		return types.LoadPlan{}, err
	}
	alloc, err := m.alloc.Reserve(id, d.Device, d.Bytes, d.Level)
	if err != nil {
		m.mu.Unlock()
		m.reject(id, err)
		return types.LoadPlan{}, err
	}
	plan := types.LoadPlan{Metadata: meta, Quantization: d.Level, Allocation: alloc}
	m.instances[id] = &Instance{ModelID: id, State: StateReserved, Plan: plan, LastUsed: m.now()}
	m.mu.Unlock()

	m.invalidate()
	m.refreshInstanceGauge()
	m.log.Info().Str("model", id).Str("device", d.Device).Str("quant", d.Level.String()).
		Str("bytes", units.BytesSize(float64(d.Bytes))).Msg("reserved")
	m.publish(Event{Name: "reserve", ModelID: id, Fields: map[string]any{
		"device": d.Device, "quant": d.Level.String(), "bytes": d.Bytes, "allocation": alloc.ID,
	}})
	return plan, nil
}

// duplicate reports a prepare for a model that is already tracked. A second
// copy that would not fit next to the first is out of memory, the same answer
// a concurrent caller gets when it loses the race; one that would fit is
// already loaded. a is the allocation the tracked instance holds.
func (m *Manager) duplicate(id string, a types.Allocation) error {
	if err := m.alloc.CheckFits(id, a.Device, a.ReservedBytes); err != nil {
		return err
	}
	return &AlreadyLoadedError{ModelID: id}
}

func (m *Manager) tracked(id string) (types.Allocation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[id]; ok {
		return inst.Plan.Allocation, true
	}
	return types.Allocation{}, false
}

// classify turns a failed headroom decision into the caller-facing error.
// A model that would fit with every reservation released is only short for
// now (*allocator.OutOfMemoryError); one that would not is
// *InsufficientResourcesError.
func (m *Manager) classify(ctx context.Context, meta types.ModelMetadata, preferred types.QuantizationLevel, cause error) error {
	d, err := m.decide(meta, m.capacityProfile(ctx), preferred)
	if err != nil {
		return &InsufficientResourcesError{ModelID: meta.ID, Err: cause}
	}
	if oom := m.alloc.CheckFits(meta.ID, d.Device, d.Bytes); oom != nil {
		return oom
	}
	// the allocator has room but the measured free memory does not
	avail := max(m.profiler.Snapshot(ctx).Available(d.Device), 0)
	return &allocator.OutOfMemoryError{
		ModelID:   meta.ID,
		Device:    d.Device,
		Requested: d.Bytes,
		Available: avail,
		Shortfall: max(d.Bytes-avail, 0),
	}
}

// decide honors preferred when it fits and otherwise runs the strategy.
func (m *Manager) decide(meta types.ModelMetadata, prof types.HardwareProfile, preferred types.QuantizationLevel) (quant.Decision, error) {
	if preferred != types.QuantUnspecified {
		if d, err := m.strategy.SelectLevel(meta, prof, preferred); err == nil {
			return d, nil
		}
		m.log.Debug().Str("model", meta.ID).Str("quant", preferred.String()).Msg("preferred level does not fit; falling back")
	}
	return m.strategy.Select(meta, prof)
}

func (m *Manager) reject(id string, err error) {
	m.rejections.Add(1)
	m.log.Info().Str("model", id).Err(err).Msg("reserve rejected")
	m.publish(Event{Name: "reserve_rejected", ModelID: id, Fields: map[string]any{"error": err.Error()}})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case registry.IsNotFound(err):
		return "not_found"
	case IsInsufficientResources(err):
		return "insufficient"
	case allocator.IsOutOfMemory(err):
		return "oom"
	case IsAlreadyLoaded(err):
		return "already_loaded"
	}
	return "error"
}
