package manager

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"modelrm/internal/allocator"
	"modelrm/pkg/types"
)

// Handler constructs and tears down models of one type. Load receives the
// plan whose memory is already reserved; Unload is best-effort.
type Handler interface {
	Load(ctx context.Context, plan types.LoadPlan) error
	Unload(ctx context.Context, modelID string) error
}

// Handlers maps each model type to its handler. Types without a handler are
// bookkeeping-only: Load reserves and marks active without constructing.
type Handlers map[types.ModelType]Handler

// HandlerFuncs adapts plain functions to Handler; nil funcs succeed.
type HandlerFuncs struct {
	LoadFunc   func(ctx context.Context, plan types.LoadPlan) error
	UnloadFunc func(ctx context.Context, modelID string) error
}

func (h HandlerFuncs) Load(ctx context.Context, plan types.LoadPlan) error {
	if h.LoadFunc == nil {
		return nil
	}
	return h.LoadFunc(ctx, plan)
}

func (h HandlerFuncs) Unload(ctx context.Context, modelID string) error {
	if h.UnloadFunc == nil {
		return nil
	}
	return h.UnloadFunc(ctx, modelID)
}

func (m *Manager) handlerFor(t types.ModelType) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[t]
}

// SetHandler installs h for t; nil removes it.
func (m *Manager) SetHandler(t types.ModelType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.handlers, t)
		return
	}
	m.handlers[t] = h
}

// Load prepares id, runs its type's handler and marks it active. A failing
// handler releases the reservation before the error is returned.
func (m *Manager) Load(ctx context.Context, id string, preferred types.QuantizationLevel) (types.LoadPlan, error) {
	ctx, span := m.tracer.Start(ctx, "manager.Load", trace.WithAttributes(attribute.String("model.id", id)))
	defer span.End()

	plan, err := m.PrepareModelLoading(ctx, id, preferred)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return types.LoadPlan{}, err
	}
	if h := m.handlerFor(plan.Metadata.Type); h != nil {
		if err := h.Load(ctx, plan); err != nil {
			m.CleanupModel(id)
			err = fmt.Errorf("load %s: %w", id, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.recordError(err)
			return types.LoadPlan{}, err
		}
	}
	if err := m.MarkActive(id); err != nil {
		// cleaned up concurrently while constructing
		return types.LoadPlan{}, err
	}
	m.loads.Add(1)
	return plan, nil
}

// Unload tears the model down through its handler and releases its memory.
// Memory is released even when the handler fails; the handler error is
// still returned. Unloading an untracked model is a no-op.
func (m *Manager) Unload(ctx context.Context, id string) error {
	inst, ok := m.Instance(id)
	if !ok {
		m.CleanupModel(id)
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "manager.Unload", trace.WithAttributes(attribute.String("model.id", id)))
	defer span.End()

	var herr error
	if h := m.handlerFor(inst.Plan.Metadata.Type); h != nil {
		if err := h.Unload(ctx, id); err != nil {
			herr = fmt.Errorf("unload %s: %w", id, err)
			span.RecordError(herr)
			m.log.Warn().Str("model", id).Err(err).Msg("handler unload failed; releasing memory anyway")
		}
	}
	m.CleanupModel(id)
	return herr
}

// LoadWithEviction loads id and, when it does not fit, evicts idle models
// from the device it would use with everything released, then retries once.
func (m *Manager) LoadWithEviction(ctx context.Context, id string, preferred types.QuantizationLevel) (types.LoadPlan, []string, error) {
	plan, err := m.Load(ctx, id, preferred)
	if err == nil || !(IsInsufficientResources(err) || allocator.IsOutOfMemory(err)) {
		return plan, nil, err
	}
	if _, ok := m.tracked(id); ok {
		// a second copy of a loaded model is never worth an eviction
		return types.LoadPlan{}, nil, err
	}
	meta, gerr := m.reg.Get(id)
	if gerr != nil {
		return types.LoadPlan{}, nil, err
	}
	d, derr := m.decide(meta, m.capacityProfile(ctx), preferred)
	if derr != nil {
		// would not fit even with every reservation released
		return types.LoadPlan{}, nil, err
	}
	evicted, eerr := m.EvictUntilFits(ctx, d.Device, d.Bytes, id)
	if eerr != nil {
		return types.LoadPlan{}, evicted, errors.Join(err, eerr)
	}
	plan, err = m.Load(ctx, id, preferred)
	return plan, evicted, err
}
