package httpapi

import (
	"context"
	"sync/atomic"

	"modelrm/internal/balancer"
	"modelrm/internal/manager"
	"modelrm/pkg/types"
)

// Backend adapts a manager and an optional balancer to Service.
type Backend struct {
	mgr   *manager.Manager
	bal   *balancer.Balancer
	ready atomic.Bool
}

// NewBackend returns a Backend that reports not-ready until SetReady(true).
func NewBackend(mgr *manager.Manager, bal *balancer.Balancer) *Backend {
	return &Backend{mgr: mgr, bal: bal}
}

// SetReady flips the /readyz answer.
func (b *Backend) SetReady(v bool) { b.ready.Store(v) }

func (b *Backend) Ready() bool { return b.ready.Load() }

func (b *Backend) ListModels(provider string, t types.ModelType) []types.ModelMetadata {
	reg := b.mgr.Registry()
	var src []types.ModelMetadata
	switch {
	case t != "":
		src = reg.ByType(t)
	case provider != "":
		return reg.ByProvider(provider)
	default:
		return reg.List()
	}
	if provider == "" {
		return src
	}
	out := src[:0]
	for _, m := range src {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

func (b *Backend) GetModel(id string) (types.ModelMetadata, error) {
	return b.mgr.Registry().Get(id)
}

func (b *Backend) BestModel(ctx context.Context, provider string, t types.ModelType) (types.ModelMetadata, error) {
	return b.mgr.SelectBestModel(ctx, provider, t)
}

func (b *Backend) Profile(ctx context.Context) types.ProfileResponse {
	return types.ProfileResponse{Profile: b.mgr.Snapshot(ctx), Devices: b.mgr.Pressure(0).Devices}
}

func (b *Backend) Allocations() []types.Allocation {
	return b.mgr.Allocator().ListAllocations()
}

func (b *Backend) Status() types.StatusResponse {
	st := b.mgr.Status()
	st.LoadedModels = b.mgr.LoadedModels()
	if b.bal != nil {
		st.ActiveMode = b.bal.Active()
	}
	return st
}

func (b *Backend) Pressure(threshold float64) types.PressureResponse {
	return b.mgr.Pressure(threshold)
}

func (b *Backend) Load(ctx context.Context, id string, preferred types.QuantizationLevel, evict bool) (types.LoadResponse, error) {
	if evict {
		plan, evicted, err := b.mgr.LoadWithEviction(ctx, id, preferred)
		return types.LoadResponse{Plan: plan, Evicted: evicted}, err
	}
	plan, err := b.mgr.Load(ctx, id, preferred)
	return types.LoadResponse{Plan: plan}, err
}

// Touch records use of a loaded model so eviction passes over it.
func (b *Backend) Touch(id string) error {
	if !b.mgr.Touch(id) {
		return &manager.NotLoadedError{ModelID: id}
	}
	return nil
}

// RefreshProfile re-measures the hardware and rebases the allocator budgets.
func (b *Backend) RefreshProfile(ctx context.Context) types.ProfileResponse {
	prof := b.mgr.RefreshBaseline(ctx)
	return types.ProfileResponse{Profile: prof, Devices: b.mgr.Pressure(0).Devices}
}

// Activate marks a reserved model active, for callers that construct
// models themselves after a load with no handler.
func (b *Backend) Activate(id string) error { return b.mgr.MarkActive(id) }

func (b *Backend) Unload(ctx context.Context, id string) error { return b.mgr.Unload(ctx, id) }

func (b *Backend) Modes() types.ModesResponse {
	if b.bal == nil {
		return types.ModesResponse{Modes: []types.ModeInfo{}}
	}
	return types.ModesResponse{Active: b.bal.Active(), Modes: b.bal.Modes()}
}

func (b *Backend) SwitchMode(ctx context.Context, mode string) (types.ModeResponse, error) {
	if b.bal == nil {
		return types.ModeResponse{}, &balancer.UnknownModeError{Mode: mode}
	}
	op, err := b.bal.Switch(ctx, mode)
	if err != nil {
		return types.ModeResponse{}, err
	}
	return types.ModeResponse{Mode: mode, Loaded: b.bal.GetLoadedModels(), OperationID: op}, nil
}
