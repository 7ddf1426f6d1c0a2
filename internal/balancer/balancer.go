// Package balancer implements an exclusive two-mode switch on top of the
// manager: entering one mode unloads the other mode's models (remembering
// them for later) before any of the new mode's models are reserved.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"modelrm/internal/manager"
	"modelrm/pkg/types"
)

// Manager is the part of *manager.Manager the balancer drives.
type Manager interface {
	Load(ctx context.Context, id string, preferred types.QuantizationLevel) (types.LoadPlan, error)
	Unload(ctx context.Context, id string) error
	SelectBestModel(ctx context.Context, provider string, t types.ModelType) (types.ModelMetadata, error)
	Instances() []manager.Instance
	CheckMemoryPressure(threshold float64) bool
}

// Requirement asks for the best model of a type, optionally from one provider.
type Requirement struct {
	Provider string
	Type     types.ModelType
}

// ModeSpec describes one mode: the model types it owns and the models it
// loads when there is nothing remembered to restore.
type ModeSpec struct {
	Name  string
	Types []types.ModelType
	// Models are loaded by id.
	Models []string
	// Requirements are resolved through SelectBestModel at switch time.
	Requirements []Requirement
}

// Config configures a Balancer. Exactly two modes are required.
type Config struct {
	Modes     [2]ModeSpec
	Logger    zerolog.Logger
	Publisher manager.EventPublisher
	Metrics   *Metrics
	Tracer    trace.Tracer
}

// Balancer switches between two mutually exclusive modes. Switches are
// serialized; reads are safe at any time.
type Balancer struct {
	mgr   Manager
	modes [2]ModeSpec

	switchMu sync.Mutex // held for a whole switch or scoped swap

	mu         sync.RWMutex
	active     int // index into modes, -1 before the first switch
	owned      [2]map[string]bool
	remembered [2]map[string]types.QuantizationLevel

	log       zerolog.Logger
	publisher manager.EventPublisher
	metrics   *Metrics
	tracer    trace.Tracer
}

// New validates cfg and returns a balancer with no active mode.
func New(mgr Manager, cfg Config) (*Balancer, error) {
	if mgr == nil {
		return nil, errors.New("balancer: manager is required")
	}
	for i, m := range cfg.Modes {
		if m.Name == "" {
			return nil, fmt.Errorf("balancer: mode %d has no name", i)
		}
		for _, t := range m.Types {
			if !t.Valid() {
				return nil, fmt.Errorf("balancer: mode %s: invalid model type %q", m.Name, t)
			}
		}
	}
	if cfg.Modes[0].Name == cfg.Modes[1].Name {
		return nil, fmt.Errorf("balancer: duplicate mode name %q", cfg.Modes[0].Name)
	}
	b := &Balancer{
		mgr:       mgr,
		modes:     cfg.Modes,
		active:    -1,
		log:       cfg.Logger,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
	}
	for i := range b.owned {
		b.owned[i] = map[string]bool{}
		b.remembered[i] = map[string]types.QuantizationLevel{}
	}
	if b.publisher == nil {
		b.publisher = manager.LogPublisher{Logger: b.log}
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer("modelrm/internal/balancer")
	}
	return b, nil
}

// SwitchToModeA activates the first configured mode.
func (b *Balancer) SwitchToModeA(ctx context.Context) error {
	_, err := b.switchTo(ctx, 0)
	return err
}

// SwitchToModeB activates the second configured mode.
func (b *Balancer) SwitchToModeB(ctx context.Context) error {
	_, err := b.switchTo(ctx, 1)
	return err
}

// SwitchTo activates the mode called name.
func (b *Balancer) SwitchTo(ctx context.Context, name string) error {
	_, err := b.Switch(ctx, name)
	return err
}

// Switch is SwitchTo that also returns the operation id carried by the
// switch's events and span.
func (b *Balancer) Switch(ctx context.Context, name string) (string, error) {
	idx := b.index(name)
	if idx < 0 {
		return "", &UnknownModeError{Mode: name}
	}
	return b.switchTo(ctx, idx)
}

func (b *Balancer) index(name string) int {
	for i, m := range b.modes {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// belongs reports whether inst is part of mode idx: by type, by configured
// id, or because the balancer loaded it for that mode.
func (b *Balancer) belongs(idx int, inst manager.Instance) bool {
	m := b.modes[idx]
	if slices.Contains(m.Types, inst.Plan.Metadata.Type) || slices.Contains(m.Models, inst.ModelID) {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owned[idx][inst.ModelID]
}

type want struct {
	id    string
	quant types.QuantizationLevel
}

func (b *Balancer) switchTo(ctx context.Context, target int) (string, error) {
	b.switchMu.Lock()
	defer b.switchMu.Unlock()

	mode := b.modes[target].Name
	other := 1 - target
	opID := uuid.NewString()
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "balancer.SwitchTo", trace.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("operation.id", opID),
	))
	defer span.End()
	b.publisher.Publish(manager.Event{Name: "switch_start", Fields: map[string]any{"mode": mode, "op": opID}})

	// 1. release everything the other mode holds
	outgoing := map[string]types.QuantizationLevel{}
	for _, inst := range b.mgr.Instances() {
		if b.belongs(other, inst) && !b.belongs(target, inst) {
			outgoing[inst.ModelID] = inst.Plan.Quantization
		}
	}
	b.mu.Lock()
	if len(outgoing) > 0 {
		b.remembered[other] = outgoing
	}
	b.owned[other] = map[string]bool{}
	b.mu.Unlock()
	for _, id := range sortedKeys(outgoing) {
		if err := b.mgr.Unload(ctx, id); err != nil {
			b.log.Warn().Str("model", id).Err(err).Msg("unload during switch reported an error")
		}
	}
	if b.mgr.CheckMemoryPressure(0) {
		b.log.Warn().Str("mode", mode).Msg("memory pressure high after releasing outgoing mode")
	}

	// 2. bring up the target set
	wants, fromMemory, resolveErrs := b.incoming(ctx, target)
	loaded := map[string]bool{}
	for _, inst := range b.mgr.Instances() {
		loaded[inst.ModelID] = true
	}
	serr := &SwitchError{Mode: mode, Causes: map[string]error{}}
	for id, err := range resolveErrs {
		serr.Unrestored = append(serr.Unrestored, id)
		serr.Causes[id] = err
	}
	for _, w := range wants {
		if !loaded[w.id] {
			if _, err := b.mgr.Load(ctx, w.id, w.quant); err != nil && !manager.IsAlreadyLoaded(err) {
				serr.Unrestored = append(serr.Unrestored, w.id)
				serr.Causes[w.id] = err
				continue
			}
		}
		b.mu.Lock()
		b.owned[target][w.id] = true
		if fromMemory {
			delete(b.remembered[target], w.id)
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.active = target
	b.mu.Unlock()

	elapsed := time.Since(start).Seconds()
	if len(serr.Unrestored) > 0 {
		sort.Strings(serr.Unrestored)
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		b.metrics.switched(mode, "failed", elapsed)
		b.log.Error().Str("mode", mode).Strs("unrestored", serr.Unrestored).Msg("switch incomplete")
		b.publisher.Publish(manager.Event{Name: "switch_failed", Fields: map[string]any{
			"mode": mode, "op": opID, "unrestored": serr.Unrestored,
		}})
		return opID, serr
	}
	b.metrics.switched(mode, "ok", elapsed)
	b.log.Info().Str("mode", mode).Int("unloaded", len(outgoing)).Int("loaded", len(wants)).Msg("switch done")
	b.publisher.Publish(manager.Event{Name: "switch_done", Fields: map[string]any{"mode": mode, "op": opID}})
	return opID, nil
}

// incoming returns the models to load for target: the remembered set when
// there is one, otherwise the mode's configured defaults. Requirements that
// resolve to nothing come back in errs keyed by a descriptive name.
func (b *Balancer) incoming(ctx context.Context, target int) ([]want, bool, map[string]error) {
	b.mu.RLock()
	mem := b.remembered[target]
	if len(mem) > 0 {
		out := make([]want, 0, len(mem))
		for _, id := range sortedKeys(mem) {
			out = append(out, want{id: id, quant: mem[id]})
		}
		b.mu.RUnlock()
		return out, true, nil
	}
	b.mu.RUnlock()

	spec := b.modes[target]
	seen := map[string]bool{}
	var out []want
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, want{id: id})
		}
	}
	for _, id := range spec.Models {
		add(id)
	}
	errs := map[string]error{}
	for _, req := range spec.Requirements {
		meta, err := b.mgr.SelectBestModel(ctx, req.Provider, req.Type)
		if err != nil {
			errs[requirementName(req)] = err
			continue
		}
		add(meta.ID)
	}
	return out, false, errs
}

func requirementName(r Requirement) string {
	if r.Provider == "" {
		return "best " + string(r.Type)
	}
	return "best " + r.Provider + " " + string(r.Type)
}

// GetLoadedModels returns the ids of every model the manager holds, sorted.
func (b *Balancer) GetLoadedModels() []string {
	insts := b.mgr.Instances()
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ModelID
	}
	sort.Strings(out)
	return out
}

// Active returns the active mode name, or "" before the first switch.
func (b *Balancer) Active() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.active < 0 {
		return ""
	}
	return b.modes[b.active].Name
}

// Remembered returns the ids saved for mode name, sorted.
func (b *Balancer) Remembered(name string) []string {
	idx := b.index(name)
	if idx < 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedKeys(b.remembered[idx])
}

// Modes describes both modes.
func (b *Balancer) Modes() []types.ModeInfo {
	active := b.Active()
	out := make([]types.ModeInfo, 0, len(b.modes))
	for _, m := range b.modes {
		out = append(out, types.ModeInfo{
			Name:       m.Name,
			Types:      append([]types.ModelType(nil), m.Types...),
			Active:     m.Name == active,
			Remembered: b.Remembered(m.Name),
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
