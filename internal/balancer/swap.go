package balancer

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"modelrm/internal/manager"
	"modelrm/pkg/types"
)

// restoreMode names the SwitchError returned when WithModels cannot put the
// previous set back.
const restoreMode = "restore"

// WithModels frees everything that is not in ids, loads ids, runs fn and then
// always puts the previous set back, whether fn succeeded or not. The returned
// error joins fn's error, any load failure for ids and any restore failure.
// If ids cannot all be loaded fn is not called.
func (b *Balancer) WithModels(ctx context.Context, ids []string, fn func(context.Context) error) (err error) {
	b.switchMu.Lock()
	defer b.switchMu.Unlock()

	ctx, span := b.tracer.Start(ctx, "balancer.WithModels", trace.WithAttributes(
		attribute.StringSlice("model.ids", ids),
	))
	defer span.End()

	saved := map[string]types.QuantizationLevel{}
	present := map[string]bool{}
	for _, inst := range b.mgr.Instances() {
		present[inst.ModelID] = true
		if !slices.Contains(ids, inst.ModelID) {
			saved[inst.ModelID] = inst.Plan.Quantization
		}
	}
	for _, id := range sortedKeys(saved) {
		if uerr := b.mgr.Unload(ctx, id); uerr != nil {
			b.log.Warn().Str("model", id).Err(uerr).Msg("unload before scoped swap reported an error")
		}
	}

	var loadedHere []string
	defer func() {
		rerr := b.restore(ctx, loadedHere, saved)
		err = errors.Join(err, rerr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	var loadErrs []error
	for _, id := range ids {
		if present[id] {
			continue
		}
		if _, lerr := b.mgr.Load(ctx, id, types.QuantUnspecified); lerr != nil {
			if manager.IsAlreadyLoaded(lerr) {
				continue
			}
			loadErrs = append(loadErrs, lerr)
			continue
		}
		loadedHere = append(loadedHere, id)
	}
	if len(loadErrs) > 0 {
		return errors.Join(loadErrs...)
	}
	return fn(ctx)
}

func (b *Balancer) restore(ctx context.Context, loadedHere []string, saved map[string]types.QuantizationLevel) error {
	for _, id := range loadedHere {
		if err := b.mgr.Unload(ctx, id); err != nil {
			b.log.Warn().Str("model", id).Err(err).Msg("unload after scoped swap reported an error")
		}
	}
	serr := &SwitchError{Mode: restoreMode, Causes: map[string]error{}}
	for _, id := range sortedKeys(saved) {
		if _, err := b.mgr.Load(ctx, id, saved[id]); err != nil && !manager.IsAlreadyLoaded(err) {
			serr.Unrestored = append(serr.Unrestored, id)
			serr.Causes[id] = err
		}
	}
	if len(serr.Unrestored) > 0 {
		b.log.Error().Strs("unrestored", serr.Unrestored).Msg("scoped swap could not restore models")
		return serr
	}
	return nil
}
