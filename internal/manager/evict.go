package manager

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EvictUntilFits unloads least-recently-used active instances on device
// until bytes fit in its headroom. Reserved instances are still being
// constructed and are never evicted, nor are the ids in keep. It returns the
// evicted ids and, if room could not be made, the allocator's OutOfMemory error.
func (m *Manager) EvictUntilFits(ctx context.Context, device string, bytes int64, keep ...string) ([]string, error) {
	ctx, span := m.tracer.Start(ctx, "manager.EvictUntilFits", trace.WithAttributes(
		attribute.String("device", device),
		attribute.Int64("bytes", bytes),
	))
	defer span.End()

	var evicted []string
	for {
		err := m.alloc.CheckFits("", device, bytes)
		if err == nil {
			return evicted, nil
		}
		victim := m.lruVictim(device, keep)
		if victim == "" {
			// nothing left to evict
			span.RecordError(err)
			return evicted, err
		}
		if uerr := m.Unload(ctx, victim); uerr != nil {
			m.log.Warn().Str("model", victim).Err(uerr).Msg("evict: unload reported an error")
		}
		evicted = append(evicted, victim)
		m.evictions.Add(1)
		m.metrics.evicted()
		m.log.Info().Str("model", victim).Str("device", device).Msg("evicted")
		m.publish(Event{Name: "evict", ModelID: victim, Fields: map[string]any{"device": device}})
	}
}

// lruVictim picks the active instance on device with the oldest LastUsed.
func (m *Manager) lruVictim(device string, keep []string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lru *Instance
	for _, inst := range m.instances {
		if inst.State != StateActive || inst.Device() != device || slices.Contains(keep, inst.ModelID) {
			continue
		}
		if lru == nil || inst.LastUsed.Before(lru.LastUsed) ||
			(inst.LastUsed.Equal(lru.LastUsed) && inst.ModelID < lru.ModelID) {
			lru = inst
		}
	}
	if lru == nil {
		return ""
	}
	return lru.ModelID
}
