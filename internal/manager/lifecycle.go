package manager

import (
	"modelrm/pkg/types"
)

// MarkActive records that construction of a reserved model finished.
func (m *Manager) MarkActive(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return &NotLoadedError{ModelID: id}
	}
	inst.State = StateActive
	inst.LastUsed = m.now()
	device := inst.Device()
	m.mu.Unlock()

	m.refreshInstanceGauge()
	m.publish(Event{Name: "active", ModelID: id, Fields: map[string]any{"device": device}})
	return nil
}

// Touch bumps the LRU timestamp of a tracked model. It reports whether the
// model is tracked.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if ok {
		inst.LastUsed = m.now()
	}
	return ok
}

// CleanupModel releases every reservation id holds and forgets the instance.
// It never fails; cleaning up an unknown model is a no-op.
func (m *Manager) CleanupModel(id string) {
	m.mu.Lock()
	_, tracked := m.instances[id]
	delete(m.instances, id)
	// release under mu so a concurrent prepare cannot re-reserve the same key
	// before the old booking is gone
	released := m.alloc.ReleaseModel(id)
	m.mu.Unlock()

	if !tracked && len(released) == 0 {
		m.log.Debug().Str("model", id).Msg("cleanup: nothing held")
		return
	}
	m.invalidate()
	m.cleanups.Add(1)
	m.metrics.cleanedUp()
	m.refreshInstanceGauge()
	var bytes int64
	for _, a := range released {
		bytes += a.ReservedBytes
	}
	m.log.Info().Str("model", id).Int64("bytes", bytes).Msg("cleaned up")
	m.publish(Event{Name: "cleanup", ModelID: id, Fields: map[string]any{"bytes": bytes}})
}

// CheckMemoryPressure reports whether any device's reserved/total ratio
// exceeds threshold. threshold <= 0 uses the configured default.
func (m *Manager) CheckMemoryPressure(threshold float64) bool {
	if threshold <= 0 {
		threshold = m.threshold
	}
	for _, u := range m.alloc.UsageAll() {
		if u.Pressure() > threshold {
			return true
		}
	}
	return false
}

// PressureThreshold returns the configured default threshold.
func (m *Manager) PressureThreshold() float64 { return m.threshold }

// Pressure reports per-device accounting against threshold (<= 0 uses the default).
func (m *Manager) Pressure(threshold float64) types.PressureResponse {
	if threshold <= 0 {
		threshold = m.threshold
	}
	resp := types.PressureResponse{Threshold: threshold, Devices: m.deviceStatus()}
	for _, d := range resp.Devices {
		if d.Pressure > threshold {
			resp.UnderPressure = true
		}
	}
	return resp
}

func (m *Manager) deviceStatus() []types.DeviceStatus {
	usage := m.alloc.UsageAll()
	out := make([]types.DeviceStatus, 0, len(usage))
	for _, u := range usage {
		out = append(out, types.DeviceStatus{
			Device:        u.Device,
			TotalBytes:    u.Total,
			BudgetBytes:   u.Budget,
			ReservedBytes: u.Reserved,
			HeadroomBytes: u.Headroom(),
			Pressure:      u.Pressure(),
		})
	}
	return out
}
