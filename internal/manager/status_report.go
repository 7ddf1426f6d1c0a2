package manager

import (
	"modelrm/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	now := m.now()
	resp := types.StatusResponse{
		Devices:           m.deviceStatus(),
		PressureThreshold: m.threshold,
		UptimeSeconds:     int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:    now.Unix(),
		LoadsTotal:        m.loads.Load(),
		CleanupsTotal:     m.cleanups.Load(),
		EvictionsTotal:    m.evictions.Load(),
		RejectionsTotal:   m.rejections.Load(),
	}
	for _, d := range resp.Devices {
		if d.Pressure > m.threshold {
			resp.UnderPressure = true
		}
	}
	insts := m.Instances()
	resp.Instances = make([]types.InstanceStatus, 0, len(insts))
	for _, inst := range insts {
		resp.Instances = append(resp.Instances, types.InstanceStatus{
			ModelID:       inst.ModelID,
			State:         string(inst.State),
			Device:        inst.Device(),
			Quantization:  inst.Plan.Quantization,
			ReservedBytes: inst.Plan.Allocation.ReservedBytes,
			LastUsed:      inst.LastUsed.Unix(),
		})
	}
	m.mu.RLock()
	resp.LastError = m.lastErr
	m.mu.RUnlock()
	return resp
}
