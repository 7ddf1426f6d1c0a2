// Package hardware produces HardwareProfile snapshots of host RAM and
// accelerator memory. Profilers never fail: when a device query is
// unavailable they fall back to a conservative cpu-only view.
package hardware

import (
	"context"

	"modelrm/pkg/types"
)

// Profiler produces a fresh, immutable hardware snapshot on every call.
type Profiler interface {
	Snapshot(ctx context.Context) types.HardwareProfile
}

// Invalidator is implemented by profilers that memoize snapshots. Callers
// that change memory usage call Invalidate so the next decision sees fresh
// headroom.
type Invalidator interface {
	Invalidate()
}

// Liveness is implemented by profilers that know whether their snapshots
// count memory taken by models this process loaded. Static profiles describe
// the hardware as configured, with nothing loaded.
type Liveness interface {
	Live() bool
}

// IsLive reports whether p measures memory in use. Profilers that do not
// say are assumed to.
func IsLive(p Profiler) bool {
	if l, ok := p.(Liveness); ok {
		return l.Live()
	}
	return true
}

// ProfilerFunc adapts a plain function to Profiler.
type ProfilerFunc func(ctx context.Context) types.HardwareProfile

func (f ProfilerFunc) Snapshot(ctx context.Context) types.HardwareProfile { return f(ctx) }
