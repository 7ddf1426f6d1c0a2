// Package allocator books device memory for models. It owns the only
// mutable accounting in the system: every reservation is checked against the
// device budget and recorded under a single lock, so concurrent callers can
// never jointly exceed a device's budget.
package allocator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modelrm/pkg/types"
)

// Options configures an Allocator. Zero values select defaults.
type Options struct {
	Logger  zerolog.Logger
	Metrics *Metrics
	Now     func() time.Time
	NewID   func() string
}

// DeviceUsage is a point-in-time view of one device's accounting.
type DeviceUsage struct {
	Device   string
	Total    int64
	Budget   int64
	Reserved int64
}

// Headroom is the budget not yet reserved (never negative).
func (u DeviceUsage) Headroom() int64 {
	if u.Reserved >= u.Budget {
		return 0
	}
	return u.Budget - u.Reserved
}

// Pressure is reserved over total capacity.
func (u DeviceUsage) Pressure() float64 {
	if u.Total <= 0 {
		return 0
	}
	return float64(u.Reserved) / float64(u.Total)
}

type book struct {
	total    int64
	budget   int64
	reserved int64
}

type key struct{ model, device string }

// Allocator tracks reservations per (model, device).
type Allocator struct {
	mu      sync.Mutex
	devices map[string]*book
	allocs  map[key]types.Allocation

	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string
}

// New builds an allocator whose per-device budget is the available memory in
// baseline. Totals are kept for pressure reporting.
func New(baseline types.HardwareProfile, opts Options) *Allocator {
	a := &Allocator{
		devices: make(map[string]*book),
		allocs:  make(map[key]types.Allocation),
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	for _, d := range baseline.Devices() {
		b := &book{total: baseline.Total(d), budget: baseline.Available(d)}
		a.devices[d] = b
		a.metrics.gauges(d, b.budget, 0)
	}
	return a
}

// Reserve books bytes for modelID on device. The whole amount is booked or
// nothing is. Errors: *UnknownDeviceError, *AlreadyReservedError (checked
// before the budget), *OutOfMemoryError (with the shortfall).
func (a *Allocator) Reserve(modelID, device string, bytes int64, q types.QuantizationLevel) (types.Allocation, error) {
	if bytes < 0 {
		return types.Allocation{}, fmt.Errorf("reserve %s on %s: negative size %d", modelID, device, bytes)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.devices[device]
	if !ok {
		a.metrics.reserve(device, "unknown_device")
		return types.Allocation{}, &UnknownDeviceError{Device: device}
	}
	k := key{modelID, device}
	if _, dup := a.allocs[k]; dup {
		a.metrics.reserve(device, "duplicate")
		err := &AlreadyReservedError{ModelID: modelID, Device: device}
		if checkInvariants {
			panic(err.Error())
		}
		a.log.Error().Str("model", modelID).Str("device", device).Msg("double reserve")
		return types.Allocation{}, err
	}
	if headroom := b.budget - b.reserved; bytes > headroom {
		a.metrics.reserve(device, "oom")
		err := &OutOfMemoryError{
			ModelID:   modelID,
			Device:    device,
			Requested: bytes,
			Available: max(headroom, 0),
			Shortfall: bytes - max(headroom, 0),
		}
		a.log.Info().Str("model", modelID).Str("device", device).
			Str("requested", units.BytesSize(float64(bytes))).
			Str("shortfall", units.BytesSize(float64(err.Shortfall))).
			Msg("reserve rejected")
		return types.Allocation{}, err
	}

	alloc := types.Allocation{
		ID:            a.newID(),
		ModelID:       modelID,
		Device:        device,
		ReservedBytes: bytes,
		Quantization:  q,
		Timestamp:     a.now(),
	}
	a.allocs[k] = alloc
	b.reserved += bytes
	a.metrics.reserve(device, "ok")
	a.metrics.gauges(device, b.budget, b.reserved)
	a.log.Debug().Str("model", modelID).Str("device", device).
		Str("bytes", units.BytesSize(float64(bytes))).Str("quant", q.String()).
		Msg("reserved")
	return alloc, nil
}

// Release drops the reservation for modelID on device. Releasing something
// that was never reserved is a no-op and only logs a warning.
func (a *Allocator) Release(modelID, device string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.releaseLocked(modelID, device); !ok {
		a.metrics.release(device, "missing")
		a.log.Warn().Str("model", modelID).Str("device", device).Msg("release missing allocation")
	}
}

// ReleaseModel drops every reservation modelID holds and returns them.
func (a *Allocator) ReleaseModel(modelID string) []types.Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []types.Allocation
	for k := range a.allocs {
		if k.model != modelID {
			continue
		}
		if alloc, ok := a.releaseLocked(k.model, k.device); ok {
			out = append(out, alloc)
		}
	}
	sortAllocations(out)
	return out
}

func (a *Allocator) releaseLocked(modelID, device string) (types.Allocation, bool) {
	k := key{modelID, device}
	alloc, ok := a.allocs[k]
	if !ok {
		return types.Allocation{}, false
	}
	delete(a.allocs, k)
	if b, ok := a.devices[device]; ok {
		b.reserved -= alloc.ReservedBytes
		a.metrics.gauges(device, b.budget, b.reserved)
	}
	a.metrics.release(device, "ok")
	a.log.Debug().Str("model", modelID).Str("device", device).
		Str("bytes", units.BytesSize(float64(alloc.ReservedBytes))).Msg("released")
	return alloc, true
}

// CheckFits reports whether bytes would currently fit on device without
// booking anything.
func (a *Allocator) CheckFits(modelID, device string, bytes int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.devices[device]
	if !ok {
		return &UnknownDeviceError{Device: device}
	}
	if headroom := max(b.budget-b.reserved, 0); bytes > headroom {
		return &OutOfMemoryError{ModelID: modelID, Device: device, Requested: bytes, Available: headroom, Shortfall: bytes - headroom}
	}
	return nil
}

// TotalReserved returns the bytes booked on device.
func (a *Allocator) TotalReserved(device string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.devices[device]; ok {
		return b.reserved
	}
	return 0
}

// Pressure returns reserved/total for device (0 for unknown devices).
func (a *Allocator) Pressure(device string) float64 {
	u, _ := a.Usage(device)
	return u.Pressure()
}

// Headroom returns the unreserved budget on device.
func (a *Allocator) Headroom(device string) int64 {
	u, _ := a.Usage(device)
	return u.Headroom()
}

// Usage returns the accounting for one device.
func (a *Allocator) Usage(device string) (DeviceUsage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.devices[device]
	if !ok {
		return DeviceUsage{Device: device}, false
	}
	return DeviceUsage{Device: device, Total: b.total, Budget: b.budget, Reserved: b.reserved}, true
}

// UsageAll returns accounting for every device, ordered by name with the
// host last.
func (a *Allocator) UsageAll() []DeviceUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]DeviceUsage, 0, len(a.devices))
	for d, b := range a.devices {
		out = append(out, DeviceUsage{Device: d, Total: b.total, Budget: b.budget, Reserved: b.reserved})
	}
	sort.Slice(out, func(i, j int) bool { return deviceLess(out[i].Device, out[j].Device) })
	return out
}

// Devices lists the known devices in UsageAll order.
func (a *Allocator) Devices() []string {
	usage := a.UsageAll()
	out := make([]string, len(usage))
	for i, u := range usage {
		out[i] = u.Device
	}
	return out
}

// ListAllocations returns a copy of every live allocation, oldest first.
func (a *Allocator) ListAllocations() []types.Allocation {
	a.mu.Lock()
	out := make([]types.Allocation, 0, len(a.allocs))
	for _, alloc := range a.allocs {
		out = append(out, alloc)
	}
	a.mu.Unlock()
	sortAllocations(out)
	return out
}

// Allocations returns the live allocations held by modelID.
func (a *Allocator) Allocations(modelID string) []types.Allocation {
	a.mu.Lock()
	var out []types.Allocation
	for k, alloc := range a.allocs {
		if k.model == modelID {
			out = append(out, alloc)
		}
	}
	a.mu.Unlock()
	sortAllocations(out)
	return out
}

// Rebase adopts a fresh hardware measurement. resident holds, per device,
// the reserved bytes the measurement already counts as used (models that
// were actually built); a device's new budget is its measured free memory
// plus its resident bytes, capped at its total. Devices that disappeared
// keep their entry while they still hold reservations.
func (a *Allocator) Rebase(profile types.HardwareProfile, resident map[string]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool)
	for _, d := range profile.Devices() {
		seen[d] = true
		b, ok := a.devices[d]
		if !ok {
			b = &book{}
			a.devices[d] = b
		}
		b.total = profile.Total(d)
		b.budget = min(profile.Available(d)+min(resident[d], b.reserved), b.total)
		a.metrics.gauges(d, b.budget, b.reserved)
	}
	for d, b := range a.devices {
		if !seen[d] && b.reserved == 0 {
			delete(a.devices, d)
		}
	}
	a.log.Debug().Int("devices", len(a.devices)).Msg("allocator rebased")
}

func sortAllocations(s []types.Allocation) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].Timestamp.Equal(s[j].Timestamp) {
			return s[i].Timestamp.Before(s[j].Timestamp)
		}
		if s[i].ModelID != s[j].ModelID {
			return s[i].ModelID < s[j].ModelID
		}
		return deviceLess(s[i].Device, s[j].Device)
	})
}

func deviceLess(a, b string) bool {
	if (a == types.HostDevice) != (b == types.HostDevice) {
		return b == types.HostDevice
	}
	return a < b
}
