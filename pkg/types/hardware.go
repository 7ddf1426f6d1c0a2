package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HostDevice names the host-RAM slot in allocations and profiles.
const HostDevice = "host"

// ComputeCapability is a major.minor accelerator version. The zero value is
// the cpu-only sentinel.
type ComputeCapability struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// CPUOnly is the sentinel used when no accelerator is present.
var CPUOnly = ComputeCapability{}

func (c ComputeCapability) IsCPUOnly() bool { return c.Major == 0 && c.Minor == 0 }

// Less orders capabilities by (major, minor); cpu-only sorts first.
func (c ComputeCapability) Less(o ComputeCapability) bool {
	if c.Major != o.Major {
		return c.Major < o.Major
	}
	return c.Minor < o.Minor
}

func (c ComputeCapability) String() string {
	if c.IsCPUOnly() {
		return "cpu-only"
	}
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// ParseComputeCapability parses "8.6", "9", or "cpu-only".
func ParseComputeCapability(s string) (ComputeCapability, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "cpu-only" || s == "cpu" {
		return CPUOnly, nil
	}
	major, minor, _ := strings.Cut(s, ".")
	ma, err := strconv.Atoi(major)
	if err != nil || ma < 0 {
		return CPUOnly, fmt.Errorf("invalid compute capability %q", s)
	}
	mi := 0
	if minor != "" {
		if mi, err = strconv.Atoi(minor); err != nil || mi < 0 {
			return CPUOnly, fmt.Errorf("invalid compute capability %q", s)
		}
	}
	return ComputeCapability{Major: ma, Minor: mi}, nil
}

func (c ComputeCapability) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ComputeCapability) UnmarshalText(b []byte) error {
	v, err := ParseComputeCapability(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Accelerator is the memory view of one GPU (or other accelerator) device.
type Accelerator struct {
	// example: gpu0
	ID string `json:"id" example:"gpu0"`
	// example: RTX 4090
	Name               string            `json:"name,omitempty" example:"RTX 4090"`
	TotalVRAMBytes     int64             `json:"total_vram_bytes"`
	AvailableVRAMBytes int64             `json:"available_vram_bytes"`
	Compute            ComputeCapability `json:"compute_capability"`
}

// HardwareProfile is an immutable snapshot of device memory. Profilers build
// a fresh value on every call; treat the Accelerators slice as read-only and
// use Clone or the With* helpers to derive a modified copy.
type HardwareProfile struct {
	Accelerators      []Accelerator     `json:"accelerators"`
	TotalRAMBytes     int64             `json:"total_ram_bytes"`
	AvailableRAMBytes int64             `json:"available_ram_bytes"`
	Compute           ComputeCapability `json:"compute_capability"`
	TakenAt           time.Time         `json:"taken_at"`
}

// NewHardwareProfile copies accels, orders them by ID and clamps every
// available figure into [0, total]. The profile's compute capability is the
// highest among the accelerators, or cpu-only without any.
func NewHardwareProfile(accels []Accelerator, totalRAM, availRAM int64, takenAt time.Time) HardwareProfile {
	p := HardwareProfile{
		TotalRAMBytes:     clampNonNeg(totalRAM),
		AvailableRAMBytes: clamp(availRAM, totalRAM),
		TakenAt:           takenAt,
	}
	if len(accels) > 0 {
		p.Accelerators = make([]Accelerator, len(accels))
		for i, a := range accels {
			a.TotalVRAMBytes = clampNonNeg(a.TotalVRAMBytes)
			a.AvailableVRAMBytes = clamp(a.AvailableVRAMBytes, a.TotalVRAMBytes)
			p.Accelerators[i] = a
			if p.Compute.Less(a.Compute) {
				p.Compute = a.Compute
			}
		}
		sort.Slice(p.Accelerators, func(i, j int) bool { return p.Accelerators[i].ID < p.Accelerators[j].ID })
	}
	return p
}

// CPUOnlyProfile is the conservative profile used when accelerators cannot be queried.
func CPUOnlyProfile(totalRAM, availRAM int64, takenAt time.Time) HardwareProfile {
	return NewHardwareProfile(nil, totalRAM, availRAM, takenAt)
}

func clampNonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func clamp(v, total int64) int64 {
	v = clampNonNeg(v)
	if total = clampNonNeg(total); v > total {
		return total
	}
	return v
}

// HasAccelerator reports whether any accelerator is present.
func (p HardwareProfile) HasAccelerator() bool { return len(p.Accelerators) > 0 }

// Devices lists accelerator ids followed by HostDevice.
func (p HardwareProfile) Devices() []string {
	out := make([]string, 0, len(p.Accelerators)+1)
	for _, a := range p.Accelerators {
		out = append(out, a.ID)
	}
	return append(out, HostDevice)
}

// Accelerator looks up an accelerator by id.
func (p HardwareProfile) Accelerator(id string) (Accelerator, bool) {
	for _, a := range p.Accelerators {
		if a.ID == id {
			return a, true
		}
	}
	return Accelerator{}, false
}

// HasDevice reports whether device names an accelerator or the host.
func (p HardwareProfile) HasDevice(device string) bool {
	if device == HostDevice {
		return true
	}
	_, ok := p.Accelerator(device)
	return ok
}

// Total returns the capacity of a device in bytes (0 if unknown).
func (p HardwareProfile) Total(device string) int64 {
	if device == HostDevice {
		return p.TotalRAMBytes
	}
	a, _ := p.Accelerator(device)
	return a.TotalVRAMBytes
}

// Available returns the free memory of a device in bytes (0 if unknown).
func (p HardwareProfile) Available(device string) int64 {
	if device == HostDevice {
		return p.AvailableRAMBytes
	}
	a, _ := p.Accelerator(device)
	return a.AvailableVRAMBytes
}

// MaxAvailableVRAM is the largest free VRAM figure across accelerators.
func (p HardwareProfile) MaxAvailableVRAM() int64 {
	var best int64
	for _, a := range p.Accelerators {
		if a.AvailableVRAMBytes > best {
			best = a.AvailableVRAMBytes
		}
	}
	return best
}

// Clone returns a deep copy.
func (p HardwareProfile) Clone() HardwareProfile {
	out := p
	if p.Accelerators != nil {
		out.Accelerators = append([]Accelerator(nil), p.Accelerators...)
	}
	return out
}

// WithAvailable returns a copy whose free memory on device is set to bytes
// (clamped to the device total). Unknown devices leave the copy unchanged.
func (p HardwareProfile) WithAvailable(device string, bytes int64) HardwareProfile {
	out := p.Clone()
	if device == HostDevice {
		out.AvailableRAMBytes = clamp(bytes, out.TotalRAMBytes)
		return out
	}
	for i := range out.Accelerators {
		if out.Accelerators[i].ID == device {
			out.Accelerators[i].AvailableVRAMBytes = clamp(bytes, out.Accelerators[i].TotalVRAMBytes)
		}
	}
	return out
}
