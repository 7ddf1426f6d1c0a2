package types

import (
	"testing"
	"time"
)

func TestParseComputeCapability(t *testing.T) {
	cases := map[string]ComputeCapability{
		"8.6":      {8, 6},
		"9":        {9, 0},
		"":         CPUOnly,
		"cpu-only": CPUOnly,
	}
	for in, want := range cases {
		got, err := ParseComputeCapability(in)
		if err != nil || got != want {
			t.Fatalf("%q -> %v, %v", in, got, err)
		}
	}
	for _, in := range []string{"x.1", "8.y", "-1"} {
		if _, err := ParseComputeCapability(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
	if !CPUOnly.Less(ComputeCapability{7, 5}) || !(ComputeCapability{8, 0}).Less(ComputeCapability{8, 9}) {
		t.Fatalf("ordering")
	}
	if CPUOnly.String() != "cpu-only" {
		t.Fatalf("cpu-only string %q", CPUOnly.String())
	}
}

func TestNewHardwareProfileNormalizes(t *testing.T) {
	p := NewHardwareProfile([]Accelerator{
		{ID: "gpu1", TotalVRAMBytes: 8, AvailableVRAMBytes: 20, Compute: ComputeCapability{8, 6}},
		{ID: "gpu0", TotalVRAMBytes: 16, AvailableVRAMBytes: -5, Compute: ComputeCapability{8, 9}},
	}, 32, 64, time.Unix(1, 0))

	if p.Accelerators[0].ID != "gpu0" {
		t.Fatalf("accelerators not sorted: %+v", p.Accelerators)
	}
	if p.Accelerators[0].AvailableVRAMBytes != 0 || p.Accelerators[1].AvailableVRAMBytes != 8 {
		t.Fatalf("available not clamped: %+v", p.Accelerators)
	}
	if p.AvailableRAMBytes != 32 {
		t.Fatalf("ram not clamped: %d", p.AvailableRAMBytes)
	}
	if p.Compute != (ComputeCapability{8, 9}) {
		t.Fatalf("compute = %v", p.Compute)
	}
	if got := p.Devices(); len(got) != 3 || got[2] != HostDevice {
		t.Fatalf("devices %v", got)
	}
	if p.MaxAvailableVRAM() != 8 || p.Total("gpu0") != 16 || p.Available(HostDevice) != 32 {
		t.Fatalf("accessors: %+v", p)
	}
	if p.HasDevice("gpu9") || !p.HasDevice(HostDevice) {
		t.Fatalf("HasDevice")
	}
}

func TestCPUOnlyProfile(t *testing.T) {
	p := CPUOnlyProfile(16, 8, time.Time{})
	if p.HasAccelerator() || !p.Compute.IsCPUOnly() {
		t.Fatalf("expected cpu-only: %+v", p)
	}
}

func TestWithAvailableCopies(t *testing.T) {
	p := NewHardwareProfile([]Accelerator{{ID: "gpu0", TotalVRAMBytes: 10, AvailableVRAMBytes: 10}}, 4, 4, time.Time{})
	q := p.WithAvailable("gpu0", 3).WithAvailable(HostDevice, 100)
	if p.Available("gpu0") != 10 {
		t.Fatalf("original mutated")
	}
	if q.Available("gpu0") != 3 || q.Available(HostDevice) != 4 {
		t.Fatalf("copy: gpu0=%d host=%d", q.Available("gpu0"), q.Available(HostDevice))
	}
	if r := p.WithAvailable("nope", 1); r.Available("gpu0") != 10 {
		t.Fatalf("unknown device changed the copy")
	}
}
