package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"modelrm/pkg/types"
)

type fakeGPU struct {
	accels []types.Accelerator
	err    error
}

func (f fakeGPU) QueryGPUs(context.Context) ([]types.Accelerator, error) { return f.accels, f.err }

func writeMeminfo(t *testing.T, totalKB, availKB int) string {
	t.Helper()
	dir := t.TempDir()
	content := "MemTotal:       " + itoa(totalKB) + " kB\n" +
		"MemFree:        1024 kB\n" +
		"MemAvailable:   " + itoa(availKB) + " kB\n"
	if err := os.WriteFile(filepath.Join(dir, "meminfo"), []byte(content), 0o644); err != nil {
		t.Fatalf("write meminfo: %v", err)
	}
	return dir
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestParseSMIOutput(t *testing.T) {
	out := []byte("0, NVIDIA GeForce RTX 4090, 24564, 20000, 8.9\n1, NVIDIA Tesla T4, 15360, 15000, [N/A]\n\n")
	accels, err := parseSMIOutput(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(accels) != 2 {
		t.Fatalf("expected 2 accelerators, got %d", len(accels))
	}
	if accels[0].ID != "gpu0" || accels[0].Name != "GeForce RTX 4090" {
		t.Fatalf("unexpected first accelerator: %+v", accels[0])
	}
	if accels[0].TotalVRAMBytes != 24564<<20 || accels[0].AvailableVRAMBytes != 20000<<20 {
		t.Fatalf("unexpected memory figures: %+v", accels[0])
	}
	if accels[0].Compute != (types.ComputeCapability{Major: 8, Minor: 9}) {
		t.Fatalf("unexpected compute: %v", accels[0].Compute)
	}
	if !accels[1].Compute.IsCPUOnly() {
		t.Fatalf("expected unknown compute for N/A, got %v", accels[1].Compute)
	}
}

func TestParseSMIOutputErrors(t *testing.T) {
	for _, in := range []string{"0, x\n", "a, x, 1, 1\n", "0, x, big, 1\n", "0, x, 1, free\n"} {
		if _, err := parseSMIOutput([]byte(in)); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestNvidiaSMIUsesRunner(t *testing.T) {
	var gotBin string
	n := &NvidiaSMI{Bin: "/opt/nvidia-smi", run: func(ctx context.Context, bin string, args ...string) ([]byte, error) {
		gotBin = bin
		if _, ok := ctx.Deadline(); !ok {
			t.Fatalf("expected a deadline on the query context")
		}
		return []byte("0, A100, 81920, 80000, 8.0\n"), nil
	}}
	accels, err := n.QueryGPUs(context.Background())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotBin != "/opt/nvidia-smi" || len(accels) != 1 {
		t.Fatalf("unexpected result bin=%s accels=%+v", gotBin, accels)
	}

	n.run = func(context.Context, string, ...string) ([]byte, error) { return nil, errors.New("exit 9") }
	if _, err := n.QueryGPUs(context.Background()); err == nil {
		t.Fatalf("expected runner error to propagate")
	}
}

func TestHostProfilerReadsMeminfoAndGPUs(t *testing.T) {
	dir := writeMeminfo(t, 16*1024*1024, 8*1024*1024)
	gpu := fakeGPU{accels: []types.Accelerator{{ID: "gpu0", TotalVRAMBytes: 24 * types.GiB, AvailableVRAMBytes: 20 * types.GiB, Compute: types.ComputeCapability{Major: 8, Minor: 6}}}}
	p := NewHostProfiler(HostConfig{ProcPath: dir, GPU: gpu})
	prof := p.Snapshot(context.Background())
	if prof.TotalRAMBytes != 16*types.GiB || prof.AvailableRAMBytes != 8*types.GiB {
		t.Fatalf("unexpected ram: total=%d avail=%d", prof.TotalRAMBytes, prof.AvailableRAMBytes)
	}
	if !prof.HasAccelerator() || prof.Available("gpu0") != 20*types.GiB {
		t.Fatalf("unexpected accelerators: %+v", prof.Accelerators)
	}
	if prof.Compute.String() != "8.6" {
		t.Fatalf("unexpected compute: %s", prof.Compute)
	}
}

func TestHostProfilerFallsBackToCPUOnly(t *testing.T) {
	dir := writeMeminfo(t, 1024*1024, 512*1024)
	p := NewHostProfiler(HostConfig{ProcPath: dir, GPU: fakeGPU{err: errors.New("driver not loaded")}})
	prof := p.Snapshot(context.Background())
	if prof.HasAccelerator() {
		t.Fatalf("expected cpu-only profile, got %+v", prof.Accelerators)
	}
	if !prof.Compute.IsCPUOnly() {
		t.Fatalf("expected cpu-only compute, got %s", prof.Compute)
	}
	if prof.AvailableRAMBytes != types.GiB/2 {
		t.Fatalf("unexpected available ram %d", prof.AvailableRAMBytes)
	}
}

func TestHostProfilerMissingProcReportsZeroRAM(t *testing.T) {
	p := NewHostProfiler(HostConfig{ProcPath: filepath.Join(t.TempDir(), "nope")})
	prof := p.Snapshot(context.Background())
	if prof.TotalRAMBytes != 0 || prof.AvailableRAMBytes != 0 || prof.HasAccelerator() {
		t.Fatalf("expected empty profile, got %+v", prof)
	}
}

func TestStaticProfilerReturnsCopies(t *testing.T) {
	base := types.NewHardwareProfile([]types.Accelerator{{ID: "gpu0", TotalVRAMBytes: 8 * types.GiB, AvailableVRAMBytes: 8 * types.GiB}}, 0, 0, time.Time{})
	s := NewStatic(base)
	a := s.Snapshot(context.Background())
	a.Accelerators[0].AvailableVRAMBytes = 1
	b := s.Snapshot(context.Background())
	if b.Available("gpu0") != 8*types.GiB {
		t.Fatalf("mutating one snapshot leaked into the next: %d", b.Available("gpu0"))
	}
	if b.TakenAt.IsZero() {
		t.Fatalf("expected snapshot timestamp")
	}
}

func TestCachedProfilerMemoizesAndInvalidates(t *testing.T) {
	var calls atomic.Int32
	inner := ProfilerFunc(func(context.Context) types.HardwareProfile {
		calls.Add(1)
		return types.CPUOnlyProfile(types.GiB, types.GiB, time.Time{})
	})
	now := time.Unix(1000, 0)
	c := NewCached(inner, time.Second)
	c.now = func() time.Time { return now }

	c.Snapshot(context.Background())
	c.Snapshot(context.Background())
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 inner call within ttl, got %d", got)
	}
	c.Invalidate()
	c.Snapshot(context.Background())
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected refresh after invalidate, got %d calls", got)
	}
	now = now.Add(2 * time.Second)
	c.Snapshot(context.Background())
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected refresh after ttl, got %d calls", got)
	}
}
