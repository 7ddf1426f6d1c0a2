package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelrm/internal/allocator"
	"modelrm/internal/hardware"
	"modelrm/internal/registry"
	"modelrm/pkg/types"
)

// gpuProfile builds a single-accelerator profile with the given GiB figures.
func gpuProfile(totalGB, availGB float64) types.HardwareProfile {
	return types.NewHardwareProfile([]types.Accelerator{{
		ID:                 "gpu0",
		TotalVRAMBytes:     types.GBToBytes(totalGB),
		AvailableVRAMBytes: types.GBToBytes(availGB),
		Compute:            types.ComputeCapability{Major: 8, Minor: 9},
	}}, types.GBToBytes(64), types.GBToBytes(32), time.Unix(0, 0))
}

func llm(id string, sizeGB float64) types.ModelMetadata {
	return types.ModelMetadata{
		ID: id, Provider: "acme", Type: types.ModelLLM, SizeGB: sizeGB,
		SupportsQuantization: true,
		QuantizationLevels:   []types.QuantizationLevel{types.QuantINT4, types.QuantINT8, types.QuantFP16},
	}
}

// newTestManager wires a manager over a static profiler.
func newTestManager(t *testing.T, prof types.HardwareProfile, models ...types.ModelMetadata) (*Manager, *hardware.StaticProfiler) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	if err := reg.RegisterAll(models); err != nil {
		t.Fatalf("register: %v", err)
	}
	sp := hardware.NewStatic(prof)
	m := NewWithConfig(ManagerConfig{
		Registry:  reg,
		Profiler:  sp,
		Allocator: allocator.New(prof, allocator.Options{}),
	})
	return m, sp
}

// barrierProfiler blocks every Snapshot until n callers have arrived, so
// concurrent prepares decide on the same headroom.
type barrierProfiler struct {
	inner hardware.Profiler
	wg    sync.WaitGroup
}

func newBarrierProfiler(inner hardware.Profiler, n int) *barrierProfiler {
	b := &barrierProfiler{inner: inner}
	b.wg.Add(n)
	return b
}

func (b *barrierProfiler) Snapshot(ctx context.Context) types.HardwareProfile {
	b.wg.Done()
	b.wg.Wait()
	return b.inner.Snapshot(ctx)
}

// countingInvalidator records Invalidate calls.
type countingInvalidator struct {
	hardware.Profiler
	mu    sync.Mutex
	count int
}

func (c *countingInvalidator) Invalidate() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *countingInvalidator) n() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// recordingHandler records Load/Unload calls and can be told to fail.
type recordingHandler struct {
	mu       sync.Mutex
	loaded   []string
	unloaded []string
	loadErr  error
	unlErr   error
}

var errConstruct = errors.New("construction failed")

func (h *recordingHandler) Load(_ context.Context, plan types.LoadPlan) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadErr != nil {
		return h.loadErr
	}
	h.loaded = append(h.loaded, plan.Metadata.ID)
	return nil
}

func (h *recordingHandler) Unload(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unloaded = append(h.unloaded, id)
	return h.unlErr
}
