package hardware

import (
	"context"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"

	"modelrm/pkg/types"
)

// GPUQuerier lists accelerators with their current memory figures.
type GPUQuerier interface {
	QueryGPUs(ctx context.Context) ([]types.Accelerator, error)
}

// HostConfig configures a HostProfiler. Zero values select defaults.
type HostConfig struct {
	// ProcPath is the procfs mount point (default /proc).
	ProcPath string
	// GPU queries accelerators; nil means the host has none.
	GPU    GPUQuerier
	Logger zerolog.Logger
	Now    func() time.Time
}

// HostProfiler reads host RAM from procfs and accelerator memory from a GPUQuerier.
type HostProfiler struct {
	procPath string
	gpu      GPUQuerier
	log      zerolog.Logger
	now      func() time.Time
}

// NewHostProfiler builds a profiler for the local machine.
func NewHostProfiler(cfg HostConfig) *HostProfiler {
	p := &HostProfiler{procPath: cfg.ProcPath, gpu: cfg.GPU, log: cfg.Logger, now: cfg.Now}
	if p.procPath == "" {
		p.procPath = procfs.DefaultMountPoint
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Snapshot never errors. A failed GPU query yields a cpu-only profile; a
// failed RAM query yields zero RAM so admission stays conservative.
func (p *HostProfiler) Snapshot(ctx context.Context) types.HardwareProfile {
	total, avail, err := p.readMeminfo()
	if err != nil {
		p.log.Warn().Err(err).Msg("meminfo unavailable; reporting zero host RAM")
	}
	var accels []types.Accelerator
	if p.gpu != nil {
		accels, err = p.gpu.QueryGPUs(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("accelerator query failed; using cpu-only profile")
			accels = nil
		}
	}
	prof := types.NewHardwareProfile(accels, total, avail, p.now())
	p.log.Debug().
		Int("accelerators", len(prof.Accelerators)).
		Str("ram_available", units.BytesSize(float64(prof.AvailableRAMBytes))).
		Str("compute", prof.Compute.String()).
		Msg("hardware snapshot")
	return prof
}

// Live is true: meminfo and nvidia-smi report memory already in use.
func (p *HostProfiler) Live() bool { return true }

func (p *HostProfiler) readMeminfo() (total, avail int64, err error) {
	fs, err := procfs.NewFS(p.procPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open procfs %s: %w", p.procPath, err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, 0, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return 0, 0, fmt.Errorf("meminfo: MemTotal missing")
	}
	total = int64(*mi.MemTotal) * 1024
	switch {
	case mi.MemAvailable != nil:
		avail = int64(*mi.MemAvailable) * 1024
	case mi.MemFree != nil:
		// kernels before 3.14 lack MemAvailable
		avail = int64(*mi.MemFree) * 1024
	}
	return total, avail, nil
}
