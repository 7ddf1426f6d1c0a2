package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"modelrm/internal/allocator"
	"modelrm/internal/balancer"
	"modelrm/internal/common/fsutil"
	"modelrm/internal/config"
	"modelrm/internal/hardware"
	"modelrm/internal/manager"
	"modelrm/internal/quant"
	"modelrm/internal/registry"
)

// App is the composed resource manager.
type App struct {
	Config    config.Config
	Registry  *registry.Registry
	Profiler  hardware.Profiler
	Strategy  quant.Strategy
	Allocator *allocator.Allocator
	Manager   *manager.Manager
	Balancer  *balancer.Balancer
}

// BuildOptions carries process-level collaborators.
type BuildOptions struct {
	Logger zerolog.Logger
	// Metrics registers collectors when set.
	Metrics prometheus.Registerer
	// Profiler overrides the one derived from the config.
	Profiler hardware.Profiler
	Now      func() time.Time
}

// Build validates cfg and wires registry, profiler, allocator, manager and
// balancer. The allocator's baseline is one profiler snapshot taken here.
func Build(ctx context.Context, cfg config.Config, opts BuildOptions) (*App, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := opts.Logger
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ratios, err := cfg.Ratios()
	if err != nil {
		return nil, err
	}
	strategy, err := quant.New(ratios)
	if err != nil {
		return nil, err
	}
	reg, err := buildRegistry(cfg, strategy, log)
	if err != nil {
		return nil, err
	}

	prof := opts.Profiler
	if prof == nil {
		if prof, err = buildProfiler(cfg, log, now); err != nil {
			return nil, err
		}
	}
	baseline := prof.Snapshot(ctx)
	for _, a := range baseline.Accelerators {
		log.Info().Str("device", a.ID).Str("name", a.Name).Str("compute", a.Compute.String()).
			Str("total", units.BytesSize(float64(a.TotalVRAMBytes))).
			Str("free", units.BytesSize(float64(a.AvailableVRAMBytes))).Msg("accelerator")
	}
	log.Info().Str("total", units.BytesSize(float64(baseline.TotalRAMBytes))).
		Str("free", units.BytesSize(float64(baseline.AvailableRAMBytes))).Msg("host memory")

	var (
		am *allocator.Metrics
		mm *manager.Metrics
		bm *balancer.Metrics
	)
	if opts.Metrics != nil {
		am = allocator.NewMetrics(opts.Metrics)
		mm = manager.NewMetrics(opts.Metrics)
		bm = balancer.NewMetrics(opts.Metrics)
	}
	alloc := allocator.New(baseline, allocator.Options{Logger: log, Metrics: am, Now: now})
	pub := manager.LogPublisher{Logger: log}
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:          reg,
		Profiler:          prof,
		Allocator:         alloc,
		Strategy:          &strategy,
		PressureThreshold: cfg.PressureThreshold,
		Logger:            log,
		Publisher:         pub,
		Metrics:           mm,
		Now:               now,
	})
	modes, err := cfg.ModeSpecs()
	if err != nil {
		return nil, err
	}
	bal, err := balancer.New(mgr, balancer.Config{Modes: modes, Logger: log, Publisher: pub, Metrics: bm})
	if err != nil {
		return nil, err
	}
	return &App{
		Config:    cfg,
		Registry:  reg,
		Profiler:  prof,
		Strategy:  strategy,
		Allocator: alloc,
		Manager:   mgr,
		Balancer:  bal,
	}, nil
}

func buildRegistry(cfg config.Config, strategy quant.Strategy, log zerolog.Logger) (*registry.Registry, error) {
	reg := registry.New(log)
	if cfg.Builtins() {
		if err := reg.RegisterAll(registry.Builtins()); err != nil {
			return nil, fmt.Errorf("builtins: %w", err)
		}
	}
	if cfg.RegistryFile != "" {
		metas, err := registry.LoadFile(cfg.RegistryFile)
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterAll(metas); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.RegistryFile, err)
		}
	}
	if cfg.ModelsDir != "" {
		dir, err := fsutil.ExpandHome(cfg.ModelsDir)
		if err != nil {
			return nil, err
		}
		if !fsutil.PathExists(dir) {
			log.Warn().Str("dir", dir).Msg("models dir does not exist; skipping scan")
		} else {
			metas, err := registry.LoadDir(dir, registry.ScanOptions{Ratio: strategy.Ratio})
			if err != nil {
				return nil, err
			}
			if err := reg.RegisterAll(metas); err != nil {
				return nil, fmt.Errorf("%s: %w", dir, err)
			}
		}
	}
	log.Info().Int("models", reg.Len()).Msg("registry loaded")
	return reg, nil
}

func buildProfiler(cfg config.Config, log zerolog.Logger, now func() time.Time) (hardware.Profiler, error) {
	if cfg.Hardware.Static {
		p, err := cfg.StaticProfile(now())
		if err != nil {
			return nil, err
		}
		return hardware.NewStatic(p), nil
	}
	hc := hardware.HostConfig{ProcPath: cfg.Hardware.ProcPath, Logger: log, Now: now}
	if !cfg.Hardware.DisableGPU {
		hc.GPU = &hardware.NvidiaSMI{Bin: cfg.Hardware.NvidiaSMI}
	}
	var p hardware.Profiler = hardware.NewHostProfiler(hc)
	if ttl := cfg.ProfileTTL(); ttl > 0 {
		p = hardware.NewCached(p, ttl)
	}
	return p, nil
}
