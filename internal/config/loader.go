package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelrm/internal/balancer"
	"modelrm/internal/common/fsutil"
	"modelrm/internal/quant"
	"modelrm/pkg/types"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	// RegistryFile is a YAML/JSON/TOML list of model metadata.
	RegistryFile string `json:"registry_file" yaml:"registry_file" toml:"registry_file"`
	// ModelsDir is scanned for *.gguf files.
	ModelsDir       string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	IncludeBuiltins *bool  `json:"include_builtins" yaml:"include_builtins" toml:"include_builtins"`

	// ProfileCacheMS is how long a hardware snapshot is reused. Negative disables caching.
	ProfileCacheMS    int     `json:"profile_cache_ms" yaml:"profile_cache_ms" toml:"profile_cache_ms"`
	PressureThreshold float64 `json:"pressure_threshold" yaml:"pressure_threshold" toml:"pressure_threshold"`
	// QuantRatios overrides the per-level size multipliers, keyed by level name.
	QuantRatios map[string]float64 `json:"quant_ratios" yaml:"quant_ratios" toml:"quant_ratios"`

	Hardware HardwareConfig `json:"hardware" yaml:"hardware" toml:"hardware"`
	Modes    []ModeConfig   `json:"modes" yaml:"modes" toml:"modes"`
	CORS     CORSConfig     `json:"cors" yaml:"cors" toml:"cors"`
}

// HardwareConfig selects how hardware is profiled. With Static set the
// listed devices are used instead of probing the host.
type HardwareConfig struct {
	Static         bool           `json:"static" yaml:"static" toml:"static"`
	Devices        []DeviceConfig `json:"devices" yaml:"devices" toml:"devices"`
	TotalRAMGB     float64        `json:"total_ram_gb" yaml:"total_ram_gb" toml:"total_ram_gb"`
	AvailableRAMGB float64        `json:"available_ram_gb" yaml:"available_ram_gb" toml:"available_ram_gb"`

	ProcPath  string `json:"proc_path" yaml:"proc_path" toml:"proc_path"`
	NvidiaSMI string `json:"nvidia_smi" yaml:"nvidia_smi" toml:"nvidia_smi"`
	// DisableGPU skips accelerator discovery on the host profiler.
	DisableGPU bool `json:"disable_gpu" yaml:"disable_gpu" toml:"disable_gpu"`
}

// DeviceConfig describes one accelerator of a static profile.
type DeviceConfig struct {
	ID          string  `json:"id" yaml:"id" toml:"id"`
	Name        string  `json:"name" yaml:"name" toml:"name"`
	TotalGB     float64 `json:"total_gb" yaml:"total_gb" toml:"total_gb"`
	AvailableGB float64 `json:"available_gb" yaml:"available_gb" toml:"available_gb"`
	// Compute is "major.minor", e.g. "8.9".
	Compute string `json:"compute" yaml:"compute" toml:"compute"`
}

// ModeConfig is one balancer mode.
type ModeConfig struct {
	Name         string              `json:"name" yaml:"name" toml:"name"`
	Types        []string            `json:"types" yaml:"types" toml:"types"`
	Models       []string            `json:"models" yaml:"models" toml:"models"`
	Requirements []RequirementConfig `json:"requirements" yaml:"requirements" toml:"requirements"`
}

// RequirementConfig asks for the best model of a type at switch time.
type RequirementConfig struct {
	Provider string `json:"provider" yaml:"provider" toml:"provider"`
	Type     string `json:"type" yaml:"type" toml:"type"`
}

// CORSConfig is opt-in CORS for the HTTP API.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

const (
	DefaultAddr           = ":8080"
	DefaultLogLevel       = "info"
	DefaultProfileCacheMS = 500
)

// Defaults returns a config with every field set to its default.
func Defaults() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// DefaultModes pairs chat (llm, stt, tts) with art (diffusion, video).
func DefaultModes() []ModeConfig {
	return []ModeConfig{
		{
			Name:         "chat",
			Types:        []string{string(types.ModelLLM), string(types.ModelSTT), string(types.ModelTTS)},
			Requirements: []RequirementConfig{{Type: string(types.ModelLLM)}},
		},
		{
			Name:         "art",
			Types:        []string{string(types.ModelDiffusion), string(types.ModelVideo)},
			Requirements: []RequirementConfig{{Type: string(types.ModelDiffusion)}},
		},
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.IncludeBuiltins == nil {
		t := true
		c.IncludeBuiltins = &t
	}
	if c.ProfileCacheMS == 0 {
		c.ProfileCacheMS = DefaultProfileCacheMS
	}
	if c.PressureThreshold == 0 {
		c.PressureThreshold = 0.85
	}
	if len(c.Modes) == 0 {
		c.Modes = DefaultModes()
	}
	if c.CORS.Enabled && len(c.CORS.Methods) == 0 {
		c.CORS.Methods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
}

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	var errs []error
	if c.PressureThreshold <= 0 || c.PressureThreshold > 1 {
		errs = append(errs, fmt.Errorf("pressure_threshold must be in (0,1], got %v", c.PressureThreshold))
	}
	if _, err := c.Ratios(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ModeSpecs(); err != nil {
		errs = append(errs, err)
	}
	if c.Hardware.Static {
		if _, err := c.StaticProfile(time.Time{}); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug|info|warn|error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Builtins reports whether the built-in catalog should be registered.
func (c Config) Builtins() bool { return c.IncludeBuiltins == nil || *c.IncludeBuiltins }

// ProfileTTL is the snapshot cache duration; zero means no caching.
func (c Config) ProfileTTL() time.Duration {
	if c.ProfileCacheMS <= 0 {
		return 0
	}
	return time.Duration(c.ProfileCacheMS) * time.Millisecond
}

// Ratios converts QuantRatios into a validated ratio table merged over the defaults.
func (c Config) Ratios() (quant.Ratios, error) {
	r := make(quant.Ratios, len(c.QuantRatios))
	for name, v := range c.QuantRatios {
		q, err := types.ParseQuantizationLevel(name)
		if err != nil || q == types.QuantUnspecified {
			return nil, fmt.Errorf("quant_ratios: unknown level %q", name)
		}
		r[q] = v
	}
	if _, err := quant.New(r); err != nil {
		return nil, fmt.Errorf("quant_ratios: %w", err)
	}
	return r, nil
}

// ModeSpecs converts Modes into balancer modes. Exactly two are required.
func (c Config) ModeSpecs() ([2]balancer.ModeSpec, error) {
	var out [2]balancer.ModeSpec
	if len(c.Modes) != 2 {
		return out, fmt.Errorf("modes: exactly two modes are required, got %d", len(c.Modes))
	}
	for i, m := range c.Modes {
		if strings.TrimSpace(m.Name) == "" {
			return out, fmt.Errorf("modes[%d]: name is required", i)
		}
		spec := balancer.ModeSpec{Name: m.Name, Models: append([]string(nil), m.Models...)}
		for _, t := range m.Types {
			mt := types.ModelType(strings.ToLower(t))
			if !mt.Valid() {
				return out, fmt.Errorf("modes[%d]: unknown model type %q", i, t)
			}
			spec.Types = append(spec.Types, mt)
		}
		for _, r := range m.Requirements {
			mt := types.ModelType(strings.ToLower(r.Type))
			if !mt.Valid() {
				return out, fmt.Errorf("modes[%d]: requirement has unknown model type %q", i, r.Type)
			}
			spec.Requirements = append(spec.Requirements, balancer.Requirement{Provider: r.Provider, Type: mt})
		}
		out[i] = spec
	}
	if out[0].Name == out[1].Name {
		return out, fmt.Errorf("modes: duplicate name %q", out[0].Name)
	}
	return out, nil
}

// StaticProfile builds the configured fixed hardware profile.
func (c Config) StaticProfile(at time.Time) (types.HardwareProfile, error) {
	h := c.Hardware
	if h.TotalRAMGB <= 0 {
		return types.HardwareProfile{}, errors.New("hardware: total_ram_gb must be positive for a static profile")
	}
	availRAM := h.AvailableRAMGB
	if availRAM == 0 {
		availRAM = h.TotalRAMGB
	}
	seen := map[string]bool{}
	accels := make([]types.Accelerator, 0, len(h.Devices))
	for i, d := range h.Devices {
		if d.ID == "" || d.ID == types.HostDevice || seen[d.ID] {
			return types.HardwareProfile{}, fmt.Errorf("hardware.devices[%d]: id %q is empty, reserved or duplicated", i, d.ID)
		}
		seen[d.ID] = true
		if d.TotalGB <= 0 {
			return types.HardwareProfile{}, fmt.Errorf("hardware.devices[%d]: total_gb must be positive", i)
		}
		avail := d.AvailableGB
		if avail == 0 {
			avail = d.TotalGB
		}
		var cc types.ComputeCapability
		if d.Compute != "" {
			parsed, err := types.ParseComputeCapability(d.Compute)
			if err != nil {
				return types.HardwareProfile{}, fmt.Errorf("hardware.devices[%d]: %w", i, err)
			}
			cc = parsed
		}
		accels = append(accels, types.Accelerator{
			ID:                 d.ID,
			Name:               d.Name,
			TotalVRAMBytes:     types.GBToBytes(d.TotalGB),
			AvailableVRAMBytes: types.GBToBytes(avail),
			Compute:            cc,
		})
	}
	return types.NewHardwareProfile(accels, types.GBToBytes(h.TotalRAMGB), types.GBToBytes(availRAM), at), nil
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	// relative file references resolve against the config file's directory
	dir := filepath.Dir(path)
	cfg.RegistryFile = fsutil.ResolvePath(dir, cfg.RegistryFile)
	cfg.ModelsDir = fsutil.ResolvePath(dir, cfg.ModelsDir)
	return cfg, nil
}
