// Package quant picks the highest-fidelity quantization level whose
// estimated footprint fits a hardware profile. Everything here is pure:
// no I/O, no shared state, identical inputs give identical decisions.
package quant

import (
	"errors"
	"fmt"
	"sort"

	units "github.com/docker/go-units"

	"modelrm/pkg/types"
)

// Ratios maps each level to the fraction of the FP16 footprint (size_gb) it needs.
type Ratios map[types.QuantizationLevel]float64

// DefaultRatios are the stock compression estimates.
func DefaultRatios() Ratios {
	return Ratios{
		types.QuantINT4: 0.28,
		types.QuantINT8: 0.55,
		types.QuantFP16: 1.0,
		types.QuantFP32: 2.0,
	}
}

// Validate requires a positive ratio for every level, strictly increasing
// with the level ordering.
func (r Ratios) Validate() error {
	prev := 0.0
	for _, q := range types.AllQuantizationLevels() {
		v, ok := r[q]
		if !ok {
			return fmt.Errorf("missing ratio for %s", q)
		}
		if v <= 0 {
			return fmt.Errorf("ratio for %s must be positive, got %v", q, v)
		}
		if v <= prev {
			return fmt.Errorf("ratio for %s (%v) must exceed the previous level's (%v)", q, v, prev)
		}
		prev = v
	}
	return nil
}

// Strategy selects quantization levels. The zero value is not usable; build
// one with New or Default.
type Strategy struct {
	ratios Ratios
}

// New copies r (missing levels fall back to the defaults) and validates it.
func New(r Ratios) (Strategy, error) {
	merged := DefaultRatios()
	for q, v := range r {
		if !q.Valid() {
			return Strategy{}, fmt.Errorf("invalid quantization level %d", int(q))
		}
		merged[q] = v
	}
	if err := merged.Validate(); err != nil {
		return Strategy{}, err
	}
	return Strategy{ratios: merged}, nil
}

// Default returns a Strategy using DefaultRatios.
func Default() Strategy { return Strategy{ratios: DefaultRatios()} }

// Ratios returns a copy of the configured ratios.
func (s Strategy) Ratios() Ratios {
	out := make(Ratios, len(s.ratios))
	for q, v := range s.ratios {
		out[q] = v
	}
	return out
}

// Ratio returns the compression ratio for q (0 for unknown levels).
func (s Strategy) Ratio(q types.QuantizationLevel) float64 { return s.ratios[q] }

// Footprint estimates the bytes meta needs when loaded at q.
func (s Strategy) Footprint(meta types.ModelMetadata, q types.QuantizationLevel) int64 {
	return types.GBToBytes(meta.SizeGB * s.Ratio(q))
}

// Decision is a feasible placement: the level, the device and its footprint.
type Decision struct {
	Level  types.QuantizationLevel `json:"level"`
	Device string                  `json:"device"`
	Bytes  int64                   `json:"bytes"`
}

// Select walks meta's levels from highest fidelity to lowest and returns the
// first one that fits. Models without quantization support only consider
// their native level. With accelerators present only VRAM is considered;
// cpu-only profiles place the model in host RAM.
func (s Strategy) Select(meta types.ModelMetadata, prof types.HardwareProfile) (Decision, error) {
	levels := meta.Levels()
	for _, q := range levels {
		if d, ok := s.place(meta, prof, q); ok {
			return d, nil
		}
	}
	return Decision{}, s.infeasible(meta, prof, levels[len(levels)-1])
}

// SelectLevel evaluates a single level, e.g. a caller's preference.
func (s Strategy) SelectLevel(meta types.ModelMetadata, prof types.HardwareProfile, q types.QuantizationLevel) (Decision, error) {
	if !meta.Supports(q) {
		return Decision{}, &InfeasibleError{ModelID: meta.ID, Level: q, Reason: "level not supported by model"}
	}
	if d, ok := s.place(meta, prof, q); ok {
		return d, nil
	}
	return Decision{}, s.infeasible(meta, prof, q)
}

// Feasible reports whether meta fits prof at any of its levels.
func (s Strategy) Feasible(meta types.ModelMetadata, prof types.HardwareProfile) bool {
	_, err := s.Select(meta, prof)
	return err == nil
}

type candidate struct {
	device string
	avail  int64
}

// candidates orders placement targets: accelerators by most free memory
// (ties by id), or the host when there is no accelerator.
func candidates(prof types.HardwareProfile) []candidate {
	if !prof.HasAccelerator() {
		return []candidate{{device: types.HostDevice, avail: prof.AvailableRAMBytes}}
	}
	out := make([]candidate, 0, len(prof.Accelerators))
	for _, a := range prof.Accelerators {
		out = append(out, candidate{device: a.ID, avail: a.AvailableVRAMBytes})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].avail != out[j].avail {
			return out[i].avail > out[j].avail
		}
		return out[i].device < out[j].device
	})
	return out
}

// floor is the hard minimum a device must offer regardless of level.
func floor(meta types.ModelMetadata, prof types.HardwareProfile) int64 {
	if prof.HasAccelerator() {
		return types.GBToBytes(meta.MinVRAMGB)
	}
	return types.GBToBytes(max(meta.MinVRAMGB, meta.MinRAMGB))
}

func (s Strategy) place(meta types.ModelMetadata, prof types.HardwareProfile, q types.QuantizationLevel) (Decision, bool) {
	if prof.HasAccelerator() && prof.AvailableRAMBytes < types.GBToBytes(meta.MinRAMGB) {
		return Decision{}, false
	}
	need := s.Footprint(meta, q)
	min := floor(meta, prof)
	for _, c := range candidates(prof) {
		if c.avail >= need && c.avail >= min {
			return Decision{Level: q, Device: c.device, Bytes: need}, true
		}
	}
	return Decision{}, false
}

func (s Strategy) infeasible(meta types.ModelMetadata, prof types.HardwareProfile, q types.QuantizationLevel) error {
	best := prof.AvailableRAMBytes
	if prof.HasAccelerator() {
		best = prof.MaxAvailableVRAM()
	}
	need := max(s.Footprint(meta, q), floor(meta, prof))
	return &InfeasibleError{ModelID: meta.ID, Level: q, Required: need, Available: best}
}

// InfeasibleError means no level of the model fits the profile at all.
type InfeasibleError struct {
	ModelID string
	// Level is the smallest level tried (or the requested one).
	Level     types.QuantizationLevel
	Required  int64
	Available int64
	Reason    string
}

func (e *InfeasibleError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("model %s infeasible at %s: %s", e.ModelID, e.Level, e.Reason)
	}
	return fmt.Sprintf("model %s infeasible: needs %s at %s, best device has %s",
		e.ModelID, units.BytesSize(float64(e.Required)), e.Level, units.BytesSize(float64(e.Available)))
}

// IsInfeasible reports whether err (or anything it wraps) is an InfeasibleError.
func IsInfeasible(err error) bool {
	var ie *InfeasibleError
	return errors.As(err, &ie)
}
