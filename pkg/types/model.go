package types

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// GiB is the unit behind every *_gb field.
const GiB = 1 << 30

// GBToBytes converts a GiB quantity into bytes, rounded to the nearest byte.
func GBToBytes(gb float64) int64 {
	if gb <= 0 {
		return 0
	}
	return int64(math.Round(gb * GiB))
}

// BytesToGB converts bytes into GiB.
func BytesToGB(b int64) float64 { return float64(b) / GiB }

// ModelType is the closed set of model families the manager knows how to place.
type ModelType string

const (
	ModelLLM       ModelType = "llm"
	ModelDiffusion ModelType = "diffusion"
	ModelTTS       ModelType = "tts"
	ModelSTT       ModelType = "stt"
	ModelVideo     ModelType = "video"
)

// AllModelTypes lists every ModelType in a stable order.
func AllModelTypes() []ModelType {
	return []ModelType{ModelLLM, ModelDiffusion, ModelTTS, ModelSTT, ModelVideo}
}

// Valid reports whether t is one of the known model types.
func (t ModelType) Valid() bool {
	switch t {
	case ModelLLM, ModelDiffusion, ModelTTS, ModelSTT, ModelVideo:
		return true
	}
	return false
}

// ParseModelType accepts the canonical names plus a few common aliases.
func ParseModelType(s string) (ModelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "llm", "text", "chat":
		return ModelLLM, nil
	case "diffusion", "diffusion-image", "image":
		return ModelDiffusion, nil
	case "tts", "speech":
		return ModelTTS, nil
	case "stt", "asr", "transcription":
		return ModelSTT, nil
	case "video":
		return ModelVideo, nil
	}
	return "", fmt.Errorf("unknown model type %q", s)
}

// UnmarshalText normalizes aliases when decoding config and seed files.
func (t *ModelType) UnmarshalText(b []byte) error {
	v, err := ParseModelType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// QuantizationLevel is ordered from the smallest footprint to the largest.
// The zero value means "no preference".
type QuantizationLevel int

const (
	QuantUnspecified QuantizationLevel = iota
	QuantINT4
	QuantINT8
	QuantFP16
	QuantFP32
)

var quantNames = [...]string{"", "int4", "int8", "fp16", "fp32"}

// AllQuantizationLevels returns every concrete level, lowest memory first.
func AllQuantizationLevels() []QuantizationLevel {
	return []QuantizationLevel{QuantINT4, QuantINT8, QuantFP16, QuantFP32}
}

func (q QuantizationLevel) String() string {
	if q < 0 || int(q) >= len(quantNames) {
		return fmt.Sprintf("quant(%d)", int(q))
	}
	return quantNames[q]
}

// Valid reports whether q is a concrete level (not unspecified).
func (q QuantizationLevel) Valid() bool { return q >= QuantINT4 && q <= QuantFP32 }

// ParseQuantizationLevel parses "int4", "INT8", "fp16", "f32" and similar spellings.
// An empty string yields QuantUnspecified.
func ParseQuantizationLevel(s string) (QuantizationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return QuantUnspecified, nil
	case "int4", "q4":
		return QuantINT4, nil
	case "int8", "q8":
		return QuantINT8, nil
	case "fp16", "f16", "half":
		return QuantFP16, nil
	case "fp32", "f32", "full":
		return QuantFP32, nil
	}
	return QuantUnspecified, fmt.Errorf("unknown quantization level %q", s)
}

func (q QuantizationLevel) MarshalText() ([]byte, error) {
	if q != QuantUnspecified && !q.Valid() {
		return nil, fmt.Errorf("invalid quantization level %d", int(q))
	}
	return []byte(q.String()), nil
}

func (q *QuantizationLevel) UnmarshalText(b []byte) error {
	v, err := ParseQuantizationLevel(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// ModelMetadata describes one loadable model variant and its resource footprint.
// Entries are replaced whole; never mutate one after registering it.
type ModelMetadata struct {
	// Stable identifier, usually provider/name.
	// example: meta/llama-3.1-8b
	ID string `json:"id" yaml:"id" toml:"id" example:"meta/llama-3.1-8b"`
	// example: meta
	Provider string `json:"provider" yaml:"provider" toml:"provider" example:"meta"`
	// example: llm
	Type ModelType `json:"type" yaml:"type" toml:"type" example:"llm"`
	// Footprint at full (FP16) precision, in GiB.
	// example: 16
	SizeGB float64 `json:"size_gb" yaml:"size_gb" toml:"size_gb" example:"16"`
	// Hard floors below which the model cannot load at all.
	MinVRAMGB float64 `json:"min_vram_gb" yaml:"min_vram_gb" toml:"min_vram_gb"`
	MinRAMGB  float64 `json:"min_ram_gb" yaml:"min_ram_gb" toml:"min_ram_gb"`
	// Floors below which the model loads only in a degraded (quantized) mode.
	RecommendedVRAMGB    float64 `json:"recommended_vram_gb" yaml:"recommended_vram_gb" toml:"recommended_vram_gb"`
	RecommendedRAMGB     float64 `json:"recommended_ram_gb" yaml:"recommended_ram_gb" toml:"recommended_ram_gb"`
	SupportsQuantization bool    `json:"supports_quantization" yaml:"supports_quantization" toml:"supports_quantization"`
	// Supported levels; empty with SupportsQuantization means every level.
	QuantizationLevels []QuantizationLevel `json:"quantization_levels,omitempty" yaml:"quantization_levels,omitempty" toml:"quantization_levels,omitempty"`
	// Format the weights ship in; defaults to fp16.
	NativeQuantization QuantizationLevel `json:"native_quantization,omitempty" yaml:"native_quantization,omitempty" toml:"native_quantization,omitempty"`
	// Optional on-disk location (set by directory scans).
	Path string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
}

// Validate checks the fields the allocator and strategy rely on.
func (m ModelMetadata) Validate() error {
	var errs []error
	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !m.Type.Valid() {
		errs = append(errs, fmt.Errorf("invalid model type %q", m.Type))
	}
	if m.SizeGB <= 0 {
		errs = append(errs, fmt.Errorf("size_gb must be positive, got %v", m.SizeGB))
	}
	for name, v := range map[string]float64{
		"min_vram_gb": m.MinVRAMGB, "min_ram_gb": m.MinRAMGB,
		"recommended_vram_gb": m.RecommendedVRAMGB, "recommended_ram_gb": m.RecommendedRAMGB,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for _, q := range m.QuantizationLevels {
		if !q.Valid() {
			errs = append(errs, fmt.Errorf("invalid quantization level %d", int(q)))
		}
	}
	if m.NativeQuantization != QuantUnspecified && !m.NativeQuantization.Valid() {
		errs = append(errs, fmt.Errorf("invalid native quantization %d", int(m.NativeQuantization)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("model %q: %w", m.ID, errors.Join(errs...))
	}
	return nil
}

// Native returns the level the weights ship in.
func (m ModelMetadata) Native() QuantizationLevel {
	if m.NativeQuantization.Valid() {
		return m.NativeQuantization
	}
	return QuantFP16
}

// Levels returns the candidate levels, highest fidelity first.
func (m ModelMetadata) Levels() []QuantizationLevel {
	if !m.SupportsQuantization {
		return []QuantizationLevel{m.Native()}
	}
	src := m.QuantizationLevels
	if len(src) == 0 {
		src = AllQuantizationLevels()
	}
	seen := make(map[QuantizationLevel]bool, len(src))
	out := make([]QuantizationLevel, 0, len(src))
	for _, q := range src {
		if q.Valid() && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// Supports reports whether q is one of the levels the model can load in.
func (m ModelMetadata) Supports(q QuantizationLevel) bool {
	for _, l := range m.Levels() {
		if l == q {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (m ModelMetadata) Clone() ModelMetadata {
	out := m
	if m.QuantizationLevels != nil {
		out.QuantizationLevels = append([]QuantizationLevel(nil), m.QuantizationLevels...)
	}
	return out
}
