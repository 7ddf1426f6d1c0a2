package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelrm/internal/common/fsutil"
	"modelrm/pkg/types"
)

// seedFile is the on-disk shape of a registry seed: a list under "models".
type seedFile struct {
	Models []types.ModelMetadata `json:"models" yaml:"models" toml:"models"`
}

// LoadFile reads model metadata from a YAML, JSON or TOML seed file.
func LoadFile(path string) ([]types.ModelMetadata, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var sf seedFile
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &sf)
	case ".json":
		err = json.Unmarshal(b, &sf)
	case ".toml":
		err = toml.Unmarshal(b, &sf)
	default:
		return nil, fmt.Errorf("unsupported seed format: %s", filepath.Ext(p))
	}
	if err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", p, err)
	}
	return sf.Models, nil
}

// ScanOptions controls how LoadDir turns weight files into metadata.
type ScanOptions struct {
	// Provider for scanned entries (default "local").
	Provider string
	// Type for scanned entries (default llm; gguf files are language models).
	Type types.ModelType
	// Ratio converts the file's precision back to an FP16 size. Required.
	Ratio func(types.QuantizationLevel) float64
}

// LoadDir scans a directory for *.gguf files. Each file becomes a
// non-quantizable entry whose native level comes from the filename tag
// (Q4_K_M, Q8_0, F16, ...) and whose footprint at that level equals the file
// size. IDs are the lowercased filename without extension.
func LoadDir(dir string, opts ScanOptions) ([]types.ModelMetadata, error) {
	if opts.Ratio == nil {
		return nil, fmt.Errorf("scan %s: ratio function required", dir)
	}
	if opts.Provider == "" {
		opts.Provider = "local"
	}
	if opts.Type == "" {
		opts.Type = types.ModelLLM
	}
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.ModelMetadata
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		q := QuantFromFilename(name)
		fileGB := round2(types.BytesToGB(info.Size()))
		models = append(models, types.ModelMetadata{
			ID:                 strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name))),
			Provider:           opts.Provider,
			Type:               opts.Type,
			SizeGB:             max(round2(fileGB/opts.Ratio(q)), 0.01),
			MinVRAMGB:          fileGB,
			NativeQuantization: q,
			Path:               filepath.Join(abs, name),
		})
	}
	return models, nil
}

// QuantFromFilename infers the precision of a weight file from the usual
// llama.cpp naming tags. Q5/Q6 variants count as INT8 since they need more
// than an INT4 budget. Unknown names are assumed FP16.
func QuantFromFilename(name string) types.QuantizationLevel {
	stem := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	tokens := strings.FieldsFunc(stem, func(r rune) bool { return r == '-' || r == '.' || r == ' ' })
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := tokens[i]
		switch {
		case strings.HasPrefix(tok, "q2"), strings.HasPrefix(tok, "q3"), strings.HasPrefix(tok, "q4"),
			strings.HasPrefix(tok, "iq"):
			return types.QuantINT4
		case strings.HasPrefix(tok, "q5"), strings.HasPrefix(tok, "q6"), strings.HasPrefix(tok, "q8"):
			return types.QuantINT8
		case tok == "f16", tok == "fp16", tok == "bf16":
			return types.QuantFP16
		case tok == "f32", tok == "fp32":
			return types.QuantFP32
		}
	}
	return types.QuantFP16
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
