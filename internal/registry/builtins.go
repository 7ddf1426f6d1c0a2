package registry

import "modelrm/pkg/types"

var allLevels = []types.QuantizationLevel{types.QuantINT4, types.QuantINT8, types.QuantFP16}

// Builtins returns the stock catalog registered when include_builtins is set.
// Figures are FP16 footprints in GiB.
func Builtins() []types.ModelMetadata {
	out := []types.ModelMetadata{
		{ID: "meta/llama-3.1-8b", Provider: "meta", Type: types.ModelLLM, SizeGB: 16,
			MinVRAMGB: 5, MinRAMGB: 8, RecommendedVRAMGB: 18, RecommendedRAMGB: 16,
			SupportsQuantization: true, QuantizationLevels: allLevels},
		{ID: "meta/llama-3.1-70b", Provider: "meta", Type: types.ModelLLM, SizeGB: 140,
			MinVRAMGB: 40, MinRAMGB: 64, RecommendedVRAMGB: 150, RecommendedRAMGB: 128,
			SupportsQuantization: true, QuantizationLevels: allLevels},
		{ID: "mistral/mistral-7b-instruct", Provider: "mistral", Type: types.ModelLLM, SizeGB: 14.5,
			MinVRAMGB: 4.5, MinRAMGB: 8, RecommendedVRAMGB: 16, RecommendedRAMGB: 16,
			SupportsQuantization: true, QuantizationLevels: allLevels},
		{ID: "microsoft/phi-3-mini", Provider: "microsoft", Type: types.ModelLLM, SizeGB: 7.6,
			MinVRAMGB: 2.5, MinRAMGB: 4, RecommendedVRAMGB: 8, RecommendedRAMGB: 8,
			SupportsQuantization: true, QuantizationLevels: allLevels},
		{ID: "stabilityai/sdxl-base-1.0", Provider: "stabilityai", Type: types.ModelDiffusion, SizeGB: 6.9,
			MinVRAMGB: 6, MinRAMGB: 8, RecommendedVRAMGB: 10, RecommendedRAMGB: 16,
			SupportsQuantization: true, QuantizationLevels: []types.QuantizationLevel{types.QuantINT8, types.QuantFP16}},
		{ID: "stabilityai/sd-1.5", Provider: "stabilityai", Type: types.ModelDiffusion, SizeGB: 2.1,
			MinVRAMGB: 2.5, MinRAMGB: 4, RecommendedVRAMGB: 4, RecommendedRAMGB: 8},
		{ID: "black-forest-labs/flux.1-schnell", Provider: "black-forest-labs", Type: types.ModelDiffusion, SizeGB: 23.8,
			MinVRAMGB: 8, MinRAMGB: 16, RecommendedVRAMGB: 24, RecommendedRAMGB: 32,
			SupportsQuantization: true, QuantizationLevels: allLevels},
		{ID: "openai/whisper-large-v3", Provider: "openai", Type: types.ModelSTT, SizeGB: 3.1,
			MinVRAMGB: 2, MinRAMGB: 4, RecommendedVRAMGB: 4, RecommendedRAMGB: 8,
			SupportsQuantization: true, QuantizationLevels: []types.QuantizationLevel{types.QuantINT8, types.QuantFP16}},
		{ID: "openai/whisper-base", Provider: "openai", Type: types.ModelSTT, SizeGB: 0.15,
			MinRAMGB: 1, RecommendedRAMGB: 2},
		{ID: "coqui/xtts-v2", Provider: "coqui", Type: types.ModelTTS, SizeGB: 1.8,
			MinVRAMGB: 2, MinRAMGB: 4, RecommendedVRAMGB: 4, RecommendedRAMGB: 8},
		{ID: "hexgrad/kokoro-82m", Provider: "hexgrad", Type: types.ModelTTS, SizeGB: 0.33,
			MinRAMGB: 1, RecommendedRAMGB: 2, NativeQuantization: types.QuantFP32},
		{ID: "stabilityai/svd-xt", Provider: "stabilityai", Type: types.ModelVideo, SizeGB: 9.6,
			MinVRAMGB: 10, MinRAMGB: 16, RecommendedVRAMGB: 16, RecommendedRAMGB: 32},
	}
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}
