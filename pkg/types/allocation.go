package types

import "time"

// Allocation is one booked memory reservation for a model on a device.
type Allocation struct {
	// example: 2f1b5c1e-8d0c-4a6a-9a57-0d7c3b3b8f10
	ID string `json:"id" example:"2f1b5c1e-8d0c-4a6a-9a57-0d7c3b3b8f10"`
	// example: meta/llama-3.1-8b
	ModelID string `json:"model_id" example:"meta/llama-3.1-8b"`
	// Accelerator id or "host".
	// example: gpu0
	Device        string            `json:"device" example:"gpu0"`
	ReservedBytes int64             `json:"reserved_bytes"`
	Quantization  QuantizationLevel `json:"quantization"`
	Timestamp     time.Time         `json:"timestamp"`
}

// LoadPlan is what the construction layer needs to build a model: the
// metadata, the chosen precision and the reservation backing it.
type LoadPlan struct {
	Metadata     ModelMetadata     `json:"metadata"`
	Quantization QuantizationLevel `json:"quantization"`
	Allocation   Allocation        `json:"allocation"`
}
