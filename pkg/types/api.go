package types

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Registered models, ordered by id.
	Models []ModelMetadata `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: meta/llama-3.1-70b
	Error string `json:"error" example:"model not found: meta/llama-3.1-70b"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
	// Models a failed mode switch could not bring back.
	Unrestored []string `json:"unrestored,omitempty"`
}

// LoadRequest is the optional body of POST /models/{id}/load.
type LoadRequest struct {
	// Preferred precision; empty lets the strategy choose.
	// example: int8
	Quantization string `json:"quantization,omitempty" example:"int8"`
	// Evict idle models and retry once when the model does not fit.
	// example: true
	Evict bool `json:"evict,omitempty" example:"true"`
}

// DeviceStatus summarizes accounting for one memory slot.
type DeviceStatus struct {
	// example: gpu0
	Device string `json:"device" example:"gpu0"`
	// Physical capacity in bytes.
	TotalBytes int64 `json:"total_bytes"`
	// Bytes the allocator may hand out (free memory at the last baseline).
	BudgetBytes int64 `json:"budget_bytes"`
	// Bytes currently reserved.
	ReservedBytes int64 `json:"reserved_bytes"`
	// Budget minus reserved.
	HeadroomBytes int64 `json:"headroom_bytes"`
	// Reserved / total.
	// example: 0.825
	Pressure float64 `json:"pressure" example:"0.825"`
}

// InstanceStatus summarizes a tracked model instance for /status.
type InstanceStatus struct {
	// example: meta/llama-3.1-8b
	ModelID string `json:"model_id" example:"meta/llama-3.1-8b"`
	// Lifecycle state: reserved or active.
	// example: active
	State string `json:"state" example:"active"`
	// example: gpu0
	Device        string            `json:"device" example:"gpu0"`
	Quantization  QuantizationLevel `json:"quantization"`
	ReservedBytes int64             `json:"reserved_bytes"`
	// Last time the instance was loaded or touched (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Devices   []DeviceStatus   `json:"devices"`
	Instances []InstanceStatus `json:"instances"`
	// example: 0.85
	PressureThreshold float64 `json:"pressure_threshold" example:"0.85"`
	UnderPressure     bool    `json:"under_pressure"`
	// Last admission error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix  int64  `json:"server_time_unix" example:"1700000000"`
	LoadsTotal      uint64 `json:"loads_total"`
	CleanupsTotal   uint64 `json:"cleanups_total"`
	EvictionsTotal  uint64 `json:"evictions_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
	// Current balancer mode, if a balancer is attached.
	// example: chat
	ActiveMode   string   `json:"active_mode,omitempty" example:"chat"`
	LoadedModels []string `json:"loaded_models,omitempty"`
}

// PressureResponse is returned by GET /pressure.
type PressureResponse struct {
	Threshold     float64        `json:"threshold"`
	UnderPressure bool           `json:"under_pressure"`
	Devices       []DeviceStatus `json:"devices"`
}

// ModeInfo describes one balancer mode.
type ModeInfo struct {
	// example: art
	Name       string      `json:"name" example:"art"`
	Types      []ModelType `json:"types"`
	Active     bool        `json:"active"`
	Remembered []string    `json:"remembered,omitempty"`
}

// ModesResponse is returned by GET /modes.
type ModesResponse struct {
	Active string     `json:"active,omitempty"`
	Modes  []ModeInfo `json:"modes"`
}

// ModeResponse is returned by POST /modes/{mode}.
type ModeResponse struct {
	// example: art
	Mode string `json:"mode" example:"art"`
	// Models loaded once the switch completed.
	Loaded []string `json:"loaded"`
	// example: 6a0c9a36-9a2d-4fb4-8d0b-5b2f3b7c1f2e
	OperationID string `json:"operation_id" example:"6a0c9a36-9a2d-4fb4-8d0b-5b2f3b7c1f2e"`
}

// LoadResponse is returned by POST /models/{id}/load.
type LoadResponse struct {
	Plan LoadPlan `json:"plan"`
	// Models unloaded to make room, when eviction was requested.
	Evicted []string `json:"evicted,omitempty"`
}

// ProfileResponse is returned by GET /profile.
type ProfileResponse struct {
	Profile HardwareProfile `json:"profile"`
	// Allocator accounting at the time of the snapshot.
	Devices []DeviceStatus `json:"devices"`
}

// AllocationsResponse is returned by GET /allocations.
type AllocationsResponse struct {
	Allocations []Allocation `json:"allocations"`
}
