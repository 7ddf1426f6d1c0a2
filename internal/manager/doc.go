// Package manager is the façade that turns a model id into a load plan: it
// combines the registry, the hardware profiler, the quantization strategy
// and the allocator, and tracks each model instance through
// unloaded → reserved → active → unloaded. It is structured into small
// files by concern:
//
//   - manager.go: core Manager type, selection, simple getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: instance state types (State, Instance).
//   - errors.go: error types and helpers (IsInsufficientResources, IsAlreadyLoaded, ...).
//   - prepare.go: PrepareModelLoading, the admission path.
//   - lifecycle.go: MarkActive, Touch, CleanupModel, memory pressure.
//   - handlers.go: per-model-type construction hooks, Load/Unload.
//   - evict.go: LRU eviction of active instances to make room on a device.
//   - events.go / eventpub_memory.go: lifecycle events.
//   - metrics.go: prometheus collectors.
//   - status_report.go: Status reporting.
//
// The actual model construction happens outside this package. Callers that
// use PrepareModelLoading directly must call CleanupModel if construction
// fails; Load does that on their behalf.
package manager
