package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"modelrm/internal/allocator"
	"modelrm/internal/balancer"
	"modelrm/internal/manager"
	"modelrm/internal/registry"
	"modelrm/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// badRequest marks input the handler rejected before reaching the service.
type badRequest struct{ msg string }

func (e badRequest) Error() string   { return e.msg }
func (e badRequest) StatusCode() int { return http.StatusBadRequest }

// statusFor maps service errors onto HTTP status codes. A failed switch is
// checked first because it wraps the per-model causes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case balancer.IsSwitchError(err):
		return http.StatusInternalServerError
	case registry.IsNotFound(err), manager.IsNotLoaded(err), balancer.IsUnknownMode(err):
		return http.StatusNotFound
	case manager.IsInsufficientResources(err):
		return http.StatusUnprocessableEntity
	case allocator.IsOutOfMemory(err):
		return http.StatusServiceUnavailable
	case manager.IsAlreadyLoaded(err), allocator.IsAlreadyReserved(err):
		return http.StatusConflict
	case errors.As(err, &he):
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status and returns that status.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	resp := types.ErrorResponse{Error: err.Error(), Code: status}
	var se *balancer.SwitchError
	if errors.As(err, &se) {
		resp.Unrestored = se.Unrestored
	}
	switch status {
	case http.StatusServiceUnavailable:
		IncrementRejection("out_of_memory")
	case http.StatusUnprocessableEntity:
		IncrementRejection("insufficient_resources")
	}
	writeJSON(w, status, resp)
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
