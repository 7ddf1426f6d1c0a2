package manager

import (
	"errors"
	"fmt"
)

// InsufficientResourcesError means no quantization level of the model fits
// the current headroom. Callers are expected to evict or pick a smaller model.
type InsufficientResourcesError struct {
	ModelID string
	Err     error
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient resources for %s: %v", e.ModelID, e.Err)
}

func (e *InsufficientResourcesError) Unwrap() error { return e.Err }

// IsInsufficientResources reports whether err is an InsufficientResourcesError.
func IsInsufficientResources(err error) bool {
	var ie *InsufficientResourcesError
	return errors.As(err, &ie)
}

// AlreadyLoadedError signals a prepare for a model that is already reserved or active.
type AlreadyLoadedError struct{ ModelID string }

func (e *AlreadyLoadedError) Error() string { return "model already loaded: " + e.ModelID }

// IsAlreadyLoaded reports whether err is an AlreadyLoadedError.
func IsAlreadyLoaded(err error) bool {
	var ae *AlreadyLoadedError
	return errors.As(err, &ae)
}

// NotLoadedError is returned by MarkActive for models with no reservation.
type NotLoadedError struct{ ModelID string }

func (e *NotLoadedError) Error() string { return "model not loaded: " + e.ModelID }

// IsNotLoaded reports whether err is a NotLoadedError.
func IsNotLoaded(err error) bool {
	var ne *NotLoadedError
	return errors.As(err, &ne)
}

// errInvalidQuantization rejects out-of-range preferred levels.
var errInvalidQuantization = errors.New("invalid quantization level")
