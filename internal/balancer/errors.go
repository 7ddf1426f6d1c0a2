package balancer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SwitchError reports models that could not be brought up after the
// outgoing set was already unloaded. The system is left with whatever did
// load; callers retry or fall back explicitly.
type SwitchError struct {
	Mode       string
	Unrestored []string
	Causes     map[string]error
}

func (e *SwitchError) Error() string {
	parts := make([]string, 0, len(e.Unrestored))
	for _, id := range e.Unrestored {
		if c := e.Causes[id]; c != nil {
			parts = append(parts, fmt.Sprintf("%s (%v)", id, c))
		} else {
			parts = append(parts, id)
		}
	}
	return fmt.Sprintf("switch to %s: could not load %s", e.Mode, strings.Join(parts, ", "))
}

// Unwrap exposes the per-model causes to errors.Is/As.
func (e *SwitchError) Unwrap() []error {
	ids := make([]string, 0, len(e.Causes))
	for id := range e.Causes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]error, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.Causes[id])
	}
	return out
}

// IsSwitchError reports whether err is a SwitchError.
func IsSwitchError(err error) bool {
	var se *SwitchError
	return errors.As(err, &se)
}

// UnknownModeError is returned for mode names that are not configured.
type UnknownModeError struct{ Mode string }

func (e *UnknownModeError) Error() string { return "unknown mode: " + e.Mode }

// IsUnknownMode reports whether err is an UnknownModeError.
func IsUnknownMode(err error) bool {
	var ue *UnknownModeError
	return errors.As(err, &ue)
}
