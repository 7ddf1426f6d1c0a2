package manager

import (
	"time"

	"modelrm/pkg/types"
)

// State is the lifecycle state of a model instance as the manager sees it.
type State string

const (
	StateUnloaded State = "unloaded"
	// StateReserved: memory is booked, construction not yet confirmed.
	StateReserved State = "reserved"
	StateActive   State = "active"
)

// Instance is the manager's record of one model (one per model id).
type Instance struct {
	ModelID  string
	State    State
	Plan     types.LoadPlan
	LastUsed time.Time
}

// Device returns the device the instance's memory is booked on.
func (i Instance) Device() string { return i.Plan.Allocation.Device }
