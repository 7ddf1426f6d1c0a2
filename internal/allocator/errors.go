package allocator

import (
	"errors"
	"fmt"

	units "github.com/docker/go-units"
)

// OutOfMemoryError is returned when a reservation exceeds a device's headroom.
// It is retryable once something on the device is released.
type OutOfMemoryError struct {
	ModelID   string
	Device    string
	Requested int64
	Available int64
	Shortfall int64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory on %s for %s: requested %s, available %s, short %s",
		e.Device, e.ModelID,
		units.BytesSize(float64(e.Requested)),
		units.BytesSize(float64(e.Available)),
		units.BytesSize(float64(e.Shortfall)))
}

// IsOutOfMemory reports whether err is an OutOfMemoryError.
func IsOutOfMemory(err error) bool {
	var oe *OutOfMemoryError
	return errors.As(err, &oe)
}

// AlreadyReservedError reports a second reserve for the same model and device
// without a release in between. It indicates a bookkeeping bug in the caller.
type AlreadyReservedError struct {
	ModelID string
	Device  string
}

func (e *AlreadyReservedError) Error() string {
	return fmt.Sprintf("model %s already holds a reservation on %s", e.ModelID, e.Device)
}

// IsAlreadyReserved reports whether err is an AlreadyReservedError.
func IsAlreadyReserved(err error) bool {
	var ae *AlreadyReservedError
	return errors.As(err, &ae)
}

// UnknownDeviceError is returned for devices absent from the baseline profile.
type UnknownDeviceError struct{ Device string }

func (e *UnknownDeviceError) Error() string { return "unknown device: " + e.Device }

// IsUnknownDevice reports whether err is an UnknownDeviceError.
func IsUnknownDevice(err error) bool {
	var ue *UnknownDeviceError
	return errors.As(err, &ue)
}
