package store

import "errors"

var (
	// ErrDeviceNotFound is returned when the requested device does not exist.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrServiceNotFound is returned when the requested service is not bound to the device.
	ErrServiceNotFound = errors.New("service not found")

	// ErrInvalidDevice is returned when a device record does not meet the validation rules.
	ErrInvalidDevice = errors.New("invalid device")

	// ErrInvalidService is returned when a service record does not meet the validation rules.
	ErrInvalidService = errors.New("invalid service")

	// ErrInvalidAddress is returned when an address is malformed or not one of the device's candidates.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrStaleCycle is returned when reachability results belong to a superseded poll cycle.
	ErrStaleCycle = errors.New("stale poll cycle")
)
