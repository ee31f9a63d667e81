package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrOwnershipConflict is returned when enrolling a device ID that
	// is already registered to a different user.
	ErrOwnershipConflict = errors.New("device: already enrolled to another user")

	// ErrOwnershipMismatch is returned when a user operates on a device
	// they do not own.
	ErrOwnershipMismatch = errors.New("device: not owned by user")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")
)
