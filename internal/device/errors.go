package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when a device's esp_id is already taken.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when a device is missing required fields.
	ErrInvalidDevice = errors.New("device: invalid")
)
