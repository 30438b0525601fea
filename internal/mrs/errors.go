package mrs

import "errors"

// Domain errors for the mrs package.
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("mrs: device not found")

	// ErrAisleNotFound is returned when an aisle ID does not exist.
	ErrAisleNotFound = errors.New("mrs: aisle not found")

	// ErrLocationNotFound is returned when a location code is not provisioned.
	ErrLocationNotFound = errors.New("mrs: location not found")

	// ErrInvalidProvisioning is returned when a seed file is inconsistent.
	ErrInvalidProvisioning = errors.New("mrs: invalid provisioning")
)
