package device

import (
	"fmt"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

// Domain errors for the device package. Each wraps an apperr kind:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // provision a default device
//	}
var (
	// ErrDeviceNotFound is returned when no device matches the lookup.
	ErrDeviceNotFound = fmt.Errorf("device: %w", apperr.ErrNotFound)

	// ErrDeviceExists is returned when creating a device whose ID is taken.
	ErrDeviceExists = fmt.Errorf("device: %w: already exists", apperr.ErrValidation)

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = apperr.Sentinel(apperr.ErrValidation, "Device name must be between 1 and 64 characters.")

	// ErrInvalidSSID is returned for a network name longer than 32 bytes.
	ErrInvalidSSID = apperr.Sentinel(apperr.ErrValidation, "Wi-Fi network name must be at most 32 characters.")

	// ErrInvalidWifiPassword is returned for a Wi-Fi password outside 8 to 63 characters.
	ErrInvalidWifiPassword = apperr.Sentinel(apperr.ErrValidation, "Wi-Fi password must be between 8 and 63 characters.")

	// ErrInvalidHotspot is returned when an enabled hotspot lacks a usable name or password.
	ErrInvalidHotspot = apperr.Sentinel(apperr.ErrValidation, "Hotspot needs a name and a password of 8 to 63 characters.")

	// ErrInvalidTelemetry is returned for out-of-range device reports.
	ErrInvalidTelemetry = apperr.Sentinel(apperr.ErrValidation, "Device reported invalid telemetry.")
)
