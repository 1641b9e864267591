package bridge

import "time"

// TelemetryMessage is a feeder's periodic status report.
type TelemetryMessage struct {
	Status          string  `json:"status"`
	FoodLevel       int     `json:"food_level"`
	BatteryLevel    *int    `json:"battery_level,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`

	// Timestamp is when the device took the reading. Zero means "now".
	Timestamp time.Time `json:"timestamp"`
}

// FeedResultMessage reports one dispense attempt.
type FeedResultMessage struct {
	// CommandID is set when the feed was requested by a command.
	CommandID string `json:"command_id,omitempty"`
	Amount    int    `json:"amount"`
	// Type is "manual" or "scheduled".
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
