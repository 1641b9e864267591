// Package history keeps the append-only feeding log and infers feed
// completion from it.
//
// A FeedingEvent is written on the device's behalf when food is actually
// dispensed (or fails to be). It is the only signal that a queued feed
// command finished.
package history

import (
	"fmt"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

// Type says what triggered a feeding.
type Type string

// Types.
const (
	TypeManual    Type = "manual"
	TypeScheduled Type = "scheduled"
)

// Event is one feeding.
type Event struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	// CommandID links a manual feed to the command that asked for it.
	CommandID *string   `json:"command_id,omitempty"`
	Amount    int       `json:"amount"`
	Type      Type      `json:"type"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats summarises a device's feedings over a period.
type Stats struct {
	Count     int `json:"count"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	// TotalAmount counts successful feedings only.
	TotalAmount int        `json:"total_amount"`
	Last        *time.Time `json:"last,omitempty"`
}

// ErrInvalidEvent is returned by Append for malformed events.
var ErrInvalidEvent = fmt.Errorf("feeding event: %w", apperr.ErrValidation)

// Validate checks the fields the store cannot default.
func (e *Event) Validate() error {
	if e.DeviceID == "" {
		return fmt.Errorf("%w: device id required", ErrInvalidEvent)
	}
	if e.Amount < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	}
	if e.Type != TypeManual && e.Type != TypeScheduled {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}
