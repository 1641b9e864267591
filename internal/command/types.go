package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

// Type identifies what a command asks the device to do.
type Type string

// TypeFeed dispenses FeedParams.Amount grams.
const TypeFeed Type = "feed"

// Status is the device-side lifecycle of a command.
type Status string

// Status values. The client only ever creates StatusPending.
const (
	StatusPending Status = "pending"
	StatusAcked   Status = "acked"
	StatusFailed  Status = "failed"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusAcked, StatusFailed:
		return true
	}
	return false
}

// Command is a persisted intent for a device.
type Command struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	OwnerID   string          `json:"owner_id"`
	Type      Type            `json:"type"`
	Params    json.RawMessage `json:"params"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FeedParams are the parameters of a TypeFeed command.
type FeedParams struct {
	Amount int `json:"amount"`
}

// FeedAmount decodes the amount of a feed command.
func (c *Command) FeedAmount() (int, error) {
	if c.Type != TypeFeed {
		return 0, fmt.Errorf("command %s is %q, not a feed", c.ID, c.Type)
	}
	var p FeedParams
	if err := json.Unmarshal(c.Params, &p); err != nil {
		return 0, fmt.Errorf("decoding feed params: %w", err)
	}
	return p.Amount, nil
}

// Errors.
var (
	ErrCommandNotFound   = fmt.Errorf("command: %w", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("command: status already settled: %w", apperr.ErrValidation)
	ErrInvalidStatus     = apperr.Sentinel(apperr.ErrValidation, "Unknown command status.")
	ErrInvalidAmount     = apperr.Sentinel(apperr.ErrValidation, "Feed amount is out of range.")
	ErrNoDevice          = fmt.Errorf("no device loaded: %w", apperr.ErrNotFound)
)

// AmountError reports a feed amount outside the device's bounds.
type AmountError struct {
	Amount, Min, Max int
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("feed amount %d outside [%d, %d]", e.Amount, e.Min, e.Max)
}

// Unwrap makes AmountError match ErrInvalidAmount and apperr.ErrValidation.
func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

// UserMessage names the bounds the user has to stay within.
func (e *AmountError) UserMessage() string {
	return fmt.Sprintf("Feed amount must be between %d and %d grams.", e.Min, e.Max)
}

// CheckAmount validates amount against inclusive bounds.
func CheckAmount(amount, minAmount, maxAmount int) error {
	if amount < minAmount || amount > maxAmount {
		return &AmountError{Amount: amount, Min: minAmount, Max: maxAmount}
	}
	return nil
}
