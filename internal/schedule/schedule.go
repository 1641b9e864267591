// Package schedule stores recurring feed times for a device.
//
// Schedules are independent: several may share a time and each is enabled
// on its own. Nothing orders them or detects conflicts.
package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

// Days marks the weekdays a schedule runs on, Sunday first. The array type
// keeps the length at seven.
type Days [7]bool

// EveryDay runs on all seven days.
var EveryDay = Days{true, true, true, true, true, true, true}

// On reports whether d includes wd.
func (d Days) On(wd time.Weekday) bool {
	return d[int(wd)]
}

// Any reports whether at least one day is set.
func (d Days) Any() bool {
	for _, on := range d {
		if on {
			return true
		}
	}
	return false
}

// Mask encodes d as seven '1'/'0' characters, Sunday first.
func (d Days) Mask() string {
	var b strings.Builder
	for _, on := range d {
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// ParseMask decodes a Mask string.
func ParseMask(s string) (Days, error) {
	var d Days
	if len(s) != len(d) {
		return d, fmt.Errorf("days mask %q: want %d characters", s, len(d))
	}
	for i := range d {
		switch s[i] {
		case '1':
			d[i] = true
		case '0':
		default:
			return Days{}, fmt.Errorf("days mask %q: invalid character %q", s, s[i])
		}
	}
	return d, nil
}

// Schedule is one recurring feed.
type Schedule struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	// Time is the local feed time, HH:MM in 24 hour form.
	Time      string    `json:"time"`
	Days      Days      `json:"days"`
	Amount    int       `json:"amount"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Draft is the user-editable part of a Schedule.
type Draft struct {
	Time    string `json:"time"`
	Days    Days   `json:"days"`
	Amount  int    `json:"amount"`
	Enabled bool   `json:"enabled"`
}

// Errors.
var (
	ErrScheduleNotFound = fmt.Errorf("schedule: %w", apperr.ErrNotFound)
	ErrInvalidTime      = apperr.Sentinel(apperr.ErrValidation, "Schedule time must be HH:MM (24 hour).")
	ErrNoDays           = apperr.Sentinel(apperr.ErrValidation, "Pick at least one day for the schedule.")
)

var timePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidateTime checks an HH:MM string.
func ValidateTime(s string) error {
	if !timePattern.MatchString(s) {
		return ErrInvalidTime
	}
	return nil
}

// Validate checks the draft's time and days. The amount is checked against
// the device's bounds by the caller.
func (d Draft) Validate() error {
	if err := ValidateTime(d.Time); err != nil {
		return err
	}
	if !d.Days.Any() {
		return ErrNoDays
	}
	return nil
}

// Next returns the first run at or after from, in from's location, or false
// if the schedule is disabled or runs on no day.
func (s Schedule) Next(from time.Time) (time.Time, bool) {
	if !s.Enabled || !s.Days.Any() {
		return time.Time{}, false
	}
	clock, err := time.Parse("15:04", s.Time)
	if err != nil {
		return time.Time{}, false
	}
	for i := 0; i <= 7; i++ {
		day := from.AddDate(0, 0, i)
		at := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, from.Location())
		if s.Days.On(at.Weekday()) && !at.Before(from) {
			return at, true
		}
	}
	return time.Time{}, false
}
