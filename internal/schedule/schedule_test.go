package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

func TestDaysMask(t *testing.T) {
	tests := []struct {
		name string
		days Days
		mask string
	}{
		{"every day", EveryDay, "1111111"},
		{"none", Days{}, "0000000"},
		{"weekdays", Days{false, true, true, true, true, true, false}, "0111110"},
		{"sunday only", Days{true}, "1000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.days.Mask(); got != tt.mask {
				t.Errorf("Mask() = %q, want %q", got, tt.mask)
			}
			got, err := ParseMask(tt.mask)
			if err != nil {
				t.Fatalf("ParseMask(%q) error = %v", tt.mask, err)
			}
			if got != tt.days {
				t.Errorf("ParseMask(%q) = %v, want %v", tt.mask, got, tt.days)
			}
		})
	}
}

func TestParseMask_Invalid(t *testing.T) {
	for _, mask := range []string{"", "111111", "11111111", "1111x11"} {
		if _, err := ParseMask(mask); err == nil {
			t.Errorf("ParseMask(%q) error = nil, want error", mask)
		}
	}
}

func TestValidateTime(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"00:00", true},
		{"08:30", true},
		{"23:59", true},
		{"24:00", false},
		{"8:30", false},
		{"08:60", false},
		{"0830", false},
		{"", false},
		{"08:30:00", false},
	}
	for _, tt := range tests {
		err := ValidateTime(tt.in)
		if tt.valid && err != nil {
			t.Errorf("ValidateTime(%q) error = %v", tt.in, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidTime) {
			t.Errorf("ValidateTime(%q) error = %v, want ErrInvalidTime", tt.in, err)
		}
	}
}

func TestDraftValidate(t *testing.T) {
	if err := (Draft{Time: "07:00", Days: EveryDay, Amount: 20}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	err := (Draft{Time: "07:00", Amount: 20}).Validate()
	if !errors.Is(err, ErrNoDays) || !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Validate() error = %v, want ErrNoDays", err)
	}
	if err := (Draft{Time: "7am", Days: EveryDay}).Validate(); !errors.Is(err, ErrInvalidTime) {
		t.Errorf("Validate() error = %v, want ErrInvalidTime", err)
	}
}

func TestScheduleNext(t *testing.T) {
	// 2026-03-04 is a Wednesday.
	from := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		s      Schedule
		want   time.Time
		wantOK bool
	}{
		{
			name:   "later today",
			s:      Schedule{Time: "18:00", Days: EveryDay, Enabled: true},
			want:   time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "exactly now",
			s:      Schedule{Time: "09:00", Days: EveryDay, Enabled: true},
			want:   from,
			wantOK: true,
		},
		{
			name:   "passed today rolls to tomorrow",
			s:      Schedule{Time: "07:00", Days: EveryDay, Enabled: true},
			want:   time.Date(2026, 3, 5, 7, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "sunday only",
			s:      Schedule{Time: "07:00", Days: Days{true}, Enabled: true},
			want:   time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "wednesday only, passed, next week",
			s:      Schedule{Time: "07:00", Days: Days{3: true}, Enabled: true},
			want:   time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name: "disabled",
			s:    Schedule{Time: "18:00", Days: EveryDay},
		},
		{
			name: "no days",
			s:    Schedule{Time: "18:00", Enabled: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.s.Next(from)
			if ok != tt.wantOK || !got.Equal(tt.want) {
				t.Errorf("Next() = %v, %v; want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
