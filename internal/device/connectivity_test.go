package device

import (
	"testing"
	"time"
)

func TestIsOnline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name   string
		device *Device
		want   bool
	}{
		{"nil device", nil, false},
		{"online seen 1m ago", &Device{Status: StatusOnline, LastSeen: ago(time.Minute)}, true},
		{"online seen 10m ago", &Device{Status: StatusOnline, LastSeen: ago(10 * time.Minute)}, false},
		{"online exactly at threshold", &Device{Status: StatusOnline, LastSeen: ago(StalenessThreshold)}, false},
		{"online never seen", &Device{Status: StatusOnline}, false},
		{"offline seen just now", &Device{Status: StatusOffline, LastSeen: ago(0)}, false},
		{"maintenance seen just now", &Device{Status: StatusMaintenance, LastSeen: ago(0)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOnline(tt.device, now); got != tt.want {
				t.Errorf("IsOnline() = %v, want %v", got, tt.want)
			}
		})
	}
}
