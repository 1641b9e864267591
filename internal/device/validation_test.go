package device

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "Kitchen", false},
		{"max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"too long", strings.Repeat("a", 65), true},
		{"multibyte counts runes", strings.Repeat("é", 64), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("error kind = %v, want validation", err)
			}
		})
	}
}

func TestValidateWifiConfig(t *testing.T) {
	valid := WifiConfig{SSID: "home", Password: "password1", HotspotEnabled: true, HotspotName: "PetFeeder-abcde", HotspotPassword: "12345678"}

	tests := []struct {
		name   string
		mutate func(*WifiConfig)
		want   error
	}{
		{"valid", func(*WifiConfig) {}, nil},
		{"no network configured", func(c *WifiConfig) { c.SSID, c.Password = "", "" }, nil},
		{"open network", func(c *WifiConfig) { c.Password = "" }, nil},
		{"ssid too long", func(c *WifiConfig) { c.SSID = strings.Repeat("s", 33) }, ErrInvalidSSID},
		{"password too short", func(c *WifiConfig) { c.Password = "short" }, ErrInvalidWifiPassword},
		{"password too long", func(c *WifiConfig) { c.Password = strings.Repeat("p", 64) }, ErrInvalidWifiPassword},
		{"hotspot without name", func(c *WifiConfig) { c.HotspotName = "" }, ErrInvalidHotspot},
		{"hotspot short password", func(c *WifiConfig) { c.HotspotPassword = "1234" }, ErrInvalidHotspot},
		{"hotspot disabled ignores hotspot fields", func(c *WifiConfig) { c.HotspotEnabled, c.HotspotName = false, "" }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := ValidateWifiConfig(cfg)
			if tt.want == nil && err != nil {
				t.Fatalf("ValidateWifiConfig() error = %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("ValidateWifiConfig() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateTelemetry(t *testing.T) {
	bad := 101
	tests := []struct {
		name    string
		tel     Telemetry
		wantErr bool
	}{
		{"valid", Telemetry{Status: StatusOnline, FoodLevel: 50}, false},
		{"unknown status", Telemetry{Status: "sleeping"}, true},
		{"food over 100", Telemetry{Status: StatusOnline, FoodLevel: 101}, true},
		{"negative food", Telemetry{Status: StatusOnline, FoodLevel: -1}, true},
		{"battery over 100", Telemetry{Status: StatusOnline, BatteryLevel: &bad}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTelemetry(tt.tel)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTelemetry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewDefault(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	d, err := NewDefault("abc", now)
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	if d.Wifi.HotspotName != "PetFeeder-abc" {
		t.Errorf("short owner hotspot name = %q", d.Wifi.HotspotName)
	}
	if err := ValidateWifiConfig(d.Wifi); err != nil {
		t.Errorf("default wifi config invalid: %v", err)
	}
	if err := ValidateName(d.Name); err != nil {
		t.Errorf("default name invalid: %v", err)
	}

	other, err := NewDefault("abc", now)
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	if other.ID == d.ID || other.Wifi.HotspotPassword == d.Wifi.HotspotPassword {
		t.Error("defaults should get fresh IDs and passwords")
	}
}

func TestFeedBounds(t *testing.T) {
	var nilDevice *Device
	if lo, hi := nilDevice.FeedBounds(); lo != DefaultMinFeedAmount || hi != DefaultMaxFeedAmount {
		t.Errorf("nil device bounds = %d..%d", lo, hi)
	}
	if lo, hi := (&Device{MinFeedAmount: 10}).FeedBounds(); lo != 10 || hi != DefaultMaxFeedAmount {
		t.Errorf("partial bounds = %d..%d", lo, hi)
	}
	if lo, hi := (&Device{MinFeedAmount: 10, MaxFeedAmount: 40}).FeedBounds(); lo != 10 || hi != 40 {
		t.Errorf("device bounds = %d..%d", lo, hi)
	}
}
