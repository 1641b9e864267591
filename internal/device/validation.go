package device

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Validation limits.
const (
	maxNameLength       = 64
	maxSSIDBytes        = 32
	minWifiPasswordLen  = 8
	maxWifiPasswordLen  = 63
	maxHotspotNameBytes = 32
)

// Default provisioning values.
const (
	DefaultName = "My Pet Feeder"

	// HotspotPrefix starts every provisioned hotspot name; the first
	// hotspotOwnerChars of the owner ID follow it.
	HotspotPrefix     = "PetFeeder-"
	hotspotOwnerChars = 5

	HotspotPasswordLength = 12
	hotspotAlphabet       = "abcdefghjkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var validStatuses map[Status]struct{}

func init() {
	validStatuses = make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		validStatuses[s] = struct{}{}
	}
}

// ValidStatus reports whether s is a known Status.
func ValidStatus(s Status) bool {
	_, ok := validStatuses[s]
	return ok
}

// ValidateName checks a device name after trimming.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 || n > maxNameLength {
		return ErrInvalidName
	}
	return nil
}

// ValidateWifiConfig checks the network and hotspot settings.
// An empty SSID means no network is configured; a network with an empty
// password is an open network.
func ValidateWifiConfig(cfg WifiConfig) error {
	if len(cfg.SSID) > maxSSIDBytes {
		return ErrInvalidSSID
	}
	if cfg.Password != "" && !validPasswordLength(cfg.Password) {
		return ErrInvalidWifiPassword
	}
	if cfg.HotspotEnabled {
		if cfg.HotspotName == "" || len(cfg.HotspotName) > maxHotspotNameBytes {
			return ErrInvalidHotspot
		}
		if !validPasswordLength(cfg.HotspotPassword) {
			return ErrInvalidHotspot
		}
	}
	return nil
}

func validPasswordLength(p string) bool {
	n := utf8.RuneCountInString(p)
	return n >= minWifiPasswordLen && n <= maxWifiPasswordLen
}

// ValidateTelemetry checks a device report.
func ValidateTelemetry(t Telemetry) error {
	if !ValidStatus(t.Status) {
		return fmt.Errorf("%w: status %q", ErrInvalidTelemetry, t.Status)
	}
	if t.FoodLevel < 0 || t.FoodLevel > 100 {
		return fmt.Errorf("%w: food level %d", ErrInvalidTelemetry, t.FoodLevel)
	}
	if t.BatteryLevel != nil && (*t.BatteryLevel < 0 || *t.BatteryLevel > 100) {
		return fmt.Errorf("%w: battery level %d", ErrInvalidTelemetry, *t.BatteryLevel)
	}
	return nil
}

// HotspotName returns the provisioned hotspot name for an owner.
func HotspotName(ownerID string) string {
	short := ownerID
	if len(short) > hotspotOwnerChars {
		short = short[:hotspotOwnerChars]
	}
	return HotspotPrefix + short
}

// NewDefault synthesises the device provisioned for an owner who has none.
func NewDefault(ownerID string, now time.Time) (*Device, error) {
	password, err := randomPassword(HotspotPasswordLength)
	if err != nil {
		return nil, fmt.Errorf("generating hotspot password: %w", err)
	}
	now = now.UTC()
	return &Device{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    DefaultName,
		Status:  StatusOffline,
		Wifi: WifiConfig{
			HotspotEnabled:  true,
			HotspotName:     HotspotName(ownerID),
			HotspotPassword: password,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func randomPassword(n int) (string, error) {
	limit := big.NewInt(int64(len(hotspotAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for j := 0; j < n; j++ {
		i, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(hotspotAlphabet[i.Int64()])
	}
	return b.String(), nil
}
