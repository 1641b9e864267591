package device

import "time"

// Status is the operating state a feeder reports about itself.
type Status string

// Status values.
const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
)

// AllStatuses returns every valid Status.
func AllStatuses() []Status {
	return []Status{StatusOnline, StatusOffline, StatusMaintenance, StatusError}
}

// Feed amount bounds in grams applied when a device leaves its own unset.
const (
	DefaultMinFeedAmount = 5
	DefaultMaxFeedAmount = 100
)

// WifiConfig is the network configuration the owner pushes to the feeder.
// The hotspot is the feeder's own access point used for first-time setup.
type WifiConfig struct {
	SSID            string `json:"ssid"`
	Password        string `json:"password"`
	HotspotEnabled  bool   `json:"hotspot_enabled"`
	HotspotName     string `json:"hotspot_name"`
	HotspotPassword string `json:"hotspot_password"`
}

// Device is the persisted feeder record.
//
// The row has two writers. The owner sets Name and Wifi; the feeder itself
// sets Status, FoodLevel, BatteryLevel, LastSeen and FirmwareVersion through
// the telemetry bridge. Readers always replace a cached Device whole.
type Device struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`

	Status       Status     `json:"status"`
	FoodLevel    int        `json:"food_level"`
	BatteryLevel *int       `json:"battery_level,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`

	Wifi            WifiConfig `json:"wifi_config"`
	FirmwareVersion *string    `json:"firmware_version,omitempty"`

	// Zero means unset; see FeedBounds.
	MinFeedAmount int `json:"min_feed_amount"`
	MaxFeedAmount int `json:"max_feed_amount"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of d.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.BatteryLevel != nil {
		v := *d.BatteryLevel
		cpy.BatteryLevel = &v
	}
	if d.LastSeen != nil {
		v := *d.LastSeen
		cpy.LastSeen = &v
	}
	if d.FirmwareVersion != nil {
		v := *d.FirmwareVersion
		cpy.FirmwareVersion = &v
	}
	return &cpy
}

// FeedBounds returns the inclusive feed amount range for d, substituting the
// defaults for unset bounds. A nil device gets the defaults.
func (d *Device) FeedBounds() (minAmount, maxAmount int) {
	minAmount, maxAmount = DefaultMinFeedAmount, DefaultMaxFeedAmount
	if d == nil {
		return minAmount, maxAmount
	}
	if d.MinFeedAmount > 0 {
		minAmount = d.MinFeedAmount
	}
	if d.MaxFeedAmount > 0 {
		maxAmount = d.MaxFeedAmount
	}
	return minAmount, maxAmount
}

// Telemetry is one report written by the feeder itself.
type Telemetry struct {
	Status          Status
	FoodLevel       int
	BatteryLevel    *int
	FirmwareVersion *string
	SeenAt          time.Time
}
