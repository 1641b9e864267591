package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTelemetry = "feeder_telemetry"
	MeasurementFeeding   = "feeder_feedings"
)

// Telemetry is one device status report.
type Telemetry struct {
	DeviceID     string
	Status       string
	FoodLevel    int
	BatteryLevel *int
	Online       bool
	Timestamp    time.Time
}

// Feeding is one completed (or failed) dispense reported by a device.
type Feeding struct {
	DeviceID  string
	Amount    int
	Type      string
	Success   bool
	Timestamp time.Time
}

// WriteTelemetry records a device status report. Non-blocking.
//
// Example:
//
//	client.WriteTelemetry(influxdb.Telemetry{DeviceID: "d-1", Status: "online", FoodLevel: 64, Timestamp: now})
func (c *Client) WriteTelemetry(t Telemetry) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(telemetryPoint(t))
}

// WriteFeeding records a dispense outcome. Non-blocking.
func (c *Client) WriteFeeding(f Feeding) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(feedingPoint(f))
}

func telemetryPoint(t Telemetry) *write.Point {
	fields := map[string]interface{}{
		"food_level": t.FoodLevel,
		"online":     t.Online,
	}
	if t.BatteryLevel != nil {
		fields["battery_level"] = *t.BatteryLevel
	}
	return write.NewPoint(
		MeasurementTelemetry,
		map[string]string{
			"device_id": t.DeviceID,
			"status":    t.Status,
		},
		fields,
		pointTime(t.Timestamp),
	)
}

func feedingPoint(f Feeding) *write.Point {
	return write.NewPoint(
		MeasurementFeeding,
		map[string]string{
			"device_id": f.DeviceID,
			"type":      f.Type,
		},
		map[string]interface{}{
			"amount":  f.Amount,
			"success": f.Success,
		},
		pointTime(f.Timestamp),
	)
}

func pointTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
