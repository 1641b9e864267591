package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every feeder topic.
const TopicPrefix = "feeder"

// Topics provides builders for feeder MQTT topics.
//
// Hierarchy:
//
//	feeder/change/{collection}/{field}/{value}   committed row changes (change feed)
//	feeder/device/{device_id}/telemetry          device status reports
//	feeder/device/{device_id}/feed_result        device feed outcomes
//	feeder/client/{client_id}/status             retained client presence
type Topics struct{}

// Change returns the change feed topic for rows of collection whose field equals value.
//
// Example: feeder/change/devices/owner_id/7f3c...
func (Topics) Change(collection, field, value string) string {
	return fmt.Sprintf("%s/change/%s/%s/%s", TopicPrefix, collection, field, value)
}

// DeviceTelemetry returns the topic a device reports its status on.
func (Topics) DeviceTelemetry(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/telemetry", TopicPrefix, deviceID)
}

// DeviceFeedResult returns the topic a device reports completed feeds on.
func (Topics) DeviceFeedResult(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/feed_result", TopicPrefix, deviceID)
}

// ClientStatus returns the retained presence topic of a client.
func (Topics) ClientStatus(clientID string) string {
	return fmt.Sprintf("%s/client/%s/status", TopicPrefix, clientID)
}

// AllDeviceTelemetry matches telemetry from every device.
func (Topics) AllDeviceTelemetry() string {
	return TopicPrefix + "/device/+/telemetry"
}

// AllDeviceFeedResults matches feed results from every device.
func (Topics) AllDeviceFeedResults() string {
	return TopicPrefix + "/device/+/feed_result"
}

// Device topic kinds returned by ParseDeviceTopic.
const (
	DeviceTopicTelemetry  = "telemetry"
	DeviceTopicFeedResult = "feed_result"
)

// ParseDeviceTopic splits feeder/device/{id}/{kind}. ok is false for any
// other shape.
func ParseDeviceTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "device" || parts[2] == "" {
		return "", "", false
	}
	switch parts[3] {
	case DeviceTopicTelemetry, DeviceTopicFeedResult:
		return parts[2], parts[3], true
	default:
		return "", "", false
	}
}

// ValidateSegment rejects values that would change a topic's shape when
// interpolated: empty strings, separators and wildcards.
func ValidateSegment(s string) error {
	if s == "" || strings.ContainsAny(s, "/+#") {
		return fmt.Errorf("%w: segment %q", ErrInvalidTopic, s)
	}
	return nil
}
