// Package bridge ingests what feeders report over MQTT and writes it to the
// store on their behalf.
//
// Topics:
//
//	feeder/device/{device_id}/telemetry    TelemetryMessage
//	feeder/device/{device_id}/feed_result  FeedResultMessage
//
// Telemetry replaces the device-written fields of the device row. A feed
// result appends a feeding event and, when it names a command, settles that
// command as acked or failed. Both are mirrored to InfluxDB when a sink is
// configured. Every store write goes out on the change feed as usual, so
// clients see device updates through their normal subscriptions.
package bridge
