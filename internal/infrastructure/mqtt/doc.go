// Package mqtt provides MQTT connectivity for the feeder client core.
//
// The broker carries two kinds of traffic:
//
//	store writers ─ feeder/change/... ─▶ change feed subscribers (feed.Registry)
//	devices ─ feeder/device/{id}/... ─▶ telemetry bridge
//
// This package manages connection with auto-reconnect, publishing and
// subscribing with acknowledgement waits bounded by a context, restoration of
// subscriptions after reconnect, a Last Will presence topic, and panic
// recovery around message handlers.
//
// TLS should be enabled for any broker reachable beyond localhost.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(ctx, mqtt.Topics{}.AllDeviceTelemetry(), 1,
//	    func(topic string, payload []byte) error {
//	        deviceID, _, _ := mqtt.ParseDeviceTopic(topic)
//	        log.Printf("telemetry from %s: %s", deviceID, payload)
//	        return nil
//	    })
package mqtt
