// Package influxdb writes feeder telemetry history to InfluxDB v2.
//
// The telemetry bridge mirrors every device status report and feed result
// here when influxdb.enabled is true. Nothing in the client core reads these
// points back: they feed dashboards outside this module.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteTelemetry(influxdb.Telemetry{DeviceID: "d-1", Status: "online", FoodLevel: 64})
package influxdb
