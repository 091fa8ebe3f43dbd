// Package influxdb exports bridge event counts to InfluxDB v2.
//
// Every alert, settings report, heartbeat and generic message the bridge
// stores is also written as one point of the esp_event measurement, tagged
// by account, device, kind and severity:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics are optional
//	}
//	client.WriteEvent(influxdb.EventMetric{AccountID: 1, DeviceID: 7, Kind: "alert", Severity: "high"})
//
// Writes are batched per batch_size and flush_interval and never block the
// caller.
package influxdb
