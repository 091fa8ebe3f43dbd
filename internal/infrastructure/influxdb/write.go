package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// eventMeasurement holds one point per event ingested from a sensor.
const eventMeasurement = "esp_event"

// EventMetric describes an ingested event for the metrics sink.
type EventMetric struct {
	AccountID int64
	DeviceID  int64 // 0 when the event matched no device
	Kind      string
	Severity  string
	SourceIP  string
	At        time.Time
}

// WriteEvent records an event. The write is non-blocking; nothing is
// written while disconnected.
func (c *Client) WriteEvent(m EventMetric) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(eventPoint(m))
}

// eventPoint builds the line-protocol point for an event. Tags stay low
// cardinality; the source address is a field.
func eventPoint(m EventMetric) *write.Point {
	tags := map[string]string{
		"account_id": strconv.FormatInt(m.AccountID, 10),
		"kind":       m.Kind,
		"severity":   m.Severity,
	}
	if m.DeviceID != 0 {
		tags["device_id"] = strconv.FormatInt(m.DeviceID, 10)
	}

	fields := map[string]any{"count": 1}
	if m.SourceIP != "" {
		fields["source_ip"] = m.SourceIP
	}

	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(eventMeasurement, tags, fields, at)
}
