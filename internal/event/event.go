// Package event stores the append-only log of messages received from
// devices: alerts, settings reports, heartbeats and anything else that
// arrives on a bridge topic.
package event

import "time"

// Kind classifies an event by the route that produced it.
type Kind string

// Event kinds.
const (
	KindAlert    Kind = "alert"
	KindSettings Kind = "settings"
	KindAlive    Kind = "alive"
	KindGeneric  Kind = "generic"
)

// Event is a single persisted device message. Events are never updated.
type Event struct {
	ID            string         `json:"id"`
	AccountID     int64          `json:"account_id"`
	DeviceID      int64          `json:"device_id,omitempty"` // 0 when no device was resolved
	Kind          Kind           `json:"kind"`
	Severity      string         `json:"severity"`
	SourceIP      string         `json:"source_ip,omitempty"`
	DestinationIP string         `json:"destination_ip,omitempty"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Filter controls which events List returns.
type Filter struct {
	AccountID int64 // optional
	DeviceID  int64 // optional
	Kind      Kind  // optional
	Limit     int   // default 50, max 500
}
