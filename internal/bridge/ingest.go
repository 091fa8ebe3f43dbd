package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/espbridge/internal/blocklist"
	"github.com/nerrad567/espbridge/internal/device"
	"github.com/nerrad567/espbridge/internal/event"
	"github.com/nerrad567/espbridge/internal/infrastructure/influxdb"
)

// handleAlert stores an intrusion alert and, when the account allows it,
// blocks the alert's source address.
func (e *Engine) handleAlert(ctx context.Context, topic string, payload map[string]any) error {
	id := identify(payload)
	dev, err := e.resolveOrCreate(ctx, id, true)
	if err != nil {
		return err
	}

	acct := e.accountSettings(ctx, dev.AccountID)
	now := e.now().UTC()
	at, ok := eventTime(payload, e.location(acct))
	if !ok {
		at = now
	}

	if err := e.touch(ctx, dev, id, now, true); err != nil {
		return err
	}

	enriched := enrich(payload, topic, "System Alert")
	if _, has := enriched["description"]; !has {
		if msg, ok := enriched["alert_msg"]; ok {
			enriched["description"] = msg
		}
	}

	severity, _ := lookup(payload, severityKeys)
	ev := &event.Event{
		AccountID:     dev.AccountID,
		DeviceID:      dev.ID,
		Kind:          event.KindAlert,
		Severity:      orDefault(severity, "high"),
		SourceIP:      deriveIP(payload, "source"),
		DestinationIP: deriveIP(payload, "destination"),
		Payload:       enriched,
		CreatedAt:     at,
	}
	if err := e.appendEvent(ctx, ev, dev); err != nil {
		return err
	}

	if ev.SourceIP != "" && acct.AutoBlockEnabled {
		e.autoBlock(ctx, dev, ev.SourceIP, enriched)
	}
	return nil
}

// autoBlock adds ip to the account blocklist and queues it for the device.
func (e *Engine) autoBlock(ctx context.Context, dev *device.Device, ip string, payload map[string]any) {
	reason := coerceString(payload["alert_msg"])
	if reason == "" {
		reason = coerceString(payload["type"])
	}
	if reason == "" {
		reason = "Auto-blocked from alert"
	}

	created, err := e.blocklist.Create(ctx, blocklist.Entry{
		AccountID: dev.AccountID,
		IP:        ip,
		Reason:    reason,
	})
	if err != nil {
		e.logger.Warn("auto-block failed", "ip", ip, "account_id", dev.AccountID, "error", err)
	} else if created {
		e.logger.Info("ip auto-blocked", "ip", ip, "account_id", dev.AccountID, "device_id", dev.ID)
	}

	e.QueueBlock(ctx, dev, ip)
}

// handleAlive records a heartbeat and the device's reported liveness.
func (e *Engine) handleAlive(ctx context.Context, topic string, payload map[string]any) error {
	id := identify(payload)
	dev, err := e.resolveOrCreate(ctx, id, true)
	if err != nil {
		return err
	}

	active := true
	for _, k := range livenessKeys {
		v, ok := payload[k]
		if !ok {
			continue
		}
		if parsed, known := parseLiveness(v); known {
			active = parsed
		}
		break
	}

	now := e.now().UTC()
	if err := e.touch(ctx, dev, id, now, active); err != nil {
		return err
	}

	severity, _ := lookup(payload, severityKeys)
	ev := &event.Event{
		AccountID: dev.AccountID,
		DeviceID:  dev.ID,
		Kind:      event.KindAlive,
		Severity:  orDefault(severity, "info"),
		Payload:   enrich(payload, topic, "Heartbeat"),
		CreatedAt: now,
	}
	if err := e.appendEvent(ctx, ev, dev); err != nil {
		return err
	}

	e.notify(ChannelDeviceUpdated, map[string]any{
		"device_id": dev.ID,
		"is_active": dev.Active,
	})
	return nil
}

// handleGeneric stores any other sensor message. A device is created only
// when the message identifies one; otherwise the event has no device.
func (e *Engine) handleGeneric(ctx context.Context, topic string, payload map[string]any) error {
	id := identify(payload)
	now := e.now().UTC()

	dev, err := e.resolveOrCreate(ctx, id, id.present())
	switch {
	case err == nil:
		if err := e.touch(ctx, dev, id, now, true); err != nil {
			return err
		}
	case errors.Is(err, ErrNoDevice):
		dev = nil
	default:
		return err
	}

	acctID := e.cfg.AccountID
	if dev != nil {
		acctID = dev.AccountID
	}
	acct := e.accountSettings(ctx, acctID)
	at, ok := eventTime(payload, e.location(acct))
	if !ok {
		at = now
	}

	severity, _ := lookup(payload, severityKeys)
	ev := &event.Event{
		AccountID:     acctID,
		Kind:          event.KindGeneric,
		Severity:      orDefault(severity, "info"),
		SourceIP:      deriveIP(payload, "source"),
		DestinationIP: deriveIP(payload, "destination"),
		Payload:       enrich(payload, topic, "MQTT Event"),
		CreatedAt:     at,
	}
	if dev != nil {
		ev.DeviceID = dev.ID
	}
	return e.appendEvent(ctx, ev, dev)
}

// recordEvent appends an event for dev with no addresses.
func (e *Engine) recordEvent(ctx context.Context, dev *device.Device, kind event.Kind, severity string, payload map[string]any, at time.Time) error {
	return e.appendEvent(ctx, &event.Event{
		AccountID: dev.AccountID,
		DeviceID:  dev.ID,
		Kind:      kind,
		Severity:  severity,
		Payload:   payload,
		CreatedAt: at,
	}, dev)
}

// appendEvent persists ev, records its metric and notifies operators.
func (e *Engine) appendEvent(ctx context.Context, ev *event.Event, dev *device.Device) error {
	if err := e.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("appending %s event: %w", ev.Kind, err)
	}

	if e.metrics != nil {
		e.metrics.WriteEvent(influxdb.EventMetric{
			AccountID: ev.AccountID,
			DeviceID:  ev.DeviceID,
			Kind:      string(ev.Kind),
			Severity:  ev.Severity,
			SourceIP:  ev.SourceIP,
			At:        ev.CreatedAt,
		})
	}

	note := map[string]any{
		"id":         ev.ID,
		"device_id":  ev.DeviceID,
		"kind":       ev.Kind,
		"severity":   ev.Severity,
		"payload":    ev.Payload,
		"created_at": ev.CreatedAt.Format(time.RFC3339),
	}
	if dev != nil {
		note["device"] = dev.Name
	}
	e.notify(ChannelEventCreated, note)
	return nil
}

// enrich copies payload and adds the topic it arrived on and a default type.
func enrich(payload map[string]any, topic, defaultType string) map[string]any {
	out := clonePayload(payload)
	setDefault(out, "_mqtt_topic", topic)
	if defaultType != "" {
		setDefault(out, "type", defaultType)
	}
	return out
}

func setDefault(p map[string]any, key string, value any) {
	if _, ok := p[key]; !ok {
		p[key] = value
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
