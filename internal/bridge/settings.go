package bridge

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/nerrad567/espbridge/internal/device"
	"github.com/nerrad567/espbridge/internal/event"
	"github.com/nerrad567/espbridge/internal/infrastructure/config"
)

// settingsEntry is the last settings report from a device, without the
// framing fields the bridge adds.
type settingsEntry struct {
	payload    map[string]any
	token      string
	accountID  int64
	receivedAt time.Time
}

// handleSettings records a settings report and pushes any queued blocklist
// or whitelist changes back to the devices.
func (e *Engine) handleSettings(ctx context.Context, topic string, payload map[string]any) error {
	id := identify(payload)
	dev, err := e.resolveOrCreate(ctx, id, true)
	if err != nil {
		return err
	}

	acct := e.accountSettings(ctx, dev.AccountID)
	now := e.now().UTC()
	seen, ok := eventTime(payload, e.location(acct))
	if !ok {
		seen = now
	}

	if v := coerceString(payload["wifi_last_result"]); v != "" {
		dev.Profile.WiFiLastResult = v
	}
	if v := coerceString(payload["mqtt_last_result"]); v != "" {
		dev.Profile.MQTTLastResult = v
	}
	if err := e.touch(ctx, dev, id, seen, true); err != nil {
		return err
	}

	enriched := enrich(payload, topic, "ESP Settings")
	stamp := now.Format(time.RFC3339)
	setDefault(enriched, "_received_at", stamp)
	setDefault(enriched, "received_at", stamp)

	token := id.Token
	if token == "" {
		token = dev.Token
	}
	e.cacheMu.Lock()
	e.cache[dev.ID] = &settingsEntry{
		payload:    clonePayload(payload),
		token:      token,
		accountID:  dev.AccountID,
		receivedAt: now,
	}
	e.cacheMu.Unlock()

	severity, _ := lookup(payload, severityKeys)
	if err := e.recordEvent(ctx, dev, event.KindSettings, orDefault(severity, "info"), enriched, now); err != nil {
		return err
	}

	e.flushBlocks(dev.ID)
	e.syncWhitelist(dev.AccountID)
	return nil
}

// QueueBlock schedules ip for the device's blocklist. If the device has
// reported its settings the merge is published now; otherwise the device
// is asked to report and the merge follows its reply.
func (e *Engine) QueueBlock(ctx context.Context, dev *device.Device, ip string) {
	if !dev.HasToken() || ip == "" {
		return
	}
	e.queueBlocks(dev.ID, []string{ip})

	e.cacheMu.Lock()
	_, cached := e.cache[dev.ID]
	e.cacheMu.Unlock()

	if cached {
		e.flushBlocks(dev.ID)
		return
	}
	e.publish(e.ControlTopic(dev.ID), []byte(e.topicFmt.ShowSetting(dev.Token)))
}

func (e *Engine) queueBlocks(deviceID int64, ips []string) {
	e.blocksMu.Lock()
	e.blocks[deviceID] = union(e.blocks[deviceID], ips)
	e.blocksMu.Unlock()
}

// flushBlocks merges the device's queued addresses into its cached
// settings. The queue is left alone while there is nothing to merge into.
func (e *Engine) flushBlocks(deviceID int64) {
	e.cacheMu.Lock()
	_, cached := e.cache[deviceID]
	e.cacheMu.Unlock()
	if !cached {
		return
	}

	e.blocksMu.Lock()
	ips := e.blocks[deviceID]
	delete(e.blocks, deviceID)
	e.blocksMu.Unlock()

	if len(ips) > 0 {
		e.mergeAndPublish(deviceID, ips)
	}
}

// mergeAndPublish adds ips to the cached blocked list and sends the full
// settings back to the device when the list grew. The list keeps the shape
// the device reported it in.
func (e *Engine) mergeAndPublish(deviceID int64, ips []string) bool {
	e.cacheMu.Lock()
	entry := e.cache[deviceID]
	if entry == nil {
		e.cacheMu.Unlock()
		return false
	}
	key := fieldKey(entry.payload, blockedKeys, blockedKeys[0])
	merged, changed := mergeBlockedIPs(entry.payload[key], ips)
	if !changed {
		e.cacheMu.Unlock()
		return false
	}
	entry.payload[key] = withShape(entry.payload[key], merged)
	out := clonePayload(entry.payload)
	out["token"] = entry.token
	e.cacheMu.Unlock()

	body, err := json.Marshal(out)
	if err != nil {
		e.logger.Error("encoding settings update", "device_id", deviceID, "error", err)
		return false
	}
	if e.publish(e.ControlTopic(deviceID), body) {
		e.logger.Info("blocked_ips synced", "device_id", deviceID, "count", len(merged))
	}
	return true
}

// SyncBlacklist brings a device's blocked list up to date with ips. Only
// IPv4 addresses are pushed. Without a cached report the addresses wait for
// the device's next one.
func (e *Engine) SyncBlacklist(ctx context.Context, dev *device.Device, ips []string) {
	if !dev.HasToken() {
		return
	}
	valid := make([]string, 0, len(ips))
	for _, ip := range ips {
		if isIPv4(ip) {
			valid = append(valid, ip)
		}
	}
	if len(valid) == 0 {
		return
	}

	if !e.mergeAndPublish(dev.ID, valid) {
		e.cacheMu.Lock()
		_, cached := e.cache[dev.ID]
		e.cacheMu.Unlock()
		if !cached {
			e.queueBlocks(dev.ID, valid)
		}
	}
}

// syncWhitelist gives every recently reporting device of the account the
// union of their whitelist topics. It runs at most once per
// whitelist_min_interval per account.
func (e *Engine) syncWhitelist(accountID int64) {
	now := e.now()

	e.whitelistMu.Lock()
	last, ok := e.whitelistLast[accountID]
	if ok && now.Sub(last) < config.Seconds(e.cfg.WhitelistMinInterval) {
		e.whitelistMu.Unlock()
		return
	}
	e.whitelistLast[accountID] = now
	e.whitelistMu.Unlock()

	type update struct {
		deviceID int64
		payload  map[string]any
	}
	var updates []update

	e.cacheMu.Lock()
	window := e.cfg.WhitelistWindowDuration()
	var ids []int64
	for id, entry := range e.cache {
		if entry.accountID != accountID || now.Sub(entry.receivedAt) > window {
			continue
		}
		if _, _, ok := lookupRaw(entry.payload, whitelistKeys); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var all []string
	for _, id := range ids {
		v, _, _ := lookupRaw(e.cache[id].payload, whitelistKeys)
		all = union(all, parseList(v))
	}
	if len(all) > 0 {
		for _, id := range ids {
			entry := e.cache[id]
			v, key, _ := lookupRaw(entry.payload, whitelistKeys)
			if sameSet(parseList(v), all) {
				continue
			}
			entry.payload[key] = withShape(v, all)
			out := clonePayload(entry.payload)
			out["token"] = entry.token
			updates = append(updates, update{deviceID: id, payload: out})
		}
	}
	e.cacheMu.Unlock()

	for _, u := range updates {
		body, err := json.Marshal(u.payload)
		if err != nil {
			e.logger.Error("encoding whitelist update", "device_id", u.deviceID, "error", err)
			continue
		}
		e.publish(e.ControlTopic(u.deviceID), body)
	}
	if len(updates) > 0 {
		e.logger.Info("whitelist synced", "account_id", accountID, "devices", len(updates), "topics", len(all))
	}
}

// LatestSettings returns a copy of the device's last settings report and
// when it arrived.
func (e *Engine) LatestSettings(deviceID int64) (map[string]any, time.Time, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	entry, ok := e.cache[deviceID]
	if !ok {
		return nil, time.Time{}, false
	}
	return clonePayload(entry.payload), entry.receivedAt, true
}
