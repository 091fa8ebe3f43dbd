package bridge

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/espbridge/internal/device"
)

const (
	// Ledger size limits; past maxPendingEntries the oldest batch is dropped.
	maxPendingEntries = 200
	pendingDropBatch  = 100

	noncePrefix   = "N-"
	nonceLength   = 8
	nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	sessionCodeDigits = 6
)

type pendingKind int

const (
	// pendingTargeted waits for one MAC to reply with one token.
	pendingTargeted pendingKind = iota
	// pendingRound accepts any device answering one discovery broadcast.
	pendingRound
)

// pendingEntry is an outstanding registration in the ledger.
type pendingEntry struct {
	kind      pendingKind
	key       string
	token     string // targeted only
	open      bool   // round without a nonce
	createdAt time.Time
	served    map[string]struct{} // round only
}

// discoverCommand is the broadcast inviting sensors to announce themselves.
type discoverCommand struct {
	Cmd   string `json:"cmd"`
	Nonce string `json:"nonce,omitempty"`
}

// RequestRegistration asks the sensor with the given MAC to register with
// token. It reports whether the discovery broadcast was sent; the ledger
// entry is kept either way until it expires.
func (e *Engine) RequestRegistration(ctx context.Context, mac, token string) (bool, error) {
	mac = normalizeMAC(mac)
	token = strings.TrimSpace(token)
	if mac == "" || token == "" {
		return false, ErrMissingIdentity
	}

	e.pendingMu.Lock()
	e.prunePendingLocked(e.now())
	e.pending[mac] = &pendingEntry{
		kind:      pendingTargeted,
		key:       mac,
		token:     token,
		createdAt: e.now(),
	}
	e.pendingMu.Unlock()

	if !e.mqtt.IsConnected() {
		e.logger.Warn("registration queued while bus is down", "mac", mac)
		return false, nil
	}
	sent := e.publishDiscover(discoverCommand{Cmd: "DISCOVER"})
	e.logger.Info("registration requested", "mac", mac, "sent", sent)
	return sent, nil
}

// PublishDiscover broadcasts a discovery round and returns its nonce, or ""
// when nonces are disabled.
func (e *Engine) PublishDiscover(ctx context.Context) string {
	cmd := discoverCommand{Cmd: "DISCOVER"}

	e.pendingMu.Lock()
	e.prunePendingLocked(e.now())
	entry := &pendingEntry{
		kind:      pendingRound,
		createdAt: e.now(),
		served:    make(map[string]struct{}),
	}
	if e.cfg.DiscoveryNonce {
		nonce := newNonce()
		for e.pending[nonce] != nil {
			nonce = newNonce()
		}
		entry.key = nonce
		cmd.Nonce = nonce
	} else {
		e.roundSeq++
		entry.key = fmt.Sprintf("round-%d", e.roundSeq)
		entry.open = true
	}
	e.pending[entry.key] = entry
	e.pendingMu.Unlock()

	e.publishDiscover(cmd)
	return cmd.Nonce
}

func (e *Engine) publishDiscover(cmd discoverCommand) bool {
	body, err := json.Marshal(cmd)
	if err != nil {
		e.logger.Error("encoding discover command", "error", err)
		return false
	}
	return e.publish(e.cfg.DiscoveryTopic, body)
}

// HandleDiscoveryReply completes a registration from a sensor's reply. It
// returns false, changing nothing, when the reply matches no outstanding
// entry or the device may not register again.
func (e *Engine) HandleDiscoveryReply(ctx context.Context, payload map[string]any) bool {
	mac := normalizeMAC(firstOf(payload, macKeys))
	espID := coerceString(payload["device_id"])
	if espID == "" {
		espID = coerceString(payload["deviceId"])
	}
	token, _ := lookup(payload, tokenKeys)
	nonce := coerceString(payload["nonce"])

	ident := mac
	if ident == "" {
		ident = espID
	}
	if ident == "" || token == "" {
		return false
	}

	release, err := e.claimPending(nonce, mac, ident, token)
	if err != nil {
		e.logger.Debug("discovery reply ignored", "identity", ident, "reason", err)
		return false
	}
	registered := false
	defer func() {
		if !registered {
			release()
		}
	}()

	dev, err := e.findRegistrant(ctx, mac, espID)
	if err != nil {
		e.logger.Error("looking up registrant", "identity", ident, "error", err)
		return false
	}

	if dev != nil && dev.HasToken() && !e.cfg.AllowReregister && !e.reregisterAllowed(mac, espID) {
		e.logger.Info("discovery ignored for registered device",
			"device_id", dev.ID, "identity", ident, "reason", ErrReregisterDisabled)
		return false
	}

	now := e.now().UTC()
	if dev == nil {
		dev = &device.Device{
			AccountID: e.cfg.AccountID,
			Name:      device.PlaceholderName,
			ESPID:     orUnknown(espID),
			MAC:       mac,
			Token:     token,
			Active:    true,
		}
		dev.Profile.LastSeen = &now
		if err := e.devices.Create(ctx, dev); err != nil {
			e.logger.Error("registering device", "identity", ident, "error", err)
			return false
		}
	} else {
		dev.Token = token
		dev.Active = true
		if mac != "" {
			dev.MAC = mac
		}
		dev.Profile.LastSeen = &now
		if err := e.devices.Save(ctx, dev); err != nil {
			e.logger.Error("updating registered device", "device_id", dev.ID, "error", err)
			return false
		}
	}

	code, err := e.issueSessionCode(dev.ID)
	if err != nil {
		e.logger.Error("issuing session code", "device_id", dev.ID, "error", err)
		return false
	}
	registered = true
	e.consumeReregister(mac, espID, dev.MAC, dev.ESPID)

	e.publish(e.cfg.DiscoveryTopic, []byte(e.topicFmt.Confirm(code, token)))
	e.notify(ChannelDeviceRegistered, map[string]any{
		"device_id": dev.ID,
		"esp_id":    dev.ESPID,
		"mac":       dev.MAC,
	})
	e.logger.Info("device registered", "device_id", dev.ID, "esp_id", dev.ESPID, "mac", dev.MAC)
	return true
}

// claimPending matches a reply against the ledger and consumes it. The
// reply's nonce is tried first, then a targeted entry for the MAC, then,
// for replies without a nonce, the newest open round. The returned func
// undoes the claim when the registration does not go through.
func (e *Engine) claimPending(nonce, mac, ident, token string) (func(), error) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	e.prunePendingLocked(e.now())

	var entry *pendingEntry
	if nonce != "" {
		if p := e.pending[nonce]; p != nil && p.kind == pendingRound {
			entry = p
		}
	}
	if entry == nil && mac != "" {
		if p := e.pending[mac]; p != nil && p.kind == pendingTargeted {
			entry = p
		}
	}
	if entry == nil && nonce == "" {
		for _, p := range e.pending {
			if p.open && (entry == nil || p.createdAt.After(entry.createdAt)) {
				entry = p
			}
		}
	}
	if entry == nil {
		return nil, ErrNoPendingRegistration
	}

	switch entry.kind {
	case pendingTargeted:
		if entry.token != token {
			return nil, ErrTokenMismatch
		}
		delete(e.pending, entry.key)
	case pendingRound:
		if _, done := entry.served[ident]; done {
			return nil, ErrNoPendingRegistration
		}
		entry.served[ident] = struct{}{}
	}
	return func() { e.restorePending(entry, ident) }, nil
}

// restorePending puts back a claimed entry. A targeted key that has been
// requested again in the meantime keeps the newer entry.
func (e *Engine) restorePending(entry *pendingEntry, ident string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	if entry.kind == pendingRound {
		delete(entry.served, ident)
		return
	}
	if _, taken := e.pending[entry.key]; !taken {
		e.pending[entry.key] = entry
	}
}

// findRegistrant returns the device a reply refers to, or nil if new.
func (e *Engine) findRegistrant(ctx context.Context, mac, espID string) (*device.Device, error) {
	if mac != "" {
		devs, err := e.devices.Find(ctx, device.Filter{AccountID: e.cfg.AccountID, MAC: mac, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(devs) == 1 {
			return &devs[0], nil
		}
	}
	if espID != "" && !strings.EqualFold(espID, device.UnknownESPID) {
		devs, err := e.devices.Find(ctx, device.Filter{ESPID: espID, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(devs) == 1 && !devs[0].MACConflicts(mac) {
			return &devs[0], nil
		}
	}
	return nil, nil
}

// PrunePending drops expired ledger entries.
func (e *Engine) PrunePending() {
	e.pendingMu.Lock()
	e.prunePendingLocked(e.now())
	e.pendingMu.Unlock()
}

// prunePendingLocked drops entries older than the TTL, then the oldest
// batch if the ledger is still too large. Caller holds pendingMu.
func (e *Engine) prunePendingLocked(now time.Time) {
	ttl := e.cfg.PendingTTLDuration()
	for key, p := range e.pending {
		if now.Sub(p.createdAt) > ttl {
			delete(e.pending, key)
		}
	}

	if len(e.pending) <= maxPendingEntries {
		return
	}
	entries := make([]*pendingEntry, 0, len(e.pending))
	for _, p := range e.pending {
		entries = append(entries, p)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	for _, p := range entries[:pendingDropBatch] {
		delete(e.pending, p.key)
	}
}

// RequestReregister lets the device with this MAC or esp_id register once
// more even when re-registration is disabled.
func (e *Engine) RequestReregister(identity string) {
	key := reregisterKey(identity)
	if key == "" {
		return
	}
	e.reregMu.Lock()
	e.reregister[key] = struct{}{}
	e.reregMu.Unlock()
}

// reregisterAllowed reports whether either identity may register once more.
func (e *Engine) reregisterAllowed(mac, espID string) bool {
	e.reregMu.Lock()
	defer e.reregMu.Unlock()

	for _, id := range []string{mac, espID} {
		if key := reregisterKey(id); key != "" {
			if _, ok := e.reregister[key]; ok {
				return true
			}
		}
	}
	return false
}

// consumeReregister removes the allowances of every identity of a device
// that has just registered.
func (e *Engine) consumeReregister(identities ...string) {
	e.reregMu.Lock()
	defer e.reregMu.Unlock()

	for _, id := range identities {
		if key := reregisterKey(id); key != "" {
			delete(e.reregister, key)
		}
	}
}

func reregisterKey(identity string) string {
	if mac := normalizeMAC(identity); mac != "" {
		return mac
	}
	return strings.TrimSpace(identity)
}

// issueSessionCode stores a fresh random code for the device.
func (e *Engine) issueSessionCode(deviceID int64) (string, error) {
	limit := big.NewInt(1)
	for range sessionCodeDigits {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generating session code: %w", err)
	}
	code := fmt.Sprintf("%0*d", sessionCodeDigits, n.Int64())

	e.codesMu.Lock()
	e.codes[deviceID] = code
	e.codesMu.Unlock()
	return code, nil
}

// SessionCode returns the device's current session code.
func (e *Engine) SessionCode(deviceID int64) (string, bool) {
	e.codesMu.Lock()
	defer e.codesMu.Unlock()
	code, ok := e.codes[deviceID]
	return code, ok
}

// ControlTopic returns the topic the device takes commands on: the shared
// control topic suffixed with its session code, if it has one.
func (e *Engine) ControlTopic(deviceID int64) string {
	code, _ := e.SessionCode(deviceID)
	return e.topicFmt.Control(e.cfg.ControlTopic, code)
}

func newNonce() string {
	buf := make([]byte, nonceLength)
	rand.Read(buf) //nolint:errcheck // crypto/rand.Read never fails since Go 1.24
	for i, b := range buf {
		buf[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return noncePrefix + string(buf)
}

func firstOf(p map[string]any, keys []string) string {
	v, _ := lookup(p, keys)
	return v
}

func orUnknown(espID string) string {
	if espID == "" {
		return device.UnknownESPID
	}
	return espID
}
