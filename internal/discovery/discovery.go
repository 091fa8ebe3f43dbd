// Package discovery runs a single registration handshake against the bus
// without the bridge: broadcast DISCOVER with a nonce, wait for the sensor
// that echoes it, confirm, and optionally wait for the sensor's
// acknowledgement.
//
// It is the engine's handshake reduced to one round, for bench setups and
// for checking a sensor's firmware before it joins a fleet.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/espbridge/internal/infrastructure/mqtt"
)

// Nonce length limits. Sensors truncate longer nonces.
const (
	MinNonceLength     = 1
	MaxNonceLength     = 10
	DefaultNonceLength = 8

	nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrNoReply is returned when no sensor answers within the wait.
var ErrNoReply = errors.New("discovery: no device reply")

// Bus is the part of the MQTT client the actor needs.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Logger is the structured logger used by the actor.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Config tunes one handshake.
type Config struct {
	Topic       string
	NonceLength int
	WaitDevice  time.Duration
	WaitConfirm time.Duration // zero skips waiting for the acknowledgement
}

// Reply is a sensor's answer to DISCOVER.
type Reply struct {
	DeviceID string
	MAC      string
	Token    string
}

// Result describes a completed handshake.
type Result struct {
	Nonce        string
	Reply        Reply
	Acknowledged bool
}

// Actor performs handshakes on one topic. Run may be called repeatedly but
// not concurrently.
type Actor struct {
	bus    Bus
	cfg    Config
	logger Logger

	mu       sync.Mutex
	nonce    string
	confirm  string
	replies  chan Reply
	acks     chan struct{}
	subbed   bool
	newNonce func(int) string
}

// New creates an actor. Zero config values take the tool's defaults.
func New(bus Bus, cfg Config, logger Logger) *Actor {
	if cfg.Topic == "" {
		cfg.Topic = mqtt.TopicDiscovery
	}
	if cfg.NonceLength == 0 {
		cfg.NonceLength = DefaultNonceLength
	}
	if cfg.WaitDevice <= 0 {
		cfg.WaitDevice = 10 * time.Second
	}
	return &Actor{
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		newNonce: GenerateNonce,
	}
}

// Run broadcasts one DISCOVER round and confirms the first sensor that
// answers it. A missing acknowledgement is not an error; the sensor may
// still be registered.
func (a *Actor) Run(ctx context.Context) (*Result, error) {
	nonce := a.newNonce(a.cfg.NonceLength)

	a.mu.Lock()
	a.nonce = nonce
	a.confirm = ""
	a.replies = make(chan Reply, 1)
	a.acks = make(chan struct{}, 1)
	subscribe := !a.subbed
	a.mu.Unlock()

	if subscribe {
		if err := a.bus.Subscribe(a.cfg.Topic, 0, a.handle); err != nil {
			return nil, fmt.Errorf("subscribing %q: %w", a.cfg.Topic, err)
		}
		a.mu.Lock()
		a.subbed = true
		a.mu.Unlock()
	}

	body, err := json.Marshal(map[string]string{"cmd": "DISCOVER", "nonce": nonce})
	if err != nil {
		return nil, fmt.Errorf("encoding discover: %w", err)
	}
	if err := a.bus.Publish(a.cfg.Topic, body, 0, false); err != nil {
		return nil, fmt.Errorf("publishing discover: %w", err)
	}
	a.logger.Info("discover sent", "topic", a.cfg.Topic, "nonce", nonce)

	var reply Reply
	select {
	case reply = <-a.replies:
	case <-time.After(a.cfg.WaitDevice):
		return nil, fmt.Errorf("%w within %v for nonce %s", ErrNoReply, a.cfg.WaitDevice, nonce)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.logger.Info("device replied", "device_id", reply.DeviceID, "mac", reply.MAC, "nonce", nonce)

	confirm := fmt.Sprintf("Confirm-%s-%s", nonce, reply.Token)
	a.mu.Lock()
	a.confirm = confirm
	a.mu.Unlock()
	if err := a.bus.Publish(a.cfg.Topic, []byte(confirm), 0, false); err != nil {
		return nil, fmt.Errorf("publishing confirm: %w", err)
	}
	a.logger.Info("confirm sent", "nonce", nonce)

	res := &Result{Nonce: nonce, Reply: reply}
	if a.cfg.WaitConfirm <= 0 {
		return res, nil
	}

	select {
	case <-a.acks:
		res.Acknowledged = true
		a.logger.Info("device acknowledged confirm")
	case <-time.After(a.cfg.WaitConfirm):
		a.logger.Warn("no acknowledgement; device may still be registered", "waited", a.cfg.WaitConfirm)
	case <-ctx.Done():
		return res, ctx.Err()
	}
	return res, nil
}

// handle receives every message on the discovery topic, including the
// actor's own broadcasts.
func (a *Actor) handle(_ string, payload []byte) error {
	text := strings.TrimSpace(string(payload))

	a.mu.Lock()
	nonce, confirm := a.nonce, a.confirm
	replies, acks := a.replies, a.acks
	a.mu.Unlock()

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		if reply, ok := parseReply(obj, nonce); ok {
			select {
			case replies <- reply:
			default:
			}
		}
		return nil
	}

	if confirm != "" && text != confirm && strings.HasPrefix(strings.ToLower(text), "confirm") {
		select {
		case acks <- struct{}{}:
		default:
		}
	}
	return nil
}

// parseReply accepts a reply carrying the round's nonce, a token, and a
// device_id or MAC.
func parseReply(obj map[string]any, nonce string) (Reply, bool) {
	str := func(key string) string {
		switch v := obj[key].(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
		return ""
	}

	if nonce == "" || str("nonce") != nonce {
		return Reply{}, false
	}
	r := Reply{DeviceID: str("device_id"), MAC: str("mac"), Token: str("token")}
	if r.Token == "" || (r.DeviceID == "" && r.MAC == "") {
		return Reply{}, false
	}
	return r, true
}

// GenerateNonce returns a random alphanumeric nonce, its length clamped to
// the range sensors accept.
func GenerateNonce(length int) string {
	length = min(max(length, MinNonceLength), MaxNonceLength)
	buf := make([]byte, length)
	rand.Read(buf) //nolint:errcheck // crypto/rand.Read never fails since Go 1.24
	for i, b := range buf {
		buf[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(buf)
}
