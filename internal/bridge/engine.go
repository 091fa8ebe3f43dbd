package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/espbridge/internal/account"
	"github.com/nerrad567/espbridge/internal/blocklist"
	"github.com/nerrad567/espbridge/internal/device"
	"github.com/nerrad567/espbridge/internal/event"
	"github.com/nerrad567/espbridge/internal/infrastructure/config"
	"github.com/nerrad567/espbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/espbridge/internal/infrastructure/logging"
	"github.com/nerrad567/espbridge/internal/infrastructure/mqtt"
)

// Notification channels pushed to operator clients.
const (
	ChannelEventCreated     = "event.created"
	ChannelDeviceUpdated    = "device.updated"
	ChannelDeviceRegistered = "device.registered"
)

// MQTTClient is the bus the engine talks to. *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// DeviceStore persists devices. *device.SQLiteRepository satisfies it.
type DeviceStore interface {
	GetByID(ctx context.Context, id int64) (*device.Device, error)
	Find(ctx context.Context, filter device.Filter) ([]device.Device, error)
	Create(ctx context.Context, dev *device.Device) error
	Save(ctx context.Context, dev *device.Device) error
	Delete(ctx context.Context, id int64) error
	PruneStale(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// EventStore is the append-only event sink.
type EventStore interface {
	Append(ctx context.Context, e *event.Event) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// BlocklistStore reads and extends per-account blocklists.
type BlocklistStore interface {
	ListIPs(ctx context.Context, accountID int64) ([]string, error)
	Create(ctx context.Context, e blocklist.Entry) (bool, error)
}

// AccountStore reads per-account settings.
type AccountStore interface {
	Get(ctx context.Context, accountID int64) (account.Settings, error)
}

// Notifier pushes notifications to connected operators.
type Notifier interface {
	Broadcast(channel string, payload any)
}

// MetricsSink records ingested events. *influxdb.Client satisfies it.
type MetricsSink interface {
	WriteEvent(m influxdb.EventMetric)
}

// Logger is the structured logger used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options holds the collaborators and tuning for an Engine.
type Options struct {
	Config config.BridgeConfig

	// Topics is the configured subscription list. Start collapses
	// overlapping filters; the full list still defines the generic fallback
	// route.
	Topics []string
	QoS    byte

	// Location reads naive device timestamps when an account has no zone.
	Location *time.Location

	MQTT      MQTTClient
	Devices   DeviceStore
	Events    EventStore
	Blocklist BlocklistStore
	Accounts  AccountStore

	Notifier Notifier    // optional
	Metrics  MetricsSink // optional
	Logger   Logger      // optional

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine dispatches sensor messages, runs the registration handshake and
// keeps device settings in sync with the store.
//
// Each piece of in-memory state has its own mutex and no operation holds
// two of them at once.
type Engine struct {
	cfg      config.BridgeConfig
	topics   []string
	filters  []string
	qos      byte
	loc      *time.Location
	routes   routeTable
	topicFmt mqtt.Topics

	mqtt      MQTTClient
	devices   DeviceStore
	events    EventStore
	blocklist BlocklistStore
	accounts  AccountStore
	notifier  Notifier
	metrics   MetricsSink
	logger    Logger
	now       func() time.Time

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry
	roundSeq  uint64

	codesMu sync.Mutex
	codes   map[int64]string

	cacheMu sync.Mutex
	cache   map[int64]*settingsEntry

	blocksMu sync.Mutex
	blocks   map[int64][]string

	reregMu    sync.Mutex
	reregister map[string]struct{}

	whitelistMu   sync.Mutex
	whitelistLast map[int64]time.Time

	loops    []*loop
	stopOnce sync.Once
}

// New creates an engine. Call Start to subscribe and start the loops.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.MQTT == nil:
		return nil, errors.New("bridge: MQTT client is required")
	case opts.Devices == nil:
		return nil, errors.New("bridge: device store is required")
	case opts.Events == nil:
		return nil, errors.New("bridge: event store is required")
	case opts.Blocklist == nil:
		return nil, errors.New("bridge: blocklist store is required")
	case opts.Accounts == nil:
		return nil, errors.New("bridge: account store is required")
	}

	e := &Engine{
		cfg:           opts.Config,
		topics:        opts.Topics,
		qos:           opts.QoS,
		loc:           opts.Location,
		mqtt:          opts.MQTT,
		devices:       opts.Devices,
		events:        opts.Events,
		blocklist:     opts.Blocklist,
		accounts:      opts.Accounts,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		now:           opts.Now,
		pending:       make(map[string]*pendingEntry),
		codes:         make(map[int64]string),
		cache:         make(map[int64]*settingsEntry),
		blocks:        make(map[int64][]string),
		reregister:    make(map[string]struct{}),
		whitelistLast: make(map[int64]time.Time),
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.cfg.AccountID == 0 {
		e.cfg.AccountID = 1
	}
	e.routes = newRouteTable(e.cfg, e.topics)
	e.filters = distinctFilters(e.topics)

	e.loops = []*loop{
		newLoop("discovery", config.Seconds(e.cfg.DiscoveryInterval), e.RunDiscoveryOnce, e.logger),
		newLoop("settings-poll", config.Seconds(e.cfg.SettingsPollInterval), e.PollSettingsOnce, e.logger),
		newLoop("prune", config.Seconds(e.cfg.PruneInterval), e.PruneOnce, e.logger),
	}

	return e, nil
}

// Start subscribes the distinct broker filters and starts the background
// loops.
func (e *Engine) Start(ctx context.Context) error {
	for _, filter := range e.filters {
		if err := e.mqtt.Subscribe(filter, e.qos, e.dispatchFor(filter)); err != nil {
			return fmt.Errorf("subscribing %q: %w", filter, err)
		}
	}
	e.logger.Info("bridge subscribed", "filters", e.filters, "configured", len(e.topics))

	for _, l := range e.loops {
		l.Start(ctx)
	}
	return nil
}

// dispatchFor returns the handler for one subscription. paho calls the
// handler of every filter matching a topic, so only the first matching
// filter passes the message on.
func (e *Engine) dispatchFor(filter string) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		for _, f := range e.filters {
			if mqtt.MatchFilter(f, topic) {
				if f != filter {
					return nil
				}
				break
			}
		}
		return e.HandleMessage(topic, payload)
	}
}

// distinctFilters drops blank filters, duplicates and filters covered by
// another configured filter. Order is kept.
func distinctFilters(topics []string) []string {
	trimmed := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			trimmed = append(trimmed, t)
		}
	}

	var out []string
	for i, t := range trimmed {
		covered := false
		for j, other := range trimmed {
			if i == j || !mqtt.FilterCovers(other, t) {
				continue
			}
			// Filters covering each other are equal; the first one stays.
			if !mqtt.FilterCovers(t, other) || j < i {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, t)
		}
	}
	return out
}

// Stop halts the background loops. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		for _, l := range e.loops {
			l.Stop()
		}
		e.logger.Info("bridge stopped")
	})
}

// publish sends a best-effort message; failures are logged, never returned.
func (e *Engine) publish(topic string, payload []byte) bool {
	if err := e.mqtt.Publish(topic, payload, 0, false); err != nil {
		e.logger.Warn("publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

func (e *Engine) notify(channel string, payload any) {
	if e.notifier != nil {
		e.notifier.Broadcast(channel, payload)
	}
}

// accountSettings returns the account's settings, falling back to defaults
// when the store fails.
func (e *Engine) accountSettings(ctx context.Context, accountID int64) account.Settings {
	s, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		e.logger.Warn("loading account settings", "account_id", accountID, "error", err)
		return account.Defaults(accountID)
	}
	return s
}

// location returns the zone used for naive timestamps from an account.
func (e *Engine) location(s account.Settings) *time.Location {
	if s.Timezone == "" {
		return e.loc
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		e.logger.Warn("invalid account timezone", "account_id", s.AccountID, "timezone", s.Timezone)
		return e.loc
	}
	return loc
}

// forget drops all in-memory state for a device.
func (e *Engine) forget(deviceID int64) {
	e.codesMu.Lock()
	delete(e.codes, deviceID)
	e.codesMu.Unlock()

	e.cacheMu.Lock()
	delete(e.cache, deviceID)
	e.cacheMu.Unlock()

	e.blocksMu.Lock()
	delete(e.blocks, deviceID)
	e.blocksMu.Unlock()
}

// ForgetDevice drops the in-memory state of a deleted device.
func (e *Engine) ForgetDevice(deviceID int64) {
	e.forget(deviceID)
}
