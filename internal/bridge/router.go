package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nerrad567/espbridge/internal/infrastructure/config"
	"github.com/nerrad567/espbridge/internal/infrastructure/mqtt"
)

// messageTimeout bounds the store work done for one inbound message.
const messageTimeout = 10 * time.Second

type route int

const (
	routeNone route = iota
	routeDiscovery
	routeAlert
	routeSettings
	routeAlive
	routeGeneric
)

func (r route) String() string {
	switch r {
	case routeDiscovery:
		return "discovery"
	case routeAlert:
		return "alert"
	case routeSettings:
		return "settings"
	case routeAlive:
		return "alive"
	case routeGeneric:
		return "generic"
	default:
		return "none"
	}
}

// routeTable classifies topics. All names are stored lower-cased.
type routeTable struct {
	exact    map[string]route
	noise    map[string]bool
	fallback []string
}

// newRouteTable builds the routes from config. Every subscribed filter that
// is not one of the specific topics feeds the generic handler.
func newRouteTable(cfg config.BridgeConfig, subscribed []string) routeTable {
	rt := routeTable{
		exact: make(map[string]route),
		noise: make(map[string]bool),
	}
	add := func(topic string, r route) {
		if topic = strings.ToLower(strings.TrimSpace(topic)); topic != "" {
			rt.exact[topic] = r
		}
	}

	add(cfg.DiscoveryTopic, routeDiscovery)
	for _, t := range cfg.DiscoveryAliases {
		add(t, routeDiscovery)
	}
	add(cfg.AlertTopic, routeAlert)
	for _, t := range cfg.SettingsTopics {
		add(t, routeSettings)
	}
	add(cfg.AliveTopic, routeAlive)

	for _, t := range cfg.NoiseTopics {
		rt.noise[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, t := range subscribed {
		t = strings.ToLower(strings.TrimSpace(t))
		if _, specific := rt.exact[t]; t != "" && !specific {
			rt.fallback = append(rt.fallback, t)
		}
	}
	return rt
}

// classify returns the route for a lower-cased topic.
func (rt routeTable) classify(topic string) route {
	if r, ok := rt.exact[topic]; ok {
		return r
	}
	for _, filter := range rt.fallback {
		if mqtt.MatchTopic(filter, topic) {
			return routeGeneric
		}
	}
	return routeNone
}

// HandleMessage is the bus handler for every subscribed topic. Problems are
// logged and the message dropped; it always returns nil.
func (e *Engine) HandleMessage(topic string, payload []byte) error {
	key := strings.ToLower(strings.TrimSpace(topic))

	// Commands the bridge published itself, on the shared control topic or
	// a per-device one, come back through wildcard subscriptions.
	if strings.TrimSpace(topic) == e.cfg.ControlTopic || e.topicFmt.IsControlEcho(e.cfg.ControlTopic, key) {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		if !e.routes.noise[key] {
			e.logger.Debug("dropping non-JSON message", "topic", topic, "error", err)
		}
		return nil
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		obj = map[string]any{"message": decoded}
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	r := e.routes.classify(key)
	var err error
	switch r {
	case routeDiscovery:
		if !e.HandleDiscoveryReply(ctx, obj) {
			e.logger.Debug("unhandled discovery message", "topic", topic)
		}
	case routeAlert:
		err = e.handleAlert(ctx, topic, obj)
	case routeSettings:
		err = e.handleSettings(ctx, topic, obj)
	case routeAlive:
		err = e.handleAlive(ctx, topic, obj)
	case routeGeneric:
		err = e.handleGeneric(ctx, topic, obj)
	default:
		e.logger.Debug("no route for topic", "topic", topic)
	}

	if err != nil {
		level := e.logger.Warn
		if errors.Is(err, ErrNoDevice) {
			level = e.logger.Debug
		}
		level("message dropped", "topic", topic, "route", r.String(), "error", err)
	}
	return nil
}
