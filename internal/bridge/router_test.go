package bridge

import (
	"testing"

	"github.com/nerrad567/espbridge/internal/event"
)

func TestRouteTable_Classify(t *testing.T) {
	rt := newRouteTable(testBridgeConfig(), testTopics)

	tests := []struct {
		topic string
		want  route
	}{
		{"esp/entrance", routeDiscovery},
		{"esp/esp/entrance", routeDiscovery},
		{"esp/alert", routeAlert},
		{"esp/setting/now", routeSettings},
		{"esp/setting/control", routeSettings},
		{"esp/alive", routeAlive},
		{"esp/sensor/porch", routeGeneric},
		{"esp", routeGeneric},
		{"other/topic", routeNone},
	}
	for _, tt := range tests {
		if got := rt.classify(tt.topic); got != tt.want {
			t.Errorf("classify(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

func TestRouteTable_NoWildcard(t *testing.T) {
	rt := newRouteTable(testBridgeConfig(), []string{"esp/alert", "esp/alive"})

	if got := rt.classify("esp/sensor/porch"); got != routeNone {
		t.Errorf("classify() = %v, want none without a catch-all subscription", got)
	}
}

func TestHandleMessage_CaseInsensitiveTopic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registered(t, "esp-1", "AA:BB:CC:DD:EE:01", "tok")

	env.deliver(t, "ESP/Alert", `{"token":"tok"}`)

	if got := len(env.listEvents(t, event.Filter{Kind: event.KindAlert})); got != 1 {
		t.Errorf("alert events = %d, want 1", got)
	}
}

func TestHandleMessage_Drops(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"non-json", "esp/sensor/x", "hello"},
		{"noise", "esp/alive/check", "ping"},
		{"control echo", "esp/setting/Control-123456", `{"token":"tok"}`},
		{"confirm on discovery topic", "esp/Entrance", "Confirm-123456-tok"},
		{"unrouted", "other/topic", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.deliver(t, tt.topic, tt.payload)

			if got := len(env.listEvents(t, event.Filter{})); got != 0 {
				t.Errorf("events = %d, want 0", got)
			}
			if got := len(env.allDevices(t)); got != 0 {
				t.Errorf("devices = %d, want 0", got)
			}
		})
	}
}

func TestHandleMessage_WrapsNonObjectJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	env.deliver(t, "esp/sensor/x", `[1,2,3]`)

	evs := env.listEvents(t, event.Filter{Kind: event.KindGeneric})
	if len(evs) != 1 {
		t.Fatalf("generic events = %d, want 1", len(evs))
	}
	msg, ok := evs[0].Payload["message"].([]any)
	if !ok || len(msg) != 3 {
		t.Errorf("payload = %v, want the array under message", evs[0].Payload)
	}
}

func TestHandleMessage_NeverFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.db.Close() //nolint:errcheck // Force store errors

	if err := env.engine.HandleMessage("esp/alert", []byte(`{"mac":"AA:BB:CC:DD:EE:01"}`)); err != nil {
		t.Errorf("HandleMessage() error = %v, want nil", err)
	}
}

func TestRouteString(t *testing.T) {
	for r, want := range map[route]string{
		routeDiscovery: "discovery",
		routeAlert:     "alert",
		routeSettings:  "settings",
		routeAlive:     "alive",
		routeGeneric:   "generic",
		routeNone:      "none",
	} {
		if got := r.String(); got != want {
			t.Errorf("route(%d).String() = %q, want %q", r, got, want)
		}
	}
}
