package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/espbridge/internal/device"
	"github.com/nerrad567/espbridge/internal/infrastructure/config"
)

var confirmPattern = regexp.MustCompile(`^Confirm-(\d{6})-(.+)$`)

func withoutNonce(c *config.BridgeConfig) { c.DiscoveryNonce = false }

func TestDiscoveryRound_RegistersNewDevice(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()

	if nonce := env.engine.PublishDiscover(ctx); nonce != "" {
		t.Errorf("PublishDiscover() nonce = %q, want empty with nonces off", nonce)
	}
	sent := env.mqtt.PublishedTo("esp/Entrance")
	if len(sent) != 1 || sent[0] != `{"cmd":"DISCOVER"}` {
		t.Fatalf("discover broadcast = %v", sent)
	}

	env.deliver(t, "esp/Entrance", `{"mac":"aa-bb-cc-dd-ee-ff","token":"tok123"}`)

	devs := env.allDevices(t)
	if len(devs) != 1 {
		t.Fatalf("devices = %d, want 1", len(devs))
	}
	dev := devs[0]
	if dev.MAC != "AA:BB:CC:DD:EE:FF" || dev.Token != "tok123" || !dev.Active {
		t.Errorf("device = %+v", dev)
	}
	if dev.ESPID != device.UnknownESPID || dev.Name != device.PlaceholderName {
		t.Errorf("new device identity = %q/%q, want placeholder values", dev.ESPID, dev.Name)
	}

	code, ok := env.engine.SessionCode(dev.ID)
	if !ok || len(code) != 6 {
		t.Fatalf("SessionCode() = %q, %v", code, ok)
	}
	sent = env.mqtt.PublishedTo("esp/Entrance")
	if len(sent) != 2 || sent[1] != "Confirm-"+code+"-tok123" {
		t.Fatalf("confirm = %v, want Confirm-%s-tok123", sent, code)
	}
	if got := env.engine.ControlTopic(dev.ID); got != "esp/setting/Control-"+code {
		t.Errorf("ControlTopic() = %q", got)
	}
	if n := len(env.notifier.On(ChannelDeviceRegistered)); n != 1 {
		t.Errorf("registered notifications = %d, want 1", n)
	}

	// The same device answering the same round again is a no-op.
	env.deliver(t, "esp/Entrance", `{"mac":"AA:BB:CC:DD:EE:FF","token":"tok123"}`)
	if got := len(env.mqtt.PublishedTo("esp/Entrance")); got != 2 {
		t.Errorf("publishes after repeat reply = %d, want 2", got)
	}
	if again, _ := env.engine.SessionCode(dev.ID); again != code {
		t.Error("session code changed on repeat reply")
	}
}

func TestDiscoveryRound_ServesSeveralDevices(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()

	env.engine.PublishDiscover(ctx)
	if !env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:01", "token": "t1"}) {
		t.Error("first device rejected")
	}
	if !env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:02", "token": "t2"}) {
		t.Error("second device rejected")
	}
	if got := len(env.allDevices(t)); got != 2 {
		t.Errorf("devices = %d, want 2", got)
	}
}

func TestDiscoveryReply_WithoutRound(t *testing.T) {
	env := newTestEnv(t, withoutNonce)

	if env.engine.HandleDiscoveryReply(context.Background(), map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "tok"}) {
		t.Error("reply without any outstanding registration was accepted")
	}
	if got := len(env.allDevices(t)); got != 0 {
		t.Errorf("devices = %d, want 0", got)
	}
}

func TestDiscoveryReply_MissingFields(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()
	env.engine.PublishDiscover(ctx)

	for _, p := range []map[string]any{
		{"cmd": "DISCOVER"},
		{"mac": "AA:BB:CC:DD:EE:FF"},
		{"token": "tok"},
		{"mac": "not-a-mac", "token": "tok"},
	} {
		if env.engine.HandleDiscoveryReply(ctx, p) {
			t.Errorf("HandleDiscoveryReply(%v) = true, want false", p)
		}
	}
}

func TestDiscoveryReply_ESPIDIdentity(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()
	env.engine.PublishDiscover(ctx)

	if !env.engine.HandleDiscoveryReply(ctx, map[string]any{"device_id": "esp-42", "token": "tok"}) {
		t.Fatal("reply identified by device_id rejected")
	}
	devs := env.allDevices(t)
	if len(devs) != 1 || devs[0].ESPID != "esp-42" {
		t.Errorf("devices = %+v, want one with esp_id esp-42", devs)
	}
}

func TestDiscoveryNonce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	nonce := env.engine.PublishDiscover(ctx)
	if !regexp.MustCompile(`^N-[A-Za-z0-9]{8}$`).MatchString(nonce) {
		t.Fatalf("nonce = %q, want N- and 8 alphanumerics", nonce)
	}
	sent := env.mqtt.PublishedTo("esp/Entrance")
	if len(sent) != 1 || decodeJSON(t, sent[0])["nonce"] != nonce {
		t.Fatalf("discover broadcast = %v, want nonce %s", sent, nonce)
	}

	reply := map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "tok"}
	if env.engine.HandleDiscoveryReply(ctx, reply) {
		t.Error("reply without nonce accepted while nonces are on")
	}
	reply["nonce"] = "N-wrong000"
	if env.engine.HandleDiscoveryReply(ctx, reply) {
		t.Error("reply with unknown nonce accepted")
	}
	reply["nonce"] = nonce
	if !env.engine.HandleDiscoveryReply(ctx, reply) {
		t.Error("reply with matching nonce rejected")
	}
}

func TestRequestRegistration_Targeted(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sent, err := env.engine.RequestRegistration(ctx, "aabbccddeeff", "secret")
	if err != nil || !sent {
		t.Fatalf("RequestRegistration() = %v, %v", sent, err)
	}
	if got := env.mqtt.PublishedTo("esp/Entrance"); len(got) != 1 || got[0] != `{"cmd":"DISCOVER"}` {
		t.Errorf("broadcast = %v, want a DISCOVER without nonce", got)
	}

	if env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "other"}) {
		t.Error("reply with the wrong token accepted")
	}
	if !env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "secret"}) {
		t.Fatal("reply with the requested token rejected")
	}
	if env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "secret"}) {
		t.Error("targeted entry accepted twice")
	}
}

func TestRequestRegistration_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.engine.RequestRegistration(context.Background(), "bogus", "tok"); err != ErrMissingIdentity {
		t.Errorf("bad mac error = %v, want ErrMissingIdentity", err)
	}
	if _, err := env.engine.RequestRegistration(context.Background(), "AA:BB:CC:DD:EE:FF", " "); err != ErrMissingIdentity {
		t.Errorf("empty token error = %v, want ErrMissingIdentity", err)
	}
}

func TestRequestRegistration_BusDown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mqtt.SetConnected(false)
	ctx := context.Background()

	sent, err := env.engine.RequestRegistration(ctx, "AA:BB:CC:DD:EE:FF", "tok")
	if err != nil || sent {
		t.Fatalf("RequestRegistration() = %v, %v; want false, nil", sent, err)
	}
	if len(env.mqtt.GetPublished()) != 0 {
		t.Error("published while the bus is down")
	}
	if !env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "tok"}) {
		t.Error("queued entry was not kept")
	}
}

func TestPendingTTL(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()

	if _, err := env.engine.RequestRegistration(ctx, "AA:BB:CC:DD:EE:FF", "tok"); err != nil {
		t.Fatalf("RequestRegistration() error = %v", err)
	}
	env.engine.PublishDiscover(ctx)

	env.clock.Advance(301 * time.Second)
	env.engine.PrunePending()

	env.engine.pendingMu.Lock()
	remaining := len(env.engine.pending)
	env.engine.pendingMu.Unlock()
	if remaining != 0 {
		t.Errorf("pending after TTL = %d, want 0", remaining)
	}

	if env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "tok"}) {
		t.Error("late reply accepted")
	}
	if got := len(env.allDevices(t)); got != 0 {
		t.Errorf("devices = %d, want 0", got)
	}
}

func TestPendingLedgerBounded(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.mqtt.SetConnected(false)

	mac := func(i int) string { return fmt.Sprintf("AA:BB:CC:00:%02X:%02X", i/256, i%256) }
	for i := range maxPendingEntries + 1 {
		if _, err := env.engine.RequestRegistration(ctx, mac(i), "tok"); err != nil {
			t.Fatalf("RequestRegistration(%d) error = %v", i, err)
		}
		env.clock.Advance(time.Millisecond)
	}
	env.engine.PrunePending()

	env.engine.pendingMu.Lock()
	defer env.engine.pendingMu.Unlock()

	if got, want := len(env.engine.pending), maxPendingEntries+1-pendingDropBatch; got != want {
		t.Fatalf("pending = %d, want %d", got, want)
	}
	if _, ok := env.engine.pending[mac(0)]; ok {
		t.Error("oldest entry survived the trim")
	}
	if _, ok := env.engine.pending[mac(maxPendingEntries)]; !ok {
		t.Error("newest entry was trimmed")
	}
}

func TestReregistration(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()
	dev := env.registered(t, "esp-1", "AA:BB:CC:DD:EE:FF", "old")

	env.engine.PublishDiscover(ctx)
	reply := map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "new"}
	if env.engine.HandleDiscoveryReply(ctx, reply) {
		t.Fatal("registered device re-registered with re-registration disabled")
	}

	env.engine.RequestReregister("aa:bb:cc:dd:ee:ff")
	env.engine.PublishDiscover(ctx)
	if !env.engine.HandleDiscoveryReply(ctx, reply) {
		t.Fatal("re-registration allowance not honoured")
	}

	got, err := env.devices.GetByID(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Token != "new" {
		t.Errorf("Token = %q, want new", got.Token)
	}
	if len(env.allDevices(t)) != 1 {
		t.Error("re-registration created a second device")
	}

	// The allowance is single use.
	env.engine.PublishDiscover(ctx)
	if env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "newer"}) {
		t.Error("allowance used twice")
	}
}

func TestReregistration_Allowed(t *testing.T) {
	env := newTestEnv(t, func(c *config.BridgeConfig) {
		c.DiscoveryNonce = false
		c.AllowReregister = true
	})
	ctx := context.Background()
	env.registered(t, "esp-1", "AA:BB:CC:DD:EE:FF", "old")

	env.engine.PublishDiscover(ctx)
	if !env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "new"}) {
		t.Error("re-registration rejected with allow_reregister on")
	}
}

func TestReregistration_PlaceholderWithoutToken(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()

	env.deliver(t, "esp/alive", map[string]any{"mac": "AA:BB:CC:DD:EE:FF"})
	env.engine.PublishDiscover(ctx)
	if !env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "tok"}) {
		t.Fatal("placeholder device could not register")
	}
	devs := env.allDevices(t)
	if len(devs) != 1 || devs[0].Token != "tok" {
		t.Errorf("devices = %+v, want the placeholder upgraded", devs)
	}
}

func TestSessionCodeFormat(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := range 50 {
		code, err := env.engine.issueSessionCode(int64(i))
		if err != nil {
			t.Fatalf("issueSessionCode() error = %v", err)
		}
		if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
			t.Fatalf("code = %q, want 6 digits", code)
		}
	}
}

func TestConfirmMessageShape(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()
	env.engine.PublishDiscover(ctx)
	env.mqtt.ClearPublished()

	env.engine.HandleDiscoveryReply(ctx, map[string]any{"macAddress": "AA:BB:CC:DD:EE:FF", "device_token": "t-1"})

	sent := env.mqtt.PublishedTo("esp/Entrance")
	if len(sent) != 1 {
		t.Fatalf("publishes = %v, want one confirm", sent)
	}
	m := confirmPattern.FindStringSubmatch(sent[0])
	if m == nil || m[2] != "t-1" {
		t.Errorf("confirm = %q", sent[0])
	}
}

// flakyDevices fails writes while err is set.
type flakyDevices struct {
	DeviceStore
	err error
}

func (f *flakyDevices) Create(ctx context.Context, dev *device.Device) error {
	if f.err != nil {
		return f.err
	}
	return f.DeviceStore.Create(ctx, dev)
}

func (f *flakyDevices) Save(ctx context.Context, dev *device.Device) error {
	if f.err != nil {
		return f.err
	}
	return f.DeviceStore.Save(ctx, dev)
}

func TestDiscoveryReply_StoreFailureKeepsPending(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.BridgeConfig)
		request func(*testing.T, *testEnv)
	}{
		{"targeted", nil, func(t *testing.T, env *testEnv) {
			if _, err := env.engine.RequestRegistration(context.Background(), "AA:BB:CC:DD:EE:FF", "secret"); err != nil {
				t.Fatalf("RequestRegistration() error = %v", err)
			}
		}},
		{"round", withoutNonce, func(_ *testing.T, env *testEnv) {
			env.engine.PublishDiscover(context.Background())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.mutate)
			ctx := context.Background()
			store := &flakyDevices{DeviceStore: env.devices, err: errors.New("disk full")}
			env.engine.devices = store

			tt.request(t, env)
			reply := map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "secret"}
			if env.engine.HandleDiscoveryReply(ctx, reply) {
				t.Fatal("registration reported success on a store failure")
			}
			if got := env.mqtt.PublishedTo("esp/Entrance"); len(got) != 1 {
				t.Errorf("discovery topic publishes = %v, want only the broadcast", got)
			}

			store.err = nil
			if !env.engine.HandleDiscoveryReply(ctx, reply) {
				t.Fatal("retry after a store failure rejected")
			}
			if devs := env.allDevices(t); len(devs) != 1 || devs[0].Token != "secret" {
				t.Errorf("devices = %+v, want one holding the token", devs)
			}
		})
	}
}

func TestReregistration_AllowanceUsedByTokenlessDevice(t *testing.T) {
	env := newTestEnv(t, withoutNonce)
	ctx := context.Background()
	dev := env.registered(t, "esp-1", "AA:BB:CC:DD:EE:FF", "old")

	// The operator clears the token and allows one more registration.
	dev.Token = ""
	dev.Active = false
	if err := env.devices.Save(ctx, dev); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	env.engine.RequestReregister(dev.ESPID)
	env.engine.RequestReregister(dev.MAC)

	env.engine.PublishDiscover(ctx)
	if !env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "new"}) {
		t.Fatal("tokenless device could not register")
	}

	env.engine.reregMu.Lock()
	left := len(env.engine.reregister)
	env.engine.reregMu.Unlock()
	if left != 0 {
		t.Errorf("allowances left = %d, want 0", left)
	}

	env.engine.PublishDiscover(ctx)
	if env.engine.HandleDiscoveryReply(ctx, map[string]any{"mac": "AA:BB:CC:DD:EE:FF", "token": "hijack"}) {
		t.Error("token replaced after the allowance was used")
	}
	got, err := env.devices.GetByID(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Token != "new" {
		t.Errorf("Token = %q, want new", got.Token)
	}
}
