package main

import (
	"io"
	"testing"
	"time"

	"github.com/nerrad567/espbridge/internal/infrastructure/config"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseFlags_Defaults(t *testing.T) {
	o, err := parseFlags(nil, envMap(nil), io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if o.host != "mosquitto" || o.port != 8883 || !o.useTLS {
		t.Errorf("broker = %s:%d tls=%v", o.host, o.port, o.useTLS)
	}
	if o.topic != "esp/Entrance" || o.nonceLength != 8 {
		t.Errorf("topic = %q, nonce length = %d", o.topic, o.nonceLength)
	}
	if o.waitDevice != 10 || o.waitConfirm != 5 {
		t.Errorf("waits = %d/%d, want 10/5", o.waitDevice, o.waitConfirm)
	}
}

func TestParseFlags_Environment(t *testing.T) {
	env := envMap(map[string]string{
		"MQTT_HOST":       "broker.local",
		"MQTT_PORT":       "1883",
		"MQTT_USE_TLS":    "false",
		"DISCOVERY_TOPIC": "lab/Entrance",
		"NONCE_LENGTH":    "6",
		"MQTT_PORT_BOGUS": "x",
	})
	o, err := parseFlags(nil, env, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if o.host != "broker.local" || o.port != 1883 || o.useTLS {
		t.Errorf("broker = %s:%d tls=%v", o.host, o.port, o.useTLS)
	}
	if o.topic != "lab/Entrance" || o.nonceLength != 6 {
		t.Errorf("topic = %q, nonce length = %d", o.topic, o.nonceLength)
	}
}

func TestParseFlags_FlagsOverrideEnvironment(t *testing.T) {
	env := envMap(map[string]string{"MQTT_HOST": "from-env", "MQTT_PORT": "not-a-number"})
	o, err := parseFlags([]string{"--host", "from-flag", "--no-tls", "-t", "x/y", "--wait-confirm", "0"}, env, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if o.host != "from-flag" {
		t.Errorf("host = %q, want from-flag", o.host)
	}
	if o.port != 8883 {
		t.Errorf("port = %d, want the default for an unparseable env value", o.port)
	}
	if o.useTLS {
		t.Error("--no-tls ignored")
	}
	if o.topic != "x/y" || o.waitConfirm != 0 {
		t.Errorf("topic = %q, wait-confirm = %d", o.topic, o.waitConfirm)
	}
}

func TestParseFlags_InvalidPort(t *testing.T) {
	if _, err := parseFlags([]string{"--port", "70000"}, envMap(nil), io.Discard); err == nil {
		t.Error("parseFlags() error = nil, want invalid port")
	}
	if _, err := parseFlags([]string{"--bogus"}, envMap(nil), io.Discard); err == nil {
		t.Error("parseFlags() error = nil, want unknown flag")
	}
}

func TestMQTTConfig(t *testing.T) {
	o := options{host: "h", port: 8883, useTLS: true, caFile: "/ca.crt", username: "u", password: "p"}
	cfg := o.mqttConfig()
	if cfg.Broker.Host != "h" || cfg.Broker.Port != 8883 || !cfg.Broker.TLS {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.TLS.CAFile != "/ca.crt" || cfg.Auth.Username != "u" || cfg.Auth.Password != "p" {
		t.Errorf("cfg = %+v", cfg)
	}

	o.useTLS = false
	if got := o.mqttConfig(); got.TLS.CAFile != "" || got.Broker.TLS {
		t.Errorf("plain config carries TLS settings: %+v", got)
	}

	if got := config.Seconds(5); got != 5*time.Second {
		t.Errorf("Seconds(5) = %v", got)
	}
}
