// espdiscover runs one registration handshake with a sensor on the bus,
// without the bridge. Useful on a bench before a sensor joins the fleet.
//
// Flags default from the environment:
//
//	MQTT_HOST, MQTT_PORT, MQTT_USE_TLS, MQTT_CA_CERTS,
//	MQTT_USERNAME, MQTT_PASSWORD, DISCOVERY_TOPIC, NONCE_LENGTH,
//	WAIT_DEVICE_SEC, WAIT_CONFIRM_SEC
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/espbridge/internal/discovery"
	"github.com/nerrad567/espbridge/internal/infrastructure/config"
	"github.com/nerrad567/espbridge/internal/infrastructure/logging"
	"github.com/nerrad567/espbridge/internal/infrastructure/mqtt"
)

var version = "dev"

// options are the parsed command-line settings.
type options struct {
	host        string
	port        int
	useTLS      bool
	caFile      string
	username    string
	password    string
	topic       string
	nonceLength int
	waitDevice  int
	waitConfirm int
	logLevel    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := parseFlags(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads flags, taking defaults from getenv.
func parseFlags(args []string, getenv func(string) string, out io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("espdiscover", pflag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&o.host, "host", envString(getenv, "MQTT_HOST", "mosquitto"), "broker host")
	fs.IntVar(&o.port, "port", envInt(getenv, "MQTT_PORT", 8883), "broker port")
	fs.BoolVar(&o.useTLS, "tls", envBool(getenv, "MQTT_USE_TLS", true), "connect with TLS")
	fs.StringVar(&o.caFile, "ca-certs", envString(getenv, "MQTT_CA_CERTS", "./mosquitto/certs/ca.crt"), "CA certificate file")
	fs.StringVar(&o.username, "username", getenv("MQTT_USERNAME"), "broker username")
	fs.StringVar(&o.password, "password", getenv("MQTT_PASSWORD"), "broker password")
	fs.StringVarP(&o.topic, "topic", "t", envString(getenv, "DISCOVERY_TOPIC", mqtt.TopicDiscovery), "discovery topic")
	fs.IntVar(&o.nonceLength, "nonce-length", envInt(getenv, "NONCE_LENGTH", discovery.DefaultNonceLength), "nonce length (1-10)")
	fs.IntVar(&o.waitDevice, "wait-device", envInt(getenv, "WAIT_DEVICE_SEC", 10), "seconds to wait for a sensor reply")
	fs.IntVar(&o.waitConfirm, "wait-confirm", envInt(getenv, "WAIT_CONFIRM_SEC", 5), "seconds to wait for the sensor's acknowledgement (0 to skip)")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level")

	noTLS := fs.Bool("no-tls", false, "disable TLS")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *noTLS {
		o.useTLS = false
	}
	if o.port <= 0 || o.port > 65535 {
		return options{}, fmt.Errorf("invalid port %d", o.port)
	}
	return o, nil
}

// mqttConfig maps the options onto the bus client's config.
func (o options) mqttConfig() config.MQTTConfig {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host: o.host,
			Port: o.port,
			TLS:  o.useTLS,
		},
		Auth: config.MQTTAuthConfig{
			Username: o.username,
			Password: o.password,
		},
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     10,
		},
	}
	if o.useTLS {
		cfg.TLS.CAFile = o.caFile
	}
	return cfg
}

func run(ctx context.Context, o options) error {
	log := logging.New(config.LoggingConfig{Level: o.logLevel, Format: "text", Output: "stderr"}, version)

	client, err := mqtt.Connect(o.mqttConfig())
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		// Let the confirm leave the client before disconnecting.
		time.Sleep(time.Second)
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	client.SetLogger(log)
	log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", o.host, o.port), "tls", o.useTLS)

	actor := discovery.New(client, discovery.Config{
		Topic:       o.topic,
		NonceLength: o.nonceLength,
		WaitDevice:  config.Seconds(o.waitDevice),
		WaitConfirm: config.Seconds(o.waitConfirm),
	}, log)

	res, err := actor.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("registered device_id=%s mac=%s nonce=%s acknowledged=%t\n",
		res.Reply.DeviceID, res.Reply.MAC, res.Nonce, res.Acknowledged)
	return nil
}

func envString(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(getenv(key))); err == nil {
		return n
	}
	return def
}

func envBool(getenv func(string) string, key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(getenv(key))); err == nil {
		return b
	}
	return def
}
