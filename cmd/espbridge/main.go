// ESP Bridge
//
// espbridge connects a fleet of ESP security sensors on an MQTT bus to the
// operator's store: it registers sensors, records their alerts and
// heartbeats, keeps their blocklists and whitelists in sync and serves the
// operator API.
//
// Configuration is read from ESPBRIDGE_CONFIG (default configs/config.yaml)
// and ESPBRIDGE_* environment overrides.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/espbridge/migrations"

	"github.com/nerrad567/espbridge/internal/account"
	"github.com/nerrad567/espbridge/internal/api"
	"github.com/nerrad567/espbridge/internal/blocklist"
	"github.com/nerrad567/espbridge/internal/bridge"
	"github.com/nerrad567/espbridge/internal/device"
	"github.com/nerrad567/espbridge/internal/event"
	"github.com/nerrad567/espbridge/internal/infrastructure/config"
	"github.com/nerrad567/espbridge/internal/infrastructure/database"
	"github.com/nerrad567/espbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/espbridge/internal/infrastructure/logging"
	"github.com/nerrad567/espbridge/internal/infrastructure/mqtt"
)

// Set at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge together and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting ESP bridge", "version", version, "commit", commit, "build_date", date)

	configPath, explicit := getConfigPath()
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	loc, err := time.LoadLocation(cfg.Site.Timezone)
	if err != nil {
		return fmt.Errorf("loading site timezone %q: %w", cfg.Site.Timezone, err)
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "org", cfg.InfluxDB.Org, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(hubCtx)

	devices := device.NewSQLiteRepository(db.DB)
	events := event.NewSQLiteRepository(db.DB)

	opts := bridge.Options{
		Config:    cfg.Bridge,
		Topics:    cfg.MQTT.Topics,
		QoS:       byte(cfg.MQTT.QoS),
		Location:  loc,
		MQTT:      mqttClient,
		Devices:   devices,
		Events:    events,
		Blocklist: blocklist.NewSQLiteRepository(db.DB),
		Accounts:  account.NewSQLiteRepository(db.DB),
		Notifier:  hub,
		Logger:    log.With("component", "bridge"),
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}
	engine, err := bridge.New(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer engine.Stop()

	server, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Logger:       log.With("component", "api"),
		Engine:       engine,
		Devices:      devices,
		Events:       events,
		MQTT:         mqttClient,
		ControlTopic: cfg.Bridge.ControlTopic,
		Hub:          hub,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the config path and whether it was set explicitly.
func getConfigPath() (string, bool) {
	if path := os.Getenv("ESPBRIDGE_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// loadConfig reads the config file. A missing default file falls back to
// the built-in defaults; a missing explicit file is an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default()
	}
	return config.Load(path)
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, server *api.Server) error {
	checks := []struct {
		name string
		c    healthChecker
	}{
		{"database", db},
		{"mqtt", mqttClient},
		{"api", server},
	}
	if influxClient != nil {
		checks = append(checks, struct {
			name string
			c    healthChecker
		}{"influxdb", influxClient})
	}
	for _, check := range checks {
		if err := check.c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}
	return nil
}
