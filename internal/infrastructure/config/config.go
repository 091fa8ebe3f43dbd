package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override.
const envPrefix = "ESPBRIDGE_"

// Config is the root configuration structure for the ESP bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Timezone is the IANA zone used for naive device timestamps when the
	// owning account has no zone of its own.
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	TLS       MQTTTLSConfig       `yaml:"tls"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	// Topics is the subscription list. Wildcard entries also feed the
	// generic fallback route.
	Topics []string `yaml:"topics"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTTLSConfig contains broker certificate settings, used when Broker.TLS is set.
type MQTTTLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// BridgeConfig tunes the device bridge engine.
type BridgeConfig struct {
	AccountID int64 `yaml:"account_id"`

	DiscoveryTopic   string   `yaml:"discovery_topic"`
	DiscoveryAliases []string `yaml:"discovery_aliases"`
	AlertTopic       string   `yaml:"alert_topic"`
	SettingsTopics   []string `yaml:"settings_topics"`
	AliveTopic       string   `yaml:"alive_topic"`
	ControlTopic     string   `yaml:"control_topic"`
	NoiseTopics      []string `yaml:"noise_topics"`

	// DiscoveryInterval is in seconds; zero or negative disables the loop.
	DiscoveryInterval int  `yaml:"discovery_interval"`
	DiscoveryNonce    bool `yaml:"discovery_nonce"`
	// PendingTTL is in seconds.
	PendingTTL      int  `yaml:"pending_ttl"`
	AllowReregister bool `yaml:"allow_reregister"`

	// SettingsPollInterval is in seconds; zero or negative disables the loop.
	SettingsPollInterval int `yaml:"settings_poll_interval"`
	PollConcurrency      int `yaml:"poll_concurrency"`

	// PruneInterval is in seconds; zero or negative disables the loop.
	PruneInterval int `yaml:"prune_interval"`
	// DeviceRetention is in hours.
	DeviceRetention int `yaml:"device_retention"`
	// EventRetention is in days; zero keeps events forever.
	EventRetention int `yaml:"event_retention"`

	// WhitelistWindow is in minutes.
	WhitelistWindow int `yaml:"whitelist_window"`
	// WhitelistMinInterval is in seconds.
	WhitelistMinInterval int `yaml:"whitelist_min_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern ESPBRIDGE_SECTION_KEY,
// for example ESPBRIDGE_DATABASE_PATH or ESPBRIDGE_MQTT_HOST.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. It is used when no config file exists.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "ESP Bridge",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/espbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "mosquitto",
				Port:     1883,
				ClientID: "espbridge",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			Topics: []string{
				"esp/alert",
				"esp/setting/now",
				"esp/setting/control",
				"esp/alive",
				"esp/Entrance",
				"esp/esp/Entrance",
				"esp/#",
			},
		},
		Bridge: BridgeConfig{
			AccountID:            1,
			DiscoveryTopic:       "esp/Entrance",
			DiscoveryAliases:     []string{"esp/esp/Entrance"},
			AlertTopic:           "esp/alert",
			SettingsTopics:       []string{"esp/setting/now", "esp/setting/control"},
			AliveTopic:           "esp/alive",
			ControlTopic:         "esp/setting/Control",
			NoiseTopics:          []string{"esp/alive/check"},
			DiscoveryInterval:    15,
			DiscoveryNonce:       true,
			PendingTTL:           300,
			SettingsPollInterval: 60,
			PollConcurrency:      4,
			PruneInterval:        3600,
			DeviceRetention:      720,
			EventRetention:       30,
			WhitelistWindow:      30,
			WhitelistMinInterval: 3,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := getenv("MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v, ok := getenvInt("MQTT_PORT"); ok {
		cfg.MQTT.Broker.Port = v
	}
	if v := getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := getenv("MQTT_TOPICS"); v != "" {
		cfg.MQTT.Topics = splitList(v)
	}
	if v, ok := getenvBool("MQTT_TLS"); ok {
		cfg.MQTT.Broker.TLS = v
	}
	if v := getenv("MQTT_CA_FILE"); v != "" {
		cfg.MQTT.TLS.CAFile = v
	}

	// Bridge
	if v, ok := getenvInt("DISCOVERY_INTERVAL"); ok {
		cfg.Bridge.DiscoveryInterval = v
	}
	if v, ok := getenvBool("ALLOW_REREGISTER"); ok {
		cfg.Bridge.AllowReregister = v
	}

	// API
	if v := getenv("API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func getenvInt(key string) (int, bool) {
	v := getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getenvBool(key string) (bool, bool) {
	switch strings.ToLower(getenv(key)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// splitList splits a comma-separated value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if len(c.MQTT.Topics) == 0 {
		errs = append(errs, "mqtt.topics must list at least one topic")
	}

	if c.Bridge.AccountID < 1 {
		errs = append(errs, "bridge.account_id must be positive")
	}
	if c.Bridge.DiscoveryTopic == "" {
		errs = append(errs, "bridge.discovery_topic is required")
	}
	if c.Bridge.ControlTopic == "" {
		errs = append(errs, "bridge.control_topic is required")
	}
	for _, t := range c.Bridge.SettingsTopics {
		if t == c.Bridge.ControlTopic {
			errs = append(errs, fmt.Sprintf("bridge.control_topic %q must differ from the settings topics", t))
		}
	}
	if c.Bridge.PendingTTL <= 0 {
		errs = append(errs, "bridge.pending_ttl must be positive")
	}
	if c.Bridge.DeviceRetention <= 0 {
		errs = append(errs, "bridge.device_retention must be positive")
	}
	if c.Bridge.EventRetention < 0 {
		errs = append(errs, "bridge.event_retention must not be negative")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Seconds converts a seconds field to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// PendingTTLDuration returns the registration ledger TTL.
func (b BridgeConfig) PendingTTLDuration() time.Duration {
	return Seconds(b.PendingTTL)
}

// DeviceRetentionDuration returns how long a silent device is kept.
func (b BridgeConfig) DeviceRetentionDuration() time.Duration {
	return time.Duration(b.DeviceRetention) * time.Hour
}

// EventRetentionDuration returns how long events are kept, or zero for forever.
func (b BridgeConfig) EventRetentionDuration() time.Duration {
	return time.Duration(b.EventRetention) * 24 * time.Hour
}

// WhitelistWindowDuration returns the liveness window for the whitelist union.
func (b BridgeConfig) WhitelistWindowDuration() time.Duration {
	return time.Duration(b.WhitelistWindow) * time.Minute
}
