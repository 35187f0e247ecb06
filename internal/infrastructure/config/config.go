package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for instrumental.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Redis       RedisConfig       `yaml:"redis"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	VISA        VISAConfig        `yaml:"visa"`
	Instruments InstrumentsConfig `yaml:"instruments"`
}

// SiteConfig identifies the lab station publishing events.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays bounds the facet history table. Zero keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
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

// RedisConfig contains settings for the change-event queue.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
	// ListLength bounds the per-instrument backup list (LTRIM).
	ListLength int `yaml:"list_length"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// VISAConfig configures the native VISA backends.
type VISAConfig struct {
	// OpenTimeout bounds a single resource open, in milliseconds.
	OpenTimeout int `yaml:"open_timeout"`
	// IOTimeout is the default read timeout for opened resources, in milliseconds.
	IOTimeout int `yaml:"io_timeout"`
	// ListQuery is the resource glob used for enumeration.
	ListQuery string `yaml:"list_query"`
	// PrologixPort is the serial port of a Prologix GPIB-USB controller.
	// GPIB addresses are unavailable when empty.
	PrologixPort string `yaml:"prologix_port"`
	// SerialBaudRate is used for ASRL resources.
	SerialBaudRate int `yaml:"serial_baud_rate"`
	// USB enables USBTMC enumeration through libusb.
	USB bool `yaml:"usb"`
	// SocketHosts lists TCPIP socket resources to offer during enumeration,
	// e.g. "TCPIP0::192.168.1.20::5025::SOCKET".
	SocketHosts []string `yaml:"socket_hosts"`
}

// InstrumentsConfig controls resolution and persistence.
type InstrumentsConfig struct {
	// ReopenPolicy is the default policy: strict, reuse or new.
	ReopenPolicy string `yaml:"reopen_policy"`
	// DriverBlacklist lists driver modules skipped by list operations.
	DriverBlacklist []string `yaml:"driver_blacklist"`
	// Store selects the alias/state backend: sqlite or file.
	Store string `yaml:"store"`
	// ConfigFile is the INI file holding the [instruments] section (file store).
	ConfigFile string `yaml:"config_file"`
	// StateDir holds per-alias state files (file store).
	StateDir string `yaml:"state_dir"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: INSTRUMENTAL_SECTION_KEY
// For example: INSTRUMENTAL_DATABASE_PATH, INSTRUMENTAL_API_PORT
//
// An empty path skips the file and uses defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "bench-001",
			Name: "Instrumental",
		},
		Database: DatabaseConfig{
			Path:        "./data/instrumental.db",
			WALMode:     true,
			BusyTimeout: 5,

			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "instrumental",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8181,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Org:           "lab",
			Bucket:        "instruments",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			Channel:    "instrumental:events",
			ListLength: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		VISA: VISAConfig{
			OpenTimeout:    2000,
			IOTimeout:      2000,
			ListQuery:      "?*::INSTR",
			SerialBaudRate: 9600,
		},
		Instruments: InstrumentsConfig{
			ReopenPolicy: "reuse",
			Store:        "sqlite",
			ConfigFile:   "./data/instrumental.conf",
			StateDir:     "./data/state",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: INSTRUMENTAL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("INSTRUMENTAL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("INSTRUMENTAL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("INSTRUMENTAL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("INSTRUMENTAL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("INSTRUMENTAL_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("INSTRUMENTAL_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("INSTRUMENTAL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Redis
	if v := os.Getenv("INSTRUMENTAL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("INSTRUMENTAL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// VISA
	if v := os.Getenv("INSTRUMENTAL_VISA_PROLOGIX_PORT"); v != "" {
		cfg.VISA.PrologixPort = v
	}

	// Instruments
	if v := os.Getenv("INSTRUMENTAL_REOPEN_POLICY"); v != "" {
		cfg.Instruments.ReopenPolicy = v
	}
	if v := os.Getenv("INSTRUMENTAL_DRIVER_BLACKLIST"); v != "" {
		cfg.Instruments.DriverBlacklist = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	switch c.Instruments.Store {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite store")
		}
	case "file":
		if c.Instruments.ConfigFile == "" {
			errs = append(errs, "instruments.config_file is required for the file store")
		}
		if c.Instruments.StateDir == "" {
			errs = append(errs, "instruments.state_dir is required for the file store")
		}
	default:
		errs = append(errs, "instruments.store must be sqlite or file")
	}

	switch c.Instruments.ReopenPolicy {
	case "strict", "reuse", "new":
	default:
		errs = append(errs, "instruments.reopen_policy must be strict, reuse, or new")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if c.VISA.IOTimeout <= 0 {
		errs = append(errs, "visa.io_timeout must be positive")
	}
	if c.VISA.SerialBaudRate <= 0 {
		errs = append(errs, "visa.serial_baud_rate must be positive")
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

// GetIOTimeout returns the default VISA read timeout.
func (c *Config) GetIOTimeout() time.Duration {
	return time.Duration(c.VISA.IOTimeout) * time.Millisecond
}

// GetOpenTimeout returns the VISA open timeout.
func (c *Config) GetOpenTimeout() time.Duration {
	return time.Duration(c.VISA.OpenTimeout) * time.Millisecond
}
