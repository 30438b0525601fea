package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for MRS Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site         SiteConfig         `yaml:"site"`
	Database     DatabaseConfig     `yaml:"database"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Engine       EngineConfig       `yaml:"engine"`
	Redis        RedisConfig        `yaml:"redis"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the relational store.
//
// The sqlite driver uses Path; the postgres driver uses DSN.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	DSN          string `yaml:"dsn"`
	WALMode      bool   `yaml:"wal_mode"`
	BusyTimeout  int    `yaml:"busy_timeout"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
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

// Gateway modes.
const (
	GatewaySimulator = "simulator"
	GatewayMQTT      = "mqtt"
)

// GatewayConfig selects and tunes the device gateway.
type GatewayConfig struct {
	// Mode is "simulator" or "mqtt".
	Mode string `yaml:"mode"`

	// AckTimeout bounds the wait for a command acknowledgement (milliseconds).
	AckTimeout int `yaml:"ack_timeout_ms"`

	// ActionTimeout bounds the wait for physical completion after an accepted
	// command (seconds).
	ActionTimeout int `yaml:"action_timeout"`

	// SensorTimeout bounds an aisle sensor query (milliseconds).
	SensorTimeout int `yaml:"sensor_timeout_ms"`

	Simulator SimulatorConfig `yaml:"simulator"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// SimulatorConfig tunes the deterministic device simulator.
type SimulatorConfig struct {
	OpenDelay     int      `yaml:"open_delay_ms"`
	CloseDelay    int      `yaml:"close_delay_ms"`
	BlockedAisles []string `yaml:"blocked_aisles"`
}

// BreakerConfig configures the circuit breaker in front of command publishes.
type BreakerConfig struct {
	MaxFailures int `yaml:"max_failures"`
	OpenTimeout int `yaml:"open_timeout"`
}

// EngineConfig tunes the orchestration engine.
type EngineConfig struct {
	// SessionIdle is the sliding idle budget of an open session (seconds).
	SessionIdle int `yaml:"session_idle"`

	// SweepInterval is how often housekeeping runs (seconds). 0 disables it.
	SweepInterval int `yaml:"sweep_interval"`

	// StaleActionAfter fails device actions that never completed (seconds).
	StaleActionAfter int `yaml:"stale_action_after"`
}

// RedisConfig enables the cross-instance sweep lock.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LockTTL  int    `yaml:"lock_ttl"`
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

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT verification settings.
//
// When Enabled is false the API trusts the X-Actor header. That mode exists
// for bench rigs and must not be used on a live site.
type JWTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

// ProvisioningConfig points at the bank/device/aisle seed file.
type ProvisioningConfig struct {
	File string `yaml:"file"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MRS_SECTION_KEY
// For example: MRS_DATABASE_DSN, MRS_API_PORT
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

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "MRS",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			Path:         "./data/mrs.db",
			WALMode:      true,
			BusyTimeout:  5,
			MaxOpenConns: 10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "mrs-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			TopicPrefix: "mrs",
		},
		Gateway: GatewayConfig{
			Mode:          GatewaySimulator,
			AckTimeout:    3000,
			ActionTimeout: 60,
			SensorTimeout: 2000,
			Simulator: SimulatorConfig{
				OpenDelay:  2000,
				CloseDelay: 2000,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30,
			},
		},
		Engine: EngineConfig{
			SessionIdle:      60,
			SweepInterval:    15,
			StaleActionAfter: 300,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			LockTTL: 10,
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
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "mrs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Enabled: true,
			},
		},
		Provisioning: ProvisioningConfig{
			File: "./configs/provisioning.yaml",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MRS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("MRS_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MRS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MRS_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// MQTT
	if v := os.Getenv("MRS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MRS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MRS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Gateway
	if v := os.Getenv("MRS_GATEWAY_MODE"); v != "" {
		cfg.Gateway.Mode = v
	}

	// Redis
	if v := os.Getenv("MRS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("MRS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// API
	if v := os.Getenv("MRS_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MRS_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("MRS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("MRS_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver (set MRS_DATABASE_DSN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch c.Gateway.Mode {
	case GatewaySimulator, GatewayMQTT:
	default:
		errs = append(errs, fmt.Sprintf("gateway.mode %q is not supported (simulator, mqtt)", c.Gateway.Mode))
	}
	if c.Gateway.AckTimeout <= 0 {
		errs = append(errs, "gateway.ack_timeout_ms must be positive")
	}
	if c.Gateway.ActionTimeout <= 0 {
		errs = append(errs, "gateway.action_timeout must be positive")
	}

	if c.Engine.SessionIdle <= 0 {
		errs = append(errs, "engine.session_idle must be positive")
	}
	if c.Engine.SweepInterval < 0 {
		errs = append(errs, "engine.sweep_interval must not be negative")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Operators open physical aisles through this API, so a forged actor is
	// a safety problem, not just an audit one.
	const minJWTSecretLength = 32
	if c.Security.JWT.Enabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set MRS_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
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

// GetAckTimeout returns the gateway acknowledgement timeout.
func (g GatewayConfig) GetAckTimeout() time.Duration {
	return time.Duration(g.AckTimeout) * time.Millisecond
}

// GetActionTimeout returns the gateway action completion timeout.
func (g GatewayConfig) GetActionTimeout() time.Duration {
	return time.Duration(g.ActionTimeout) * time.Second
}

// GetSensorTimeout returns the aisle sensor query timeout.
func (g GatewayConfig) GetSensorTimeout() time.Duration {
	return time.Duration(g.SensorTimeout) * time.Millisecond
}

// GetSessionIdle returns the open-session idle budget.
func (e EngineConfig) GetSessionIdle() time.Duration {
	return time.Duration(e.SessionIdle) * time.Second
}

// GetSweepInterval returns the housekeeping interval.
func (e EngineConfig) GetSweepInterval() time.Duration {
	return time.Duration(e.SweepInterval) * time.Second
}

// GetStaleActionAfter returns the age after which an unfinished action is failed.
func (e EngineConfig) GetStaleActionAfter() time.Duration {
	return time.Duration(e.StaleActionAfter) * time.Second
}
