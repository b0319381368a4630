package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the IoT gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Database  DatabaseConfig  `yaml:"database"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Command   CommandConfig   `yaml:"command"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains settings for the gateway's local SQLite database
// (command log, audit history and, in development, the account store).
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// AccountsConfig selects the account/ownership store and tunes the device
// registry cache in front of it.
type AccountsConfig struct {
	// Driver is "sqlite" (uses the local database) or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// CacheTTL bounds how long an ownership entry is served from cache (seconds).
	CacheTTL int `yaml:"cache_ttl"`
	// MissTTL bounds how long an unknown device is remembered as unknown (seconds).
	MissTTL int `yaml:"miss_ttl"`
	// LookupTimeout bounds a single store lookup (milliseconds).
	LookupTimeout int `yaml:"lookup_timeout"`
	// LivenessFlushInterval is how often pending last-seen marks are written (seconds).
	LivenessFlushInterval int `yaml:"liveness_flush_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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
// Delays are in seconds; the reconnect interval doubles up to MaxDelay.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TelemetryConfig tunes the telemetry router.
type TelemetryConfig struct {
	Workers          int `yaml:"workers"`
	QueueSize        int `yaml:"queue_size"`
	HistoryQueueSize int `yaml:"history_queue_size"`
}

// CommandConfig tunes the command dispatcher.
type CommandConfig struct {
	// PublishRetries is the number of extra publish attempts made when the
	// broker is unavailable. Zero leaves retrying to the caller.
	PublishRetries int `yaml:"publish_retries"`
	// RetryBackoff is the pause between attempts (milliseconds).
	RetryBackoff int `yaml:"retry_backoff"`
	// IncludeCorrelationID adds "correlation_id" to the command body.
	IncludeCorrelationID bool `yaml:"include_correlation_id"`
	// SubscribeAcks enables the iot/devices/+/ack subscription.
	SubscribeAcks bool `yaml:"subscribe_acks"`
	// AckQueueSize bounds acks waiting to be written to the command log.
	AckQueueSize int `yaml:"ack_queue_size"`
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
}

// WebSocketConfig contains push channel settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	LegacyPath     string `yaml:"legacy_path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendQueueSize  int    `yaml:"send_queue_size"`
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

// KafkaConfig contains settings for the telemetry export topic.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// BatchTimeout is in milliseconds.
	BatchTimeout int `yaml:"batch_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT     JWTConfig     `yaml:"jwt"`
	Tickets TicketsConfig `yaml:"tickets"`
}

// TicketsConfig selects where single-use push tickets are kept.
type TicketsConfig struct {
	// Backend is "memory" (single instance) or "redis" (shared between
	// gateway instances behind a load balancer).
	Backend       string `yaml:"backend"`
	TTL           int    `yaml:"ttl"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// AccessTokenTTL is in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: IOTGW_SECTION_KEY
// For example: IOTGW_DATABASE_PATH, IOTGW_MQTT_HOST
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:   "gateway-001",
			Name: "IoT Gateway",
		},
		Database: DatabaseConfig{
			Path:        "./data/gateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Accounts: AccountsConfig{
			Driver:                "sqlite",
			CacheTTL:              60,
			MissTTL:               30,
			LookupTimeout:         2000,
			LivenessFlushInterval: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Telemetry: TelemetryConfig{
			Workers:          4,
			QueueSize:        1024,
			HistoryQueueSize: 4096,
		},
		Command: CommandConfig{
			RetryBackoff:  500,
			SubscribeAcks: true,
			AckQueueSize:  256,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 10000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			LegacyPath:     "/ws/sensor_data",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendQueueSize:  256,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "telemetry",
			BatchSize:     500,
			FlushInterval: 1,
		},
		Kafka: KafkaConfig{
			Topic:        "iot.telemetry",
			BatchTimeout: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 30,
			},
			Tickets: TicketsConfig{
				Backend:   "memory",
				TTL:       60,
				RedisAddr: "localhost:6379",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: IOTGW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("IOTGW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Accounts
	if v := os.Getenv("IOTGW_ACCOUNTS_DRIVER"); v != "" {
		cfg.Accounts.Driver = v
	}
	if v := os.Getenv("IOTGW_ACCOUNTS_DSN"); v != "" {
		cfg.Accounts.DSN = v
	}

	// MQTT
	if v := os.Getenv("IOTGW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("IOTGW_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("IOTGW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("IOTGW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("IOTGW_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("IOTGW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Kafka
	if v := os.Getenv("IOTGW_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("IOTGW_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("IOTGW_TICKETS_BACKEND"); v != "" {
		cfg.Security.Tickets.Backend = v
	}
	if v := os.Getenv("IOTGW_REDIS_ADDR"); v != "" {
		cfg.Security.Tickets.RedisAddr = v
	}
	if v := os.Getenv("IOTGW_REDIS_PASSWORD"); v != "" {
		cfg.Security.Tickets.RedisPassword = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch c.Accounts.Driver {
	case "sqlite":
	case "postgres":
		if c.Accounts.DSN == "" {
			errs = append(errs, "accounts.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "accounts.driver must be sqlite or postgres")
	}
	if c.Accounts.CacheTTL < 1 {
		errs = append(errs, "accounts.cache_ttl must be at least 1 second")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must not be below initial_delay")
	}

	if c.Telemetry.Workers < 1 {
		errs = append(errs, "telemetry.workers must be at least 1")
	}
	if c.Telemetry.QueueSize < 1 {
		errs = append(errs, "telemetry.queue_size must be at least 1")
	}

	if c.Command.PublishRetries < 0 {
		errs = append(errs, "command.publish_retries must not be negative")
	}
	if c.Command.AckQueueSize < 0 {
		errs = append(errs, "command.ack_queue_size must not be negative")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.WebSocket.SendQueueSize < 1 {
		errs = append(errs, "websocket.send_queue_size must be at least 1")
	}
	if c.WebSocket.PingInterval < 1 {
		errs = append(errs, "websocket.ping_interval must be at least 1 second")
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, "kafka.brokers and kafka.topic are required when kafka is enabled")
	}

	// Forged tokens would let anyone command physical devices.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set IOTGW_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	switch c.Security.Tickets.Backend {
	case "memory":
	case "redis":
		if c.Security.Tickets.RedisAddr == "" {
			errs = append(errs, "security.tickets.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, "security.tickets.backend must be memory or redis")
	}
	if c.Security.Tickets.TTL < 1 {
		errs = append(errs, "security.tickets.ttl must be at least 1 second")
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

// CacheTTLDuration returns the registry positive-entry lifetime.
func (a AccountsConfig) CacheTTLDuration() time.Duration {
	return time.Duration(a.CacheTTL) * time.Second
}

// MissTTLDuration returns how long an unknown device stays negative-cached.
func (a AccountsConfig) MissTTLDuration() time.Duration {
	return time.Duration(a.MissTTL) * time.Second
}

// LookupTimeoutDuration returns the bound on a single store lookup.
func (a AccountsConfig) LookupTimeoutDuration() time.Duration {
	return time.Duration(a.LookupTimeout) * time.Millisecond
}

// LivenessFlushDuration returns the liveness flush period.
func (a AccountsConfig) LivenessFlushDuration() time.Duration {
	return time.Duration(a.LivenessFlushInterval) * time.Second
}

// RetryBackoffDuration returns the pause between command publish attempts.
func (c CommandConfig) RetryBackoffDuration() time.Duration {
	return time.Duration(c.RetryBackoff) * time.Millisecond
}

// PingIntervalDuration returns the push heartbeat ping period.
func (w WebSocketConfig) PingIntervalDuration() time.Duration {
	return time.Duration(w.PingInterval) * time.Second
}

// HeartbeatTimeout returns how long a push connection may stay silent.
func (w WebSocketConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(w.PingInterval+w.PongTimeout) * time.Second
}

// TTLDuration returns the lifetime of an unredeemed push ticket.
func (t TicketsConfig) TTLDuration() time.Duration {
	return time.Duration(t.TTL) * time.Second
}
