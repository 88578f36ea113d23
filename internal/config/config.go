package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ericfitz/tmi-collab/internal/envutil"
	"github.com/ericfitz/tmi-collab/internal/slogging"
	"gopkg.in/yaml.v3"
)

// Bus drivers
const (
	BusDriverRedis    = "redis"
	BusDriverPostgres = "postgres"
	BusDriverMemory   = "memory"
	BusDriverNone     = "none"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Instance  InstanceConfig  `yaml:"instance"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Bus       BusConfig       `yaml:"bus"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port" env:"SERVER_PORT"`
	Interface       string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	TLSEnabled      bool          `yaml:"tls_enabled" env:"SERVER_TLS_ENABLED"`
	TLSCertFile     string        `yaml:"tls_cert_file" env:"SERVER_TLS_CERT_FILE"`
	TLSKeyFile      string        `yaml:"tls_key_file" env:"SERVER_TLS_KEY_FILE"`
}

// InstanceConfig identifies this server process on the bus. An empty ID is
// replaced by a random one at startup.
type InstanceConfig struct {
	ID string `yaml:"id" env:"INSTANCE_ID"`
}

// RoomsConfig holds collaboration room tuning
type RoomsConfig struct {
	// Palette is the ordered participant color list; at least 8 entries
	Palette          []string      `yaml:"palette" env:"ROOMS_PALETTE"`
	CursorThrottle   time.Duration `yaml:"cursor_throttle" env:"ROOMS_CURSOR_THROTTLE"`
	MaxRoomIDLength  int           `yaml:"max_room_id_length" env:"ROOMS_MAX_ROOM_ID_LENGTH"`
	MaxUsernameRunes int           `yaml:"max_username_runes" env:"ROOMS_MAX_USERNAME_RUNES"`
	InboxSize        int           `yaml:"inbox_size" env:"ROOMS_INBOX_SIZE"`
}

// WebSocketConfig holds WebSocket transport configuration
type WebSocketConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval" env:"WEBSOCKET_PING_INTERVAL"`
	PongTimeout     time.Duration `yaml:"pong_timeout" env:"WEBSOCKET_PONG_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WEBSOCKET_WRITE_TIMEOUT"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" env:"WEBSOCKET_MAX_MESSAGE_BYTES"`
	SendBufferSize  int           `yaml:"send_buffer_size" env:"WEBSOCKET_SEND_BUFFER_SIZE"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"WEBSOCKET_ALLOWED_ORIGINS"`
}

// BusConfig selects and tunes the shared pub/sub bus
type BusConfig struct {
	Driver         string        `yaml:"driver" env:"BUS_DRIVER"`
	ChannelPrefix  string        `yaml:"channel_prefix" env:"BUS_CHANNEL_PREFIX"`
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"BUS_PUBLISH_TIMEOUT"`
	OutboxSize     int           `yaml:"outbox_size" env:"BUS_OUTBOX_SIZE"`
}

// DatabaseConfig holds bus backend connection settings
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST"`
	Port     string `yaml:"port" env:"POSTGRES_PORT"`
	User     string `yaml:"user" env:"POSTGRES_USER"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
	Database string `yaml:"database" env:"POSTGRES_DATABASE"`
	SSLMode  string `yaml:"sslmode" env:"POSTGRES_SSL_MODE"`
}

// ConnectionString renders a lib/pq keyword/value DSN
func (p PostgresConfig) ConnectionString() string {
	parts := []string{
		"host=" + p.Host,
		"port=" + p.Port,
		"user=" + p.User,
		"dbname=" + p.Database,
		"sslmode=" + p.SSLMode,
	}
	if p.Password != "" {
		parts = append(parts, "password="+p.Password)
	}
	return strings.Join(parts, " ")
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	IsTest           bool   `yaml:"is_test" env:"LOGGING_IS_TEST"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
	LogWebSocketMsg  bool   `yaml:"log_websocket_messages" env:"LOGGING_LOG_WEBSOCKET_MESSAGES"`
	RedactPayloads   bool   `yaml:"redact_payloads" env:"LOGGING_REDACT_PAYLOADS"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"OTEL_SERVICE_VERSION"`
	Environment    string  `yaml:"environment" env:"OTEL_ENVIRONMENT"`
	TracingEnabled bool    `yaml:"tracing_enabled" env:"OTEL_TRACING_ENABLED"`
	SamplingRate   float64 `yaml:"sampling_rate" env:"OTEL_TRACING_SAMPLE_RATE"`
	// OTLPEndpoint is a gRPC host:port; empty selects the stdout exporter in dev
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"OTEL_METRICS_ENABLED"`
}

// DefaultPalette is the participant color list used when none is configured
var DefaultPalette = []string{
	"#E6194B", "#3CB44B", "#4363D8", "#F58231",
	"#911EB4", "#42D4F4", "#F032E6", "#BFEF45",
	"#469990", "#9A6324", "#800000", "#000075",
}

// Load loads configuration from YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration with default values
func Default() *Config {
	return getDefaultConfig()
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Interface:       "0.0.0.0",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Rooms: RoomsConfig{
			Palette:          slices.Clone(DefaultPalette),
			CursorThrottle:   100 * time.Millisecond,
			MaxRoomIDLength:  128,
			MaxUsernameRunes: 64,
			InboxSize:        1024,
		},
		WebSocket: WebSocketConfig{
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageBytes: 64 * 1024,
			SendBufferSize:  256,
		},
		Bus: BusConfig{
			Driver:         BusDriverRedis,
			ChannelPrefix:  "tmi:collab:room:",
			PublishTimeout: 2 * time.Second,
			OutboxSize:     4096,
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     "5432",
				User:     "postgres",
				Database: "tmi",
				SSLMode:  "disable",
			},
			Redis: RedisConfig{
				Host: "localhost",
				Port: "6379",
			},
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
			RedactPayloads:   true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "tmi-collab",
			ServiceVersion: "dev",
			Environment:    "development",
			SamplingRate:   1.0,
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
	}
}

func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment
// variables. Both SERVER_PORT and TMI_SERVER_PORT are honored.
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := envutil.Get(envTag, "")
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		slice := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				slice = append(slice, trimmed)
			}
		}
		field.Set(reflect.ValueOf(slice))
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key files are required when tls is enabled")
	}

	if len(c.Rooms.Palette) < 8 {
		return fmt.Errorf("rooms palette needs at least 8 colors, got %d", len(c.Rooms.Palette))
	}
	seen := make(map[string]bool, len(c.Rooms.Palette))
	for _, color := range c.Rooms.Palette {
		key := strings.ToLower(color)
		if seen[key] {
			return fmt.Errorf("rooms palette contains duplicate color %s", color)
		}
		seen[key] = true
	}
	if c.Rooms.CursorThrottle < 100*time.Millisecond {
		return fmt.Errorf("cursor throttle must be at least 100ms")
	}
	if c.Rooms.MaxRoomIDLength <= 0 || c.Rooms.MaxUsernameRunes <= 0 {
		return fmt.Errorf("room id and username limits must be positive")
	}
	if c.Rooms.InboxSize <= 0 {
		return fmt.Errorf("rooms inbox size must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket pong timeout must exceed a positive ping interval")
	}
	if c.WebSocket.MaxMessageBytes <= 0 || c.WebSocket.SendBufferSize <= 0 {
		return fmt.Errorf("websocket message and buffer limits must be positive")
	}

	switch c.Bus.Driver {
	case BusDriverRedis:
		if c.Database.Redis.Host == "" || c.Database.Redis.Port == "" {
			return fmt.Errorf("redis host and port are required for the redis bus")
		}
	case BusDriverPostgres:
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres host and database are required for the postgres bus")
		}
	case BusDriverMemory, BusDriverNone:
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	if c.Bus.Driver != BusDriverNone {
		if c.Bus.PublishTimeout <= 0 || c.Bus.OutboxSize <= 0 {
			return fmt.Errorf("bus publish timeout and outbox size must be positive")
		}
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry sampling rate must be between 0 and 1")
	}

	return nil
}

// IsTestMode returns true if running in test mode
func (c *Config) IsTestMode() bool {
	return c.Logging.IsTest || isRunningInTest()
}

func isRunningInTest() bool {
	return flag.Lookup("test.v") != nil
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}

// ListenAddr returns interface:port for the HTTP server
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Interface, c.Server.Port)
}

// WebSocketLogging returns the per-frame logging settings
func (c *Config) WebSocketLogging() slogging.WebSocketLoggingConfig {
	return slogging.WebSocketLoggingConfig{
		Enabled:        c.Logging.LogWebSocketMsg,
		RedactPayloads: c.Logging.RedactPayloads,
		MaxMessageSize: int(c.WebSocket.MaxMessageBytes),
	}
}
