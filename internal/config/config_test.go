package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ericfitz/tmi-collab/internal/slogging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Test Mode Detection Tests
// =============================================================================

func TestIsTestMode(t *testing.T) {
	config := &Config{}
	assert.True(t, config.IsTestMode(), "running under go test")

	config.Logging.IsTest = true
	assert.True(t, config.IsTestMode())
}

// =============================================================================
// Default Config Tests
// =============================================================================

func TestGetDefaultConfig(t *testing.T) {
	config := getDefaultConfig()

	assert.Equal(t, "8080", config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Interface)
	assert.Equal(t, 15*time.Second, config.Server.ShutdownTimeout)

	assert.Len(t, config.Rooms.Palette, 12)
	assert.Equal(t, 100*time.Millisecond, config.Rooms.CursorThrottle)
	assert.Equal(t, 64, config.Rooms.MaxUsernameRunes)

	assert.Equal(t, 30*time.Second, config.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, config.WebSocket.PongTimeout)

	assert.Equal(t, BusDriverRedis, config.Bus.Driver)
	assert.Equal(t, "tmi:collab:room:", config.Bus.ChannelPrefix)

	assert.Equal(t, "localhost:6379", config.Database.Redis.Addr())
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.Logging.RedactPayloads)

	assert.NoError(t, config.Validate())
}

func TestDefaultPaletteIsNotShared(t *testing.T) {
	config := getDefaultConfig()
	config.Rooms.Palette[0] = "#FFFFFF"

	assert.Equal(t, "#E6194B", DefaultPalette[0])
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"tls without cert", func(c *Config) { c.Server.TLSEnabled = true }, "tls cert"},
		{"short palette", func(c *Config) { c.Rooms.Palette = c.Rooms.Palette[:7] }, "at least 8 colors"},
		{"duplicate palette color", func(c *Config) { c.Rooms.Palette[1] = "#e6194b" }, "duplicate color"},
		{"throttle below minimum", func(c *Config) { c.Rooms.CursorThrottle = 50 * time.Millisecond }, "at least 100ms"},
		{"pong not after ping", func(c *Config) { c.WebSocket.PongTimeout = c.WebSocket.PingInterval }, "pong timeout"},
		{"unknown bus driver", func(c *Config) { c.Bus.Driver = "kafka" }, "unknown bus driver"},
		{"redis bus without host", func(c *Config) { c.Database.Redis.Host = "" }, "redis host"},
		{"postgres bus without database", func(c *Config) {
			c.Bus.Driver = BusDriverPostgres
			c.Database.Postgres.Database = ""
		}, "postgres host and database"},
		{"none bus ignores outbox", func(c *Config) {
			c.Bus.Driver = BusDriverNone
			c.Bus.OutboxSize = 0
		}, ""},
		{"sampling out of range", func(c *Config) { c.Telemetry.SamplingRate = 2 }, "sampling rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := getDefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// YAML Loading Tests
// =============================================================================

func TestLoadFromYAML(t *testing.T) {
	t.Run("ValidYAML", func(t *testing.T) {
		configFile := filepath.Join(t.TempDir(), "config.yaml")
		content := `
server:
  port: "9090"
instance:
  id: collab-1
rooms:
  cursor_throttle: 150ms
bus:
  driver: postgres
database:
  postgres:
    host: db.example.com
logging:
  level: debug
`
		require.NoError(t, os.WriteFile(configFile, []byte(content), 0600))

		config := getDefaultConfig()
		require.NoError(t, loadFromYAML(config, configFile))

		assert.Equal(t, "9090", config.Server.Port)
		assert.Equal(t, "collab-1", config.Instance.ID)
		assert.Equal(t, 150*time.Millisecond, config.Rooms.CursorThrottle)
		assert.Equal(t, BusDriverPostgres, config.Bus.Driver)
		assert.Equal(t, "db.example.com", config.Database.Postgres.Host)
		assert.Equal(t, slogging.LogLevelDebug, config.GetLogLevel())
		// untouched keys keep their defaults
		assert.Len(t, config.Rooms.Palette, 12)
	})

	t.Run("NonExistentFile", func(t *testing.T) {
		err := loadFromYAML(getDefaultConfig(), "/nonexistent/path/config.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("InvalidYAMLSyntax", func(t *testing.T) {
		configFile := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(configFile, []byte("server:\n  port: [invalid\n"), 0600))

		err := loadFromYAML(getDefaultConfig(), configFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse YAML config")
	})
}

// =============================================================================
// Environment Variable Override Tests
// =============================================================================

func TestOverrideWithEnv(t *testing.T) {
	t.Run("OverrideServerPort", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "9999")

		config := getDefaultConfig()
		require.NoError(t, overrideWithEnv(config))
		assert.Equal(t, "9999", config.Server.Port)
	})

	t.Run("PrefixedVariable", func(t *testing.T) {
		t.Setenv("TMI_BUS_DRIVER", "memory")

		config := getDefaultConfig()
		require.NoError(t, overrideWithEnv(config))
		assert.Equal(t, BusDriverMemory, config.Bus.Driver)
	})

	t.Run("OverrideDurationField", func(t *testing.T) {
		t.Setenv("ROOMS_CURSOR_THROTTLE", "250ms")

		config := getDefaultConfig()
		require.NoError(t, overrideWithEnv(config))
		assert.Equal(t, 250*time.Millisecond, config.Rooms.CursorThrottle)
	})

	t.Run("OverrideSliceField", func(t *testing.T) {
		t.Setenv("WEBSOCKET_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

		config := getDefaultConfig()
		require.NoError(t, overrideWithEnv(config))
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.WebSocket.AllowedOrigins)
	})

	t.Run("OverrideFloatField", func(t *testing.T) {
		t.Setenv("OTEL_TRACING_SAMPLE_RATE", "0.25")

		config := getDefaultConfig()
		require.NoError(t, overrideWithEnv(config))
		assert.InDelta(t, 0.25, config.Telemetry.SamplingRate, 1e-9)
	})

	t.Run("InvalidInt", func(t *testing.T) {
		t.Setenv("REDIS_DB", "zero")

		err := overrideWithEnv(getDefaultConfig())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "REDIS_DB")
	})
}

func TestLoad(t *testing.T) {
	t.Run("file then env then validate", func(t *testing.T) {
		configFile := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configFile, []byte("bus:\n  driver: none\n"), 0600))
		t.Setenv("INSTANCE_ID", "from-env")

		config, err := Load(configFile)
		require.NoError(t, err)
		assert.Equal(t, BusDriverNone, config.Bus.Driver)
		assert.Equal(t, "from-env", config.Instance.ID)
	})

	t.Run("invalid result is rejected", func(t *testing.T) {
		t.Setenv("BUS_DRIVER", "carrier-pigeon")

		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration validation failed")
	})
}

func TestPostgresConnectionString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", User: "u", Database: "tmi", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u dbname=tmi sslmode=disable", p.ConnectionString())

	p.Password = "pw"
	assert.Contains(t, p.ConnectionString(), "password=pw")
}

func TestGenerateExampleConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, GenerateExampleConfig(&buf))

	parsed := &Config{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), parsed))
	assert.Equal(t, "8080", parsed.Server.Port)
	assert.Equal(t, BusDriverRedis, parsed.Bus.Driver)
	assert.Equal(t, 100*time.Millisecond, parsed.Rooms.CursorThrottle)
}
