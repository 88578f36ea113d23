package telemetry

import (
	"fmt"
	"io"

	"github.com/ericfitz/tmi-collab/internal/config"
)

// Config holds configuration options for OpenTelemetry
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	InstanceID     string

	TracingEnabled    bool
	TracingSampleRate float64
	// OTLPEndpoint is a gRPC host:port shared by traces and metrics
	OTLPEndpoint string
	OTLPInsecure bool

	MetricsEnabled bool

	// ResourceAttributes are added to the service resource
	ResourceAttributes map[string]string

	IsDevelopment bool
	// ConsoleWriter receives pretty-printed spans in development when no
	// OTLP endpoint is configured. Nil disables the console exporter.
	ConsoleWriter io.Writer
}

// FromRuntimeConfig builds telemetry settings from the application config
func FromRuntimeConfig(cfg *config.Config, instanceID string, console io.Writer) *Config {
	tc := cfg.Telemetry
	c := &Config{
		ServiceName:       tc.ServiceName,
		ServiceVersion:    tc.ServiceVersion,
		Environment:       tc.Environment,
		InstanceID:        instanceID,
		TracingEnabled:    tc.TracingEnabled,
		TracingSampleRate: tc.SamplingRate,
		OTLPEndpoint:      tc.OTLPEndpoint,
		OTLPInsecure:      tc.OTLPInsecure,
		MetricsEnabled:    tc.MetricsEnabled,
		IsDevelopment:     cfg.Logging.IsDev,
		ResourceAttributes: map[string]string{
			"tmi.bus.driver": cfg.Bus.Driver,
		},
	}
	if c.IsDevelopment {
		c.ConsoleWriter = console
	}
	return c
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1")
	}
	return nil
}

// GetResourceAttributes returns the attributes describing this process
func (c *Config) GetResourceAttributes() map[string]string {
	attrs := map[string]string{
		"service.name":           c.ServiceName,
		"service.version":        c.ServiceVersion,
		"deployment.environment": c.Environment,
	}
	if c.InstanceID != "" {
		attrs["service.instance.id"] = c.InstanceID
	}
	for k, v := range c.ResourceAttributes {
		attrs[k] = v
	}
	return attrs
}
