package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ericfitz/tmi-collab/internal/slogging"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Service manages OpenTelemetry providers and the Prometheus registry
// served at /metrics.
type Service struct {
	config *Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *promclient.Registry

	tracer trace.Tracer
	meter  metric.Meter

	resource *resource.Resource
}

// NewService creates a new telemetry service
func NewService(config *Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	service := &Service{
		config:   config,
		registry: promclient.NewRegistry(),
		tracer:   noop.NewTracerProvider().Tracer(config.ServiceName),
	}

	if err := service.initResource(); err != nil {
		return nil, fmt.Errorf("failed to initialize resource: %w", err)
	}

	if config.TracingEnabled {
		if err := service.initTracing(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if config.MetricsEnabled {
		if err := service.initMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	} else {
		service.meter = otel.Meter(config.ServiceName)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return service, nil
}

func (s *Service) initResource() error {
	attrs := make([]attribute.KeyValue, 0)
	for key, value := range s.config.GetResourceAttributes() {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(resource.Default().SchemaURL(), attrs...))
	if err != nil {
		return fmt.Errorf("failed to merge with default resource: %w", err)
	}

	s.resource = res
	return nil
}

func (s *Service) initTracing() error {
	var exporters []sdktrace.SpanExporter

	if s.config.OTLPEndpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.config.OTLPEndpoint)}
		if s.config.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		exporters = append(exporters, exporter)
	} else if s.config.ConsoleWriter != nil {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(s.config.ConsoleWriter),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return fmt.Errorf("failed to create console trace exporter: %w", err)
		}
		exporters = append(exporters, exporter)
	}

	if len(exporters) == 0 {
		return fmt.Errorf("no trace exporters configured")
	}

	var sampler sdktrace.Sampler
	switch rate := s.config.TracingSampleRate; {
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case rate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(s.resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	for _, exporter := range exporters {
		if s.config.IsDevelopment {
			opts = append(opts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
	}

	s.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(s.tracerProvider)
	s.tracer = s.tracerProvider.Tracer(
		s.config.ServiceName,
		trace.WithInstrumentationVersion(s.config.ServiceVersion),
	)

	slogging.Get().Info("Tracing initialized with %d exporters, sample rate: %.2f", len(exporters), s.config.TracingSampleRate)
	return nil
}

func (s *Service) initMetrics() error {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	prometheusExporter, err := otelprom.New(otelprom.WithRegisterer(s.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(s.resource),
		sdkmetric.WithReader(prometheusExporter),
	}

	if s.config.OTLPEndpoint != "" {
		exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(s.config.OTLPEndpoint)}
		if s.config.OTLPInsecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}
		otlpExporter, err := otlpmetricgrpc.New(context.Background(), exporterOpts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	s.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(s.meterProvider)
	s.meter = s.meterProvider.Meter(
		s.config.ServiceName,
		metric.WithInstrumentationVersion(s.config.ServiceVersion),
	)

	return nil
}

// GetTracer returns the service tracer; a no-op tracer when tracing is off
func (s *Service) GetTracer() trace.Tracer {
	return s.tracer
}

// GetMeter returns the service meter
func (s *Service) GetMeter() metric.Meter {
	return s.meter
}

// MetricsHandler serves the Prometheus registry
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Shutdown flushes and stops all providers
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error

	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if s.meterProvider != nil {
		if err := s.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Health reports which providers are running
func (s *Service) Health() HealthStatus {
	return HealthStatus{
		Healthy: true,
		Details: map[string]any{
			"tracing_enabled": s.tracerProvider != nil,
			"metrics_enabled": s.meterProvider != nil,
			"service_name":    s.config.ServiceName,
			"service_version": s.config.ServiceVersion,
			"environment":     s.config.Environment,
		},
	}
}

// HealthStatus represents the health status of the telemetry service
type HealthStatus struct {
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details"`
}
