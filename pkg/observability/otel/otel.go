// Package otel sets up OpenTelemetry tracing for the offload service.
// Task executions are traced by the worker pool through the global provider
// installed by Initialize.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultZipkinEndpoint = "http://localhost:9411/api/v2/spans"
	DefaultJaegerEndpoint = "http://localhost:14268/api/traces"
)

// ErrAlreadyInitialized is returned by a second Initialize before Shutdown
var ErrAlreadyInitialized = errors.New("otel: tracing already initialized")

// Config configures tracing
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter is "stdout", "zipkin", "jaeger" or "none"
	Exporter string
	// Endpoint of the zipkin or jaeger collector; defaults per exporter
	Endpoint string
	// SampleRate is the fraction of root traces sampled, 0..1
	SampleRate float64

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer
}

var (
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
)

// Initialize installs a global tracer provider and W3C trace-context propagation
func Initialize(ctx context.Context, cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if provider != nil {
		return ErrAlreadyInitialized
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return fmt.Errorf("otel: resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider = sdktrace.NewTracerProvider(opts...)

	otelapi.SetTracerProvider(provider)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func serviceName(cfg Config) string {
	if cfg.ServiceName == "" {
		return "offload"
	}
	return cfg.ServiceName
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "zipkin":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultZipkinEndpoint
		}
		return zipkin.New(endpoint)
	case "jaeger":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultJaegerEndpoint
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("otel: unknown exporter %q", cfg.Exporter)
}

// IsInitialized reports whether Initialize succeeded and Shutdown has not run
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return provider != nil
}

// Tracer returns a tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otelapi.Tracer(name)
}

// Shutdown flushes pending spans and restores a no-op global provider
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if provider == nil {
		return nil
	}
	err := provider.Shutdown(ctx)
	provider = nil
	otelapi.SetTracerProvider(noop.NewTracerProvider())
	return err
}
