// Package otel wires OpenTelemetry tracing and metrics for the devsync
// runtime. A disabled config yields no-op providers so callers never branch
// on whether telemetry is on.
package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope for devsync spans.
	TracerName = "devsync"
	// MeterName is the instrumentation scope for devsync instruments.
	MeterName = "devsync"
	// Version is reported as a resource attribute.
	Version = "v0.1.0"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

// Config is the telemetry section of the devsync config file.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled defaults to true when telemetry is enabled.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider holds the tracer and meter handed to the runtime.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       []func(context.Context) error
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         mp.Meter(MeterName),
		MeterProvider: mp,
	}
}

// Init builds providers for cfg and installs them as the otel globals.
// instanceID tags every span so traces from several clients of one backend
// can be told apart.
func Init(ctx context.Context, cfg Config, instanceID string) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "devsync"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
	}
	if instanceID != "" {
		attrs = append(attrs, AttrInstanceID.String(instanceID))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	spanOpt, err := spanProcessor(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	if spanOpt != nil {
		tpOpts = append(tpOpts, spanOpt)
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
		shutdown:       []func(context.Context) error{tp.Shutdown},
	}

	if cfg.metricsOn() {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		p.MeterProvider = mp
		p.Meter = mp.Meter(MeterName)
		p.shutdown = append(p.shutdown, mp.Shutdown)
	} else {
		mp := noop.NewMeterProvider()
		p.MeterProvider = mp
		p.Meter = mp.Meter(MeterName)
	}
	return p, nil
}

// Shutdown flushes pending spans and stops the providers. The first error
// wins but every provider is still shut down.
func (p *Provider) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	p.shutdown = nil
	return first
}

// spanProcessor returns the provider option that attaches the configured
// exporter, or nil for exporter=none.
func spanProcessor(ctx context.Context, cfg Config) (sdktrace.TracerProviderOption, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		exp, err := otlptracehttp.New(ctx, otlpOptions(cfg.Endpoint)...)
		if err != nil {
			return nil, err
		}
		return sdktrace.WithBatcher(exp), nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		// CLI runs are short; print spans as they end.
		return sdktrace.WithSyncer(exp), nil
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)",
			cfg.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
}

// otlpOptions accepts either a bare host:port (plain HTTP) or a full URL.
func otlpOptions(endpoint string) []otlptracehttp.Option {
	switch {
	case endpoint == "":
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint("localhost:4318"), otlptracehttp.WithInsecure()}
	case strings.Contains(endpoint, "://"):
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if strings.HasPrefix(endpoint, "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return opts
	default:
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
	}
}
