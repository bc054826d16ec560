// Package tracing sets up OpenTelemetry for the command line tool.
package tracing

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Config contains the tracing settings.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// OTLPEndpoint sends spans to an OTLP/HTTP collector. When empty, spans
	// are written to Output as JSON.
	OTLPEndpoint string    `yaml:"otlp_endpoint"`
	Output       io.Writer `yaml:"-"`
}

// DefaultConfig returns tracing disabled, sampling everything when enabled.
func DefaultConfig() Config {
	return Config{
		ServiceName: "selfencrypt",
		SampleRate:  1,
	}
}

// Provider owns the tracer provider installed by Setup.
type Provider struct {
	logger   *logrus.Logger
	provider *trace.TracerProvider
}

// Setup installs a global tracer provider according to config. With tracing
// disabled it installs nothing and the returned Provider is a no-op.
func Setup(ctx context.Context, config Config, logger *logrus.Logger) (*Provider, error) {
	p := &Provider{logger: logger}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", config.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter trace.SpanExporter
	if config.OTLPEndpoint != "" {
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(config.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
		logger.WithField("endpoint", config.OTLPEndpoint).Debug("using OTLP trace exporter")
	} else {
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if config.Output != nil {
			opts = append(opts, stdouttrace.WithWriter(config.Output))
		}
		exporter, err = stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	p.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(p.provider)
	logger.WithField("sample_rate", config.SampleRate).Debug("tracing initialized")
	return p, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
