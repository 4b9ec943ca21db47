// Package observability installs the process-wide OpenTelemetry tracer
// provider used by the gateway and generator spans.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/superpaes/exercise-gateway/internal/logging"
)

// Exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects the exporter and sampling.
type Config struct {
	Enabled     bool
	ServiceName string
	Environment string
	Version     string
	Exporter    string  // stdout or otlp
	Endpoint    string  // otlp host:port; empty uses the exporter default
	Insecure    bool    // plain HTTP to the OTLP collector
	SampleRatio float64 // clamped to [0,1]
	Writer      io.Writer
	Logger      *logrus.Entry
}

// Provider owns the installed tracer provider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.TracerProvider
}

// Setup builds the tracer provider and installs it globally. When tracing is
// disabled it installs nothing and returns a no-op provider.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	log := logging.OrDiscard(cfg.Logger).WithField("component", "tracing")
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider()}, nil
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "exercise-gateway"
	}

	exporter, err := buildExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", cfg.Version),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		log.WithError(err).Warn("tracing resource merge failed, using schemaless resource")
		res = resource.NewSchemaless(attribute.String("service.name", serviceName))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.WithFields(logrus.Fields{
		"exporter":     cfg.Exporter,
		"endpoint":     cfg.Endpoint,
		"sample_ratio": clampRatio(cfg.SampleRatio),
	}).Info("tracing initialized")
	return &Provider{tp: tp, tracer: tp}, nil
}

// Tracer returns a named tracer from the provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracer.Tracer(name)
}

// ForceFlush exports every finished span.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func buildExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP:
		var opts []otlptracehttp.Option
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, errors.New("unknown trace exporter " + cfg.Exporter)
	}
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}
