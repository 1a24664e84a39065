// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/fairyhunter13/email-dispatch-gateway/internal/config"
)

// setupTimeout bounds how long exporter construction may block startup.
const setupTimeout = 10 * time.Second

// SetupTracing installs the global tracer provider backing the spans emitted
// by the repos ("repo.requests", "repo.results") and the sweeper
// ("requests.sweeper"). Without a configured OTLP endpoint those tracers stay
// no-ops and the returned shutdown does nothing, so callers never need a nil
// check.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("tracing disabled: no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return func(context.Context) error { return nil }, fmt.Errorf("op=tracing.exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
		semconv.DeploymentEnvironmentKey.String(cfg.AppEnv),
	))
	if err != nil {
		return func(context.Context) error { return nil }, fmt.Errorf("op=tracing.resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	slog.Info("tracing enabled",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.String("env", cfg.AppEnv))
	return tp.Shutdown, nil
}

// sampler keeps full traces outside production; production samples a tenth of
// root spans so a busy scheduler doesn't flood the collector.
func sampler(cfg config.Config) trace.Sampler {
	if cfg.IsProd() {
		return trace.ParentBased(trace.TraceIDRatioBased(0.1))
	}
	return trace.AlwaysSample()
}
