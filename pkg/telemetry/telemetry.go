// Package telemetry configures OpenTelemetry tracing for firegrid processes
package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/messages"
)

// ShutdownFunc flushes and stops the tracer provider
type ShutdownFunc func(context.Context) error

// Setup installs a global tracer provider exporting to the configured OTLP
// gRPC endpoint. With no endpoint the global no-op provider is left in place.
func Setup(ctx context.Context, cfg config.TelemetryConfig, service string, logger zerolog.Logger) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		logger.Debug().Msg("No OTLP endpoint configured, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := NewProvider(service, cfg.SampleRatio, sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("Tracing enabled")
	return tp.Shutdown, nil
}

// NewProvider builds an SDK tracer provider for service with the given
// sampling ratio
func NewProvider(service string, ratio float64, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", service))
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}

// Stamp copies the trace and span ids of the active span in ctx into env.
// Without a valid span env is returned unchanged.
func Stamp(ctx context.Context, env messages.Envelope) messages.Envelope {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return env
	}
	return env.WithTracing(sc.TraceID().String(), sc.SpanID().String())
}

// Resume returns a context carrying the remote span recorded in env so that
// spans started from it join the publisher's trace
func Resume(ctx context.Context, env messages.Envelope) context.Context {
	traceID, err := trace.TraceIDFromHex(env.TraceID)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(env.SpanID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
