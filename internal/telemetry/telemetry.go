// Package telemetry wraps OpenTelemetry tracing for the S3 streaming
// transport. It mirrors the reference implementation's telemetry package
// (a process-global tracer behind Init/Tracer/StartSpan) but scopes its
// span attributes to this module's domain — bucket, key, upload id, part
// number, byte offset and count — rather than the teacher's full
// protocol-handler attribute catalog, which has no referent here.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls whether and how spans are exported.
type Config struct {
	// Enabled turns on span recording. When false, a no-op tracer is used
	// and every helper in this package becomes a zero-cost no-op.
	Enabled bool

	// ServiceName identifies this process in emitted spans.
	ServiceName string

	// SampleRate is the trace sampling ratio (0.0-1.0). 1.0 samples everything.
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{Enabled: false, ServiceName: "s3transport", SampleRate: 1.0}
}

var (
	tracer         trace.Tracer
	tracerOnce     sync.Once
	tracerProvider *sdktrace.TracerProvider
	enabled        bool
)

// Init configures the global tracer. The returned shutdown func flushes and
// stops the provider; callers should defer it. SpanProcessor wiring (e.g. an
// OTLP or stdout exporter) is left to the caller via the processors argument —
// this package only owns sampling and resource attribution, matching the
// reference implementation's separation between SDK setup and exporter choice.
func Init(ctx context.Context, cfg Config, processors ...sdktrace.SpanProcessor) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		enabled = false
		tracer = noop.NewTracerProvider().Tracer("s3transport")
		return func(context.Context) error { return nil }, nil
	}

	enabled = true

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}

	tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(cfg.ServiceName)

	shutdown = func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tracerProvider.Shutdown(shutdownCtx)
	}
	return shutdown, nil
}

// Tracer returns the global tracer, defaulting to a no-op tracer if Init was
// never called (e.g. in unit tests or library use without tracing).
func Tracer() trace.Tracer {
	tracerOnce.Do(func() {
		if tracer == nil {
			tracer = noop.NewTracerProvider().Tracer("s3transport")
		}
	})
	return tracer
}

// IsEnabled reports whether spans are actually being recorded.
func IsEnabled() bool { return enabled }

// StartSpan starts a span named name, returning the child context and span.
// Callers must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// RecordError records err on the span in ctx and marks the span as failed.
// A nil err is a no-op, so callers can unconditionally defer this.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes attaches attrs to the current span in ctx.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
