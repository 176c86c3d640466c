package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer provider for the predict-path stages.
// Tracing is purely observational: every method here is safe to call even
// when tracing has been disabled (the stored tracer is then a no-op).
type Tracer struct {
	tracer oteltrace.Tracer
	tp     *sdktrace.TracerProvider
}

// NewTracer builds a Tracer. When enabled is false, spans are created
// against the global no-op tracer and cost nothing at the call site.
func NewTracer(enabled bool) *Tracer {
	if !enabled {
		return &Tracer{tracer: otel.Tracer("fraud-serving")}
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return &Tracer{tracer: tp.Tracer("fraud-serving"), tp: tp}
}

// StartSpan starts a span for one predict-path stage and returns the
// derived context and a function that ends the span.
func (t *Tracer) StartSpan(ctx context.Context, stage string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, stage)
	return ctx, func() { span.End() }
}

// Shutdown flushes and stops the tracer provider, if one was created.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}
