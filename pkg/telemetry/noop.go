package telemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

type noopTracerProvider struct {
	embedded.TracerProvider

	tp trace.TracerProvider
}

func (t *noopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return t.tp.Tracer(name, options...)
}

func (t *noopTracerProvider) Close(_ context.Context) error {
	return nil
}

func (t *noopTracerProvider) RegisterSpanProcessor(_ sdktrace.SpanProcessor) {
}

// Noop returns a TracerProvider that records nothing, used when tracing is disabled.
func Noop() TracerProvider {
	return &noopTracerProvider{tp: noop.NewTracerProvider()}
}
