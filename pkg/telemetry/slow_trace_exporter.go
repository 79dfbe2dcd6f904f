package telemetry

import (
	"context"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var _ sdktrace.SpanExporter = (*slowTraceExporter)(nil)

// slowTraceExporter forwards the spans of a batch that belong to a trace whose root span, if
// part of the batch, lasted at least threshold.
type slowTraceExporter struct {
	next      sdktrace.SpanExporter
	threshold time.Duration
}

// NewSlowTraceExporter wraps next so that fast traces are dropped.
func NewSlowTraceExporter(next sdktrace.SpanExporter, threshold time.Duration) sdktrace.SpanExporter {
	return &slowTraceExporter{next: next, threshold: threshold}
}

func (s *slowTraceExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	slow := make(map[trace.TraceID]struct{})
	for _, span := range spans {
		if span.Parent().IsValid() {
			continue
		}
		if span.EndTime().Sub(span.StartTime()) >= s.threshold {
			slow[span.SpanContext().TraceID()] = struct{}{}
		}
	}

	if len(slow) == 0 {
		return nil
	}

	kept := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		if _, ok := slow[span.SpanContext().TraceID()]; ok {
			kept = append(kept, span)
		}
	}

	return s.next.ExportSpans(ctx, kept)
}

func (s *slowTraceExporter) Shutdown(ctx context.Context) error {
	return s.next.Shutdown(ctx)
}
