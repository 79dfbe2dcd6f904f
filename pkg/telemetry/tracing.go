// Package telemetry configures the OpenTelemetry tracer provider of the kvrel command.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/openfga/kvrel/internal/build"
)

type TracerOption func(d *CustomTracer)

func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(d *CustomTracer) {
		d.endpoint = endpoint
	}
}

func WithServiceName(serviceName string) TracerOption {
	return func(d *CustomTracer) {
		d.serviceName = serviceName
	}
}

func WithSamplingRatio(samplingRatio float64) TracerOption {
	return func(d *CustomTracer) {
		d.samplingRatio = samplingRatio
	}
}

// WithSlowTraceThreshold only exports the traces whose root span lasted at least threshold.
// Zero exports every sampled trace.
func WithSlowTraceThreshold(threshold time.Duration) TracerOption {
	return func(d *CustomTracer) {
		d.slowTraceThreshold = threshold
	}
}

// WithExporter replaces the OTLP exporter, e.g. with an in-memory exporter in tests.
func WithExporter(exporter sdktrace.SpanExporter) TracerOption {
	return func(d *CustomTracer) {
		d.exporter = exporter
	}
}

type CustomTracer struct {
	endpoint    string
	serviceName string

	samplingRatio      float64
	slowTraceThreshold time.Duration

	exporter sdktrace.SpanExporter
}

// MustNewTracerProvider builds a tracer provider exporting over OTLP gRPC and installs it as
// the global provider. It panics if the exporter cannot be created.
func MustNewTracerProvider(opts ...TracerOption) TracerProvider {
	tracer := &CustomTracer{
		serviceName:   build.ProjectName,
		samplingRatio: 1,
	}

	for _, opt := range opts {
		opt(tracer)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String(tracer.serviceName),
			semconv.ServiceVersionKey.String(build.Version),
		))
	if err != nil {
		panic(err)
	}

	exp := tracer.exporter
	if exp == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		exp, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(tracer.endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(build.ProjectName+"/"+build.Version)),
		)
		if err != nil {
			panic(fmt.Sprintf("failed to establish a connection with the otlp exporter: %v", err))
		}
	}

	if tracer.slowTraceThreshold > 0 {
		exp = NewSlowTraceExporter(exp, tracer.slowTraceThreshold)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tracer.samplingRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exp)),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	otel.SetTracerProvider(tp)

	return &tracerProvider{tp: tp}
}

func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
