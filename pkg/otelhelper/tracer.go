// Package otelhelper bootstraps OpenTelemetry tracing for the service.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Common span attribute keys.
const (
	WorkflowIDKey  = "weft.workflow.id"
	ExecutionIDKey = "weft.execution.id"
	NodeIDKey      = "weft.node.id"
	NodeTypeKey    = "weft.node.type"
)

// Setup installs a tracer provider exporting over OTLP/HTTP and returns its
// shutdown function. Export endpoints come from the standard OTEL_* env
// vars; without a collector the exporter fails silently at batch time.
func Setup(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}
