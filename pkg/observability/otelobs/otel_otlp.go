//go:build otelotlp

// OTLP-backed implementation, selected by -tags otelotlp.
package otelobs

import (
	"context"
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracer installs a global TracerProvider exporting over OTLP/HTTP
// and returns its shutdown func. Without OTEL_EXPORTER_OTLP_ENDPOINT the
// provider is left untouched and tracing stays off; exporter failures
// degrade the same way instead of blocking startup.
func InitTracer(serviceName string) func(context.Context) error {
	noop := func(context.Context) error { return nil }

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		log.Printf("tracing: OTEL_EXPORTER_OTLP_ENDPOINT unset, %s runs untraced", serviceName)
		return noop
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		log.Printf("tracing: resource: %v", err)
		return noop
	}
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		log.Printf("tracing: exporter: %v", err)
		return noop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	log.Printf("tracing: exporting %s spans to %s", serviceName, endpoint)
	return provider.Shutdown
}
