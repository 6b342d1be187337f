// Package tracing provides a shared OTel tracer for the agent dispatch
// path (C6). Grounded on the teacher's internal/agentctl/tracing/otel.go.
//
// When OTEL_EXPORTER_OTLP_ENDPOINT is set, an SDK tracer provider is
// installed so spans are recorded; no exporter or span processor is
// registered, so recorded spans are not sent anywhere. Without it a no-op
// tracer is used.
package tracing

import (
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	initOnce sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
)

func initTracing() {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return
	}
	sdkProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(resource.Default()))
	provider = sdkProvider
	otel.SetTracerProvider(provider)
}

// Tracer returns a named tracer. No-op until OTEL_EXPORTER_OTLP_ENDPOINT
// is configured.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return provider.Tracer(name)
}
