package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs a global tracer provider exporting spans to w (stderr when nil).
// With tracing disabled the default no-op provider stays in place. The returned
// function flushes pending spans and must be called on exit.
func Setup(cfg config.TelemetryConfig, w io.Writer) (func(context.Context) error, error) {
	if !cfg.Tracing {
		return func(context.Context) error { return nil }, nil
	}
	if w == nil {
		w = os.Stderr
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "swarmcrew"
	}
	res := resource.NewWithAttributes("", attribute.String("service.name", name))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
