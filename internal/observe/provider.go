package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Telemetry configures the process-wide OpenTelemetry providers.
type Telemetry struct {
	// Version is reported as service.version.
	Version string

	// Registerer receives the Prometheus collector that backs every voxgpt
	// instrument. Default: [prometheus.DefaultRegisterer], which
	// promhttp.Handler serves.
	Registerer prometheus.Registerer

	// SpanExporter receives session and turn spans. When nil, spans are
	// sampled for log correlation but never exported.
	SpanExporter sdktrace.SpanExporter
}

// Setup installs the global meter and tracer providers described by t.
// Instruments created earlier from the global provider, [DefaultMetrics]
// included, forward to the new one. The returned function flushes and stops
// both providers.
func Setup(_ context.Context, t Telemetry) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("voxgpt"),
		semconv.ServiceVersion(t.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := t.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if t.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(t.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
