// Package observe provides the voxgpt observability primitives: OpenTelemetry
// metrics, session and turn spans, session-aware logging, and the wrapper for
// the local diagnostics listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] bridges
// them to a Prometheus registerer. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgpt metrics.
const meterName = "github.com/MrWong99/voxgpt"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Recognition ---

	// RecognitionEvents counts published recognition snapshots. Use with
	// attribute.String("status", ...).
	RecognitionEvents metric.Int64Counter

	// ListenRestarts counts restarts of the recognizer requested by the
	// orchestrator. Use with attribute.String("reason", ...).
	ListenRestarts metric.Int64Counter

	// Interrupts counts raised interrupt pulses.
	Interrupts metric.Int64Counter

	// --- Chat ---

	// ChatTurns counts completed turns. Use with attributes:
	//   attribute.String("mode", "stream"|"complete"), attribute.String("outcome", ...)
	ChatTurns metric.Int64Counter

	// ChatDeltas counts streamed deltas appended to history.
	ChatDeltas metric.Int64Counter

	// TurnDuration tracks the time from request to terminal state.
	TurnDuration metric.Float64Histogram

	// FirstDeltaLatency tracks the time from request to the first streamed delta.
	FirstDeltaLatency metric.Float64Histogram

	// ActiveTurns tracks turns currently in flight (0 or 1 in practice).
	ActiveTurns metric.Int64UpDownCounter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Diagnostics listener ---

	// DiagnosticsRequests tracks /healthz, /readyz and /metrics latency. Use
	// with attributes: route, status.
	DiagnosticsRequests metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// completion latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecognitionEvents, err = m.Int64Counter("voxgpt.recognition.events",
		metric.WithDescription("Recognition snapshots published, by status."),
	); err != nil {
		return nil, err
	}
	if met.ListenRestarts, err = m.Int64Counter("voxgpt.recognition.restarts",
		metric.WithDescription("Recognizer restarts requested by the orchestrator, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voxgpt.interrupts",
		metric.WithDescription("Interrupt pulses raised by voice command."),
	); err != nil {
		return nil, err
	}

	if met.ChatTurns, err = m.Int64Counter("voxgpt.chat.turns",
		metric.WithDescription("Completed chat turns by mode and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChatDeltas, err = m.Int64Counter("voxgpt.chat.deltas",
		metric.WithDescription("Streamed deltas appended to the chat history."),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxgpt.chat.turn.duration",
		metric.WithDescription("Time from completion request to terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstDeltaLatency, err = m.Float64Histogram("voxgpt.chat.first_delta.latency",
		metric.WithDescription("Time from completion request to the first streamed delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("voxgpt.chat.active_turns",
		metric.WithDescription("Chat turns currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("voxgpt.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxgpt.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.DiagnosticsRequests, err = m.Float64Histogram("voxgpt.diagnostics.request.duration",
		metric.WithDescription("Diagnostics request latency by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRecognitionEvent increments the recognition event counter.
func (m *Metrics) RecordRecognitionEvent(ctx context.Context, status string) {
	m.RecognitionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordListenRestart increments the restart counter.
func (m *Metrics) RecordListenRestart(ctx context.Context, reason string) {
	m.ListenRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordInterrupt increments the interrupt counter.
func (m *Metrics) RecordInterrupt(ctx context.Context) {
	m.Interrupts.Add(ctx, 1)
}

// RecordChatTurn records a finished turn and its duration.
func (m *Metrics) RecordChatTurn(ctx context.Context, mode, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	m.ChatTurns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFirstDelta records the latency until the first streamed delta.
func (m *Metrics) RecordFirstDelta(ctx context.Context, d time.Duration) {
	m.FirstDeltaLatency.Record(ctx, d.Seconds())
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDiagnosticsRequest records one served diagnostics request.
func (m *Metrics) RecordDiagnosticsRequest(ctx context.Context, route string, status int, d time.Duration) {
	m.DiagnosticsRequests.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", status),
		),
	)
}
