package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Diagnostics response headers.
const (
	HeaderSession = "X-Voxgpt-Session"
	HeaderTrace   = "X-Trace-ID"
)

// routeUnmatched labels requests the mux answered with 404 or 405, keeping
// scanner traffic out of the route label.
const routeUnmatched = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Diagnostics wraps the diagnostics mux. Each request gets a span joined to
// any incoming W3C trace context, the session and trace ids as response
// headers, one [Metrics.RecordDiagnosticsRequest] sample and a debug log line.
func Diagnostics(m *Metrics, sessionID string) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otelTracer().Start(ctx, "diagnostics "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					AttrSessionID.String(sessionID),
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			w.Header().Set(HeaderSession, sessionID)
			tid := TraceID(ctx)
			if tid != "" {
				w.Header().Set(HeaderTrace, tid)
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			route := r.URL.Path
			if rec.status == http.StatusNotFound || rec.status == http.StatusMethodNotAllowed {
				route = routeUnmatched
			}
			elapsed := time.Since(start)
			m.RecordDiagnosticsRequest(ctx, route, rec.status, elapsed)
			span.SetName("diagnostics " + r.Method + " " + route)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

			slog.LogAttrs(ctx, slog.LevelDebug, "diagnostics request",
				slog.String("session_id", sessionID),
				slog.String("trace_id", tid),
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
