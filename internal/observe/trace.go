package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxgpt"

// Span attribute keys shared by the session and turn spans.
const (
	AttrSessionID    = attribute.Key("session.id")
	AttrTurnID       = attribute.Key("turn.id")
	AttrTurnMode     = attribute.Key("turn.mode")
	AttrTurnMessages = attribute.Key("turn.messages")
	AttrTurnOutcome  = attribute.Key("turn.outcome")
)

type sessionKey struct{}

func otelTracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartSession starts the root span of a voice session and tags ctx with
// sessionID. Turns started under the returned context join the session's
// trace, and [Logger] adds session_id to their log lines.
func StartSession(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, sessionKey{}, sessionID)
	return otelTracer().Start(ctx, "voxgpt.session",
		trace.WithAttributes(AttrSessionID.String(sessionID)),
	)
}

// SessionID returns the session id set by [StartSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// StartTurn starts the span of one chat turn. mode is "stream" or "complete"
// and messages is the size of the request payload. End it with [EndTurn].
func StartTurn(ctx context.Context, turnID, mode string, messages int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrTurnID.String(turnID),
		AttrTurnMode.String(mode),
		AttrTurnMessages.Int(messages),
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	return otelTracer().Start(ctx, "chat.turn", trace.WithAttributes(attrs...))
}

// EndTurn records the turn outcome on span, marks it failed when err is
// non-nil, and ends it.
func EndTurn(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrTurnOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns [slog.Default] with the session_id and trace_id found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	if tid := TraceID(ctx); tid != "" {
		l = l.With(slog.String("trace_id", tid))
	}
	return l
}
