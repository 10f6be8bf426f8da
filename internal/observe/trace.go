package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/voxguard/voxguard"

// Tracer returns the voxguard tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Session identifies the moderation session a request belongs to.
// Transport is "websocket" for live sessions and "chunk" for the HTTP
// chunk API.
type Session struct {
	ID        string
	Transport string
}

type sessionKey struct{}

// WithSession returns a context tagged with the session. Spans started and
// loggers derived from it carry the session id.
func WithSession(ctx context.Context, transport, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, Session{ID: id, Transport: transport})
}

// SessionFrom returns the session stored by [WithSession].
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// StartSpan starts a span named name. When ctx carries a session, the span
// is tagged with its id and transport. The caller must End the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if s, ok := SessionFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("session.transport", s.Transport),
		))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "". It is
// echoed to clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with the session and trace identifiers
// found in ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if s, ok := SessionFrom(ctx); ok {
		attrs = append(attrs, slog.String("session_id", s.ID), slog.String("transport", s.Transport))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
