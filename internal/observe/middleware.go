package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID back to clients.
const CorrelationHeader = "X-Correlation-ID"

// responseRecorder remembers the status written downstream. Hijack and
// Flush pass through so websocket upgrades still work.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer cannot be hijacked")
	}
	r.upgraded = true
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// statusClass buckets a status code as "2xx", "4xx" and so on.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

type middlewareSettings struct {
	quiet map[string]bool
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareSettings)

// WithQuietPaths logs completed requests for these paths at debug level.
// It replaces the default set of /healthz, /readyz and /metrics.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(s *middlewareSettings) {
		s.quiet = make(map[string]bool, len(paths))
		for _, p := range paths {
			s.quiet[p] = true
		}
	}
}

// Middleware wraps every request in a server span continuing any W3C trace
// context, echoes the trace ID in [CorrelationHeader], records
// [Metrics.HTTPRequestDuration] per route and logs the outcome.
//
// Routes are the matched ServeMux patterns, so ids in paths do not grow
// metric cardinality. Unmatched requests fall back to the raw path.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	s := middlewareSettings{}
	WithQuietPaths("/healthz", "/readyz", "/metrics")(&s)
	for _, opt := range opts {
		opt(&s)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			} else {
				span.SetName(r.Method + " " + strings.TrimPrefix(route, r.Method+" "))
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.String("status", statusClass(rec.status)),
			))

			level := slog.LevelInfo
			if s.quiet[r.URL.Path] {
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, "http: request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Bool("upgraded", rec.upgraded),
				slog.Duration("elapsed", elapsed),
			)
		})
	}
}
