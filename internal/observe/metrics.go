// Package observe provides the observability primitives for voxguard:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping by [InitProvider]. [DefaultMetrics] returns a
// package-level instance; tests should build their own with [NewMetrics] and
// a [sdkmetric.ManualReader] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all voxguard metrics.
const meterName = "github.com/voxguard/voxguard"

// Metrics holds the application's metric instruments. All fields are safe
// for concurrent use.
type Metrics struct {
	// ScoreDuration tracks classification latency. Attributes: scorer, status.
	ScoreDuration metric.Float64Histogram

	// RemoteRequests counts HTTP attempts against the remote scorer.
	// Attributes: status (HTTP code or "error"), outcome.
	RemoteRequests metric.Int64Counter

	// RemoteRetries counts backoff waits before a repeated remote attempt.
	RemoteRetries metric.Int64Counter

	// ScorerErrors counts failed classifications. Attributes: scorer, kind.
	ScorerErrors metric.Int64Counter

	// Flags counts flagged classifications. Attribute: category.
	Flags metric.Int64Counter

	// STTStarts counts recognizer stream starts. Attributes: provider, status.
	STTStarts metric.Int64Counter

	// LexiconReloads counts lexicon swaps. Attribute: status.
	LexiconReloads metric.Int64Counter

	// ActiveSessions tracks live streaming sessions, websocket and chunk API.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks request handling time. Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets (seconds) cover in-process matching through slow remote
// model calls.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ScoreDuration, err = m.Float64Histogram("voxguard.score.duration",
		metric.WithDescription("Latency of transcript classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RemoteRequests, err = m.Int64Counter("voxguard.remote.requests",
		metric.WithDescription("Remote scorer HTTP attempts by status and outcome."),
	); err != nil {
		return nil, err
	}
	if met.RemoteRetries, err = m.Int64Counter("voxguard.remote.retries",
		metric.WithDescription("Remote scorer retries after throttling or failure."),
	); err != nil {
		return nil, err
	}
	if met.ScorerErrors, err = m.Int64Counter("voxguard.scorer.errors",
		metric.WithDescription("Failed classifications by scorer and error kind."),
	); err != nil {
		return nil, err
	}
	if met.Flags, err = m.Int64Counter("voxguard.flags",
		metric.WithDescription("Flagged classifications by category."),
	); err != nil {
		return nil, err
	}
	if met.STTStarts, err = m.Int64Counter("voxguard.stt.starts",
		metric.WithDescription("Recognizer stream starts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.LexiconReloads, err = m.Int64Counter("voxguard.lexicon.reloads",
		metric.WithDescription("Lexicon reload attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxguard.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxguard.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status class."),
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

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordScore records one classification's latency.
func (m *Metrics) RecordScore(ctx context.Context, scorer string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ScoreDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		Attr("scorer", scorer),
		Attr("status", status),
	))
}

// RecordScorerError counts a failed classification.
func (m *Metrics) RecordScorerError(ctx context.Context, scorer, kind string) {
	m.ScorerErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("scorer", scorer),
		Attr("kind", kind),
	))
}

// RecordFlag counts a flagged classification in category.
func (m *Metrics) RecordFlag(ctx context.Context, category string) {
	m.Flags.Add(ctx, 1, metric.WithAttributes(Attr("category", category)))
}

// RecordRemoteRequest counts one remote scorer HTTP attempt.
func (m *Metrics) RecordRemoteRequest(ctx context.Context, status, outcome string) {
	m.RemoteRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("status", status),
		Attr("outcome", outcome),
	))
}

// RecordRemoteRetry counts one backoff before a repeated remote attempt.
func (m *Metrics) RecordRemoteRetry(ctx context.Context) {
	m.RemoteRetries.Add(ctx, 1)
}

// RecordSTTStart counts a recognizer stream start.
func (m *Metrics) RecordSTTStart(ctx context.Context, provider string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.STTStarts.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("status", status),
	))
}

// RecordLexiconReload counts a lexicon reload attempt.
func (m *Metrics) RecordLexiconReload(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LexiconReloads.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// SessionStarted increments ActiveSessions. Pair with SessionEnded.
func (m *Metrics) SessionStarted(ctx context.Context, kind string) {
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// SessionEnded decrements ActiveSessions.
func (m *Metrics) SessionEnded(ctx context.Context, kind string) {
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(Attr("kind", kind)))
}
