package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voxguard/voxguard/internal/resilience"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
	"github.com/voxguard/voxguard/pkg/provider/scorer/remote"
)

// instrumentedScorer decorates a scorer.Provider with a span, latency and
// error metrics and flag counts.
type instrumentedScorer struct {
	next    scorer.Provider
	metrics *Metrics
}

var _ scorer.Provider = (*instrumentedScorer)(nil)

// InstrumentScorer wraps p so every Classify is traced and measured.
func InstrumentScorer(p scorer.Provider, m *Metrics) scorer.Provider {
	return &instrumentedScorer{next: p, metrics: m}
}

func (s *instrumentedScorer) Name() string { return s.next.Name() }

func (s *instrumentedScorer) Classify(ctx context.Context, text string) (scorer.Result, error) {
	ctx, span := StartSpan(ctx, "scorer.classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("scorer", s.next.Name()),
		attribute.Int("text.bytes", len(text)),
	)

	start := time.Now()
	res, err := s.next.Classify(ctx, text)
	s.metrics.RecordScore(ctx, s.next.Name(), time.Since(start), err)

	if err != nil {
		kind := ErrorKind(err)
		s.metrics.RecordScorerError(ctx, s.next.Name(), kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		Logger(ctx).Warn("classification failed", "scorer", s.next.Name(), "kind", kind, "err", err)
		return res, err
	}

	span.SetAttributes(
		attribute.Bool("flagged", res.Flagged),
		attribute.Int("matches", len(res.Matches)),
	)
	if res.Flagged {
		for _, c := range flaggedCategories(res) {
			s.metrics.RecordFlag(ctx, c)
		}
	}
	return res, nil
}

// flaggedCategories lists each distinct matched category, or the provider
// name for backends that report no spans.
func flaggedCategories(res scorer.Result) []string {
	if len(res.Matches) == 0 {
		return []string{res.Provider}
	}
	seen := make(map[string]bool, len(res.Matches))
	var out []string
	for _, m := range res.Matches {
		if !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}
	return out
}

// ErrorKind classifies a scoring error for metrics and logs.
func ErrorKind(err error) string {
	var (
		ce *remote.ConfigError
		ve *remote.ValidationError
		he *remote.HTTPError
		te *remote.TransportError
	)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &ce):
		return "config"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &he):
		return "http"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
