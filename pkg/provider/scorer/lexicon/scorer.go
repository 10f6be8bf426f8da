// Package lexicon implements the in-process moderation scorer backed by the
// curated term list.
//
// Transcript text is normalized with [textnorm.Normalize] and scanned by a
// [Matcher]: multi-word phrases first, then single words, with any candidate
// overlapping an accepted span rejected. Severe single-word terms without an
// exact hit may still match a token one edit away (fuzzy fallback) and,
// when enabled, a token that sounds the same (phonetic fallback).
//
// Matched severities are summed into an overall score and per-category
// scores, each divided by a configurable divisor and capped at 1.
package lexicon

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/voxguard/voxguard/internal/lexicon"
	"github.com/voxguard/voxguard/internal/textnorm"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// ProviderName is reported in [scorer.Result.Provider].
const ProviderName = "lexicon"

// Default divisors turning summed severities into scores.
const (
	DefaultOverallDivisor  = 10.0
	DefaultCategoryDivisor = 6.0
)

// FlagThreshold is the threshold lexicon results report. Any accepted match
// flags the text, so a result is flagged when its score exceeds it; the
// configured scoring threshold applies to the remote and OpenAI scorers only.
const FlagThreshold = 0.0

// Compile-time interface assertion.
var _ scorer.Provider = (*Scorer)(nil)

// Scorer classifies text against the current lexicon snapshot. The compiled
// matcher is swapped atomically by [Scorer.Update], so classification never
// takes a lock.
type Scorer struct {
	matcher atomic.Pointer[Matcher]

	overallDivisor  float64
	categoryDivisor float64
	fuzzy           bool
	phonetic        bool
}

// Option is a functional option for [Scorer].
type Option func(*Scorer)

// WithDivisors overrides the overall and per-category severity divisors.
// Non-positive values keep the defaults.
func WithDivisors(overall, category float64) Option {
	return func(s *Scorer) {
		if overall > 0 {
			s.overallDivisor = overall
		}
		if category > 0 {
			s.categoryDivisor = category
		}
	}
}

// WithFuzzy enables or disables the one-edit fallback. Enabled by default.
func WithFuzzy(enabled bool) Option {
	return func(s *Scorer) { s.fuzzy = enabled }
}

// WithPhonetic enables the sound-alike fallback. Disabled by default.
func WithPhonetic(enabled bool) Option {
	return func(s *Scorer) { s.phonetic = enabled }
}

// New compiles entries and returns a ready Scorer.
func New(entries []lexicon.Entry, opts ...Option) *Scorer {
	s := &Scorer{
		overallDivisor:  DefaultOverallDivisor,
		categoryDivisor: DefaultCategoryDivisor,
		fuzzy:           true,
	}
	for _, o := range opts {
		o(s)
	}
	s.Update(entries)
	return s
}

// Update recompiles the matcher from entries and publishes it. In-flight
// classifications finish against the previous matcher.
func (s *Scorer) Update(entries []lexicon.Entry) {
	s.matcher.Store(Compile(entries, s.fuzzy, s.phonetic))
}

// Terms returns the number of compiled terms in the current matcher.
func (s *Scorer) Terms() int { return s.matcher.Load().Len() }

// Name implements [scorer.Provider].
func (s *Scorer) Name() string { return ProviderName }

// Classify implements [scorer.Provider]. It never returns an error.
func (s *Scorer) Classify(_ context.Context, text string) (scorer.Result, error) {
	if strings.TrimSpace(text) == "" {
		return scorer.Empty(text, ProviderName), nil
	}
	norm := textnorm.Normalize(text)
	if norm.Empty() {
		return scorer.Empty(text, ProviderName), nil
	}
	return s.aggregate(text, s.matcher.Load().Match(norm)), nil
}

// aggregate sums severities into the overall and per-category scores.
func (s *Scorer) aggregate(text string, matches []scorer.Match) scorer.Result {
	res := scorer.Empty(text, ProviderName)
	res.Matches = matches

	var total int
	byCategory := make(map[string]int)
	for _, m := range matches {
		total += m.Severity
		byCategory[m.Category] += m.Severity
	}
	for cat, sev := range byCategory {
		res.CategoryScores[cat] = min(1.0, float64(sev)/s.categoryDivisor)
	}

	score := min(1.0, float64(total)/s.overallDivisor)
	res.SetScore(&score, score > FlagThreshold)
	res.Threshold = FlagThreshold
	return res
}
