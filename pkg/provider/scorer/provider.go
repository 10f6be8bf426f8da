// Package scorer defines the Provider interface for moderation backends.
//
// A scorer classifies one piece of transcript text and reports whether it
// should be flagged. Implementations range from the in-process lexicon matcher
// to remote model-serving endpoints; the streaming session handler depends only
// on this interface, so the backend is chosen once at startup and injected.
//
// Implementations must be safe for concurrent use.
package scorer

import (
	"context"
	"encoding/json"
	"math"
	"slices"
)

// Labels carried by [Result.Label].
const (
	LabelOK   = "ok"
	LabelFlag = "flag"
)

// MatchKind records how a lexicon match was found.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchFuzzy    MatchKind = "fuzzy"
	MatchPhonetic MatchKind = "phonetic"
)

// Match is one accepted lexicon hit. The matched text itself is never carried;
// Start and End delimit it as a half-open byte range in [Result.Transcript].
type Match struct {
	Category string    `json:"category"`
	Severity int       `json:"severity"`
	Start    int       `json:"start"`
	End      int       `json:"end"`
	Redacted bool      `json:"redacted"`
	Kind     MatchKind `json:"kind,omitempty"`
}

// Result is the outcome of classifying one transcript.
type Result struct {
	// Transcript is the original text that was classified.
	Transcript string `json:"transcript"`

	// Label is LabelFlag when Flagged is true and LabelOK otherwise.
	Label string `json:"label"`

	Flagged bool `json:"flagged"`

	// Score is the normalized score in [0, 1]. It is nil when the backend
	// produced no numeric score (a remote endpoint configured with score type
	// "none", for example).
	Score *float64 `json:"score"`

	// Threshold is the flagging threshold the backend applied. Remote and
	// OpenAI scores flag at or above it; the lexicon reports 0 and flags any
	// positive score.
	Threshold float64 `json:"threshold"`

	// Severity is round(Score*100), or 0 without a score.
	Severity int `json:"severity"`

	CategoryScores map[string]float64 `json:"category_scores"`

	// Matches is ordered by Start, then End. Empty for backends that do not
	// report spans.
	Matches []Match `json:"matches"`

	// Provider names the backend that produced the result.
	Provider string `json:"provider,omitempty"`

	// Remote backends fill in the fields below. ModelLabel is the class
	// label the model itself reported.
	EndpointID string          `json:"endpoint_id,omitempty"`
	ScoreType  string          `json:"score_type,omitempty"`
	ModelLabel string          `json:"model_label,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ScoreValue returns the score, or 0 when there is none.
func (r Result) ScoreValue() float64 {
	if r.Score == nil {
		return 0
	}
	return *r.Score
}

// Empty returns the zero "ok" result for text.
func Empty(text, provider string) Result {
	zero := 0.0
	return Result{
		Transcript:     text,
		Label:          LabelOK,
		Score:          &zero,
		CategoryScores: map[string]float64{},
		Matches:        []Match{},
		Provider:       provider,
	}
}

// SetScore stores s, derives Severity and sets Flagged and Label from
// flagged.
func (r *Result) SetScore(s *float64, flagged bool) {
	r.Score = s
	r.Severity = 0
	if s != nil {
		r.Severity = int(math.Round(*s * 100))
	}
	r.Flagged = flagged
	r.Label = LabelOK
	if flagged {
		r.Label = LabelFlag
	}
}

// SortMatches orders matches by Start, then End.
func SortMatches(m []Match) {
	slices.SortFunc(m, func(a, b Match) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
}

// Provider is the abstraction over any moderation backend.
type Provider interface {
	// Classify scores text. Empty text yields the zero "ok" result without
	// consulting the backend.
	//
	// Returns an error when the backend could not produce a result. Callers
	// surface it to the session as a scoring error; it is never fatal.
	Classify(ctx context.Context, text string) (Result, error)

	// Name identifies the backend in logs, metrics and health output.
	Name() string
}
