// Package lexicon loads the curated list of flaggable terms.
//
// A lexicon source is a list of objects of the form
//
//	{"term": "useless trash", "category": "insult", "severity": 3, "type": "phrase"}
//
// encoded as JSON or YAML, or rows of the lexicon_terms table in PostgreSQL.
// Each raw entry is validated on its own: an entry with an empty term is
// skipped and counted, never fatal. Only an unreadable source or one that is
// not a list fails the load with a [*LoadError].
//
// Loaded entries are immutable. A [Table] snapshot is shared read-only by all
// sessions; hot reloads swap in a new snapshot through a [Holder].
package lexicon

import (
	"fmt"
	"strings"
	"unicode"
)

// Kind distinguishes single-token terms from multi-word phrases.
type Kind string

const (
	KindWord   Kind = "word"
	KindPhrase Kind = "phrase"
)

// IsValid reports whether k is a recognised kind.
func (k Kind) IsValid() bool {
	return k == KindWord || k == KindPhrase
}

// Severity bounds. Out-of-range values are clamped into [MinSeverity, MaxSeverity].
const (
	MinSeverity = 1
	MaxSeverity = 5
)

// DefaultCategory is assigned to entries that do not name a category.
const DefaultCategory = "toxic"

// Entry is one validated lexicon term.
type Entry struct {
	// Term is the trimmed term as written in the source. Matching is
	// case-insensitive and operates on its normalized form.
	Term string `json:"term" yaml:"term"`

	// Category is an open-set tag such as "toxic", "threat" or "insult".
	Category string `json:"category" yaml:"category"`

	// Severity is the weight of the term, always within [MinSeverity, MaxSeverity].
	Severity int `json:"severity" yaml:"severity"`

	// Kind is explicit in the source or inferred from whitespace in Term.
	Kind Kind `json:"type" yaml:"type"`
}

// Stats summarises a load for health reporting.
type Stats struct {
	// Loaded is true when the source parsed as a list, even if every entry
	// in it was skipped.
	Loaded bool `json:"flag_terms_loaded"`

	// Count is the number of entries that passed validation.
	Count int `json:"flag_terms_count"`

	// Skipped is the number of raw entries rejected during validation.
	Skipped int `json:"skipped"`
}

// LoadError reports a lexicon source that could not be read or parsed.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("lexicon: load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InferKind returns KindPhrase when term contains whitespace and KindWord otherwise.
func InferKind(term string) Kind {
	if strings.ContainsFunc(term, unicode.IsSpace) {
		return KindPhrase
	}
	return KindWord
}

// ClampSeverity forces s into [MinSeverity, MaxSeverity].
func ClampSeverity(s int) int {
	return max(MinSeverity, min(MaxSeverity, s))
}
