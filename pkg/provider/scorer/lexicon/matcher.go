package lexicon

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	aho "github.com/petar-dambovaliev/aho-corasick"

	"github.com/voxguard/voxguard/internal/lexicon"
	"github.com/voxguard/voxguard/internal/textnorm"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// Fuzzy and phonetic fallbacks only consider single-word terms at least this
// severe and this long (in runes).
const (
	fallbackMinSeverity = 3
	fallbackMinRunes    = 5
)

// compiledTerm is one lexicon entry prepared for matching.
type compiledTerm struct {
	category string
	severity int

	// norm is the normalized term value; pattern is its index in the
	// automaton, shared by terms with the same norm.
	norm    string
	runes   int
	pattern int

	// metaphone is the primary Double Metaphone code, empty when the term is
	// not eligible for the phonetic fallback.
	metaphone string
}

func (t *compiledTerm) fallbackEligible() bool {
	return t.severity >= fallbackMinSeverity && t.runes >= fallbackMinRunes
}

// Matcher holds the compiled phrase and word pools for one lexicon snapshot.
// It is immutable after [Compile] and safe for concurrent use.
type Matcher struct {
	phrases []*compiledTerm
	words   []*compiledTerm

	automaton aho.AhoCorasick
	patterns  []string

	fuzzy    bool
	phonetic bool
}

// Compile prepares entries for matching. Each term is normalized the same
// way transcript text is; terms that normalize to nothing are dropped. A term
// whose normalized form has more than one token joins the phrase pool. Pool
// order follows entry order.
//
// Normalized text separates tokens with exactly one space, so every term is
// a literal pattern and one overlapping Aho-Corasick automaton finds all
// candidate occurrences of every term in a single pass.
func Compile(entries []lexicon.Entry, fuzzy, phonetic bool) *Matcher {
	m := &Matcher{fuzzy: fuzzy, phonetic: phonetic}
	seen := make(map[string]int)
	for _, e := range entries {
		norm := textnorm.Normalize(e.Term)
		if norm.Empty() {
			continue
		}
		idx, ok := seen[norm.Value]
		if !ok {
			idx = len(m.patterns)
			seen[norm.Value] = idx
			m.patterns = append(m.patterns, norm.Value)
		}
		t := &compiledTerm{
			category: e.Category,
			severity: e.Severity,
			norm:     norm.Value,
			runes:    utf8.RuneCountInString(norm.Value),
			pattern:  idx,
		}
		if strings.Contains(norm.Value, " ") || e.Kind == lexicon.KindPhrase {
			m.phrases = append(m.phrases, t)
			continue
		}
		if phonetic && t.fallbackEligible() {
			t.metaphone, _ = matchr.DoubleMetaphone(t.norm)
		}
		m.words = append(m.words, t)
	}
	if len(m.patterns) > 0 {
		builder := aho.NewAhoCorasickBuilder(aho.Opts{DFA: true})
		m.automaton = builder.Build(m.patterns)
	}
	return m
}

// occurrences returns every occurrence of every pattern in s, overlapping
// ones included, grouped by pattern and ordered by start.
func (m *Matcher) occurrences(s string) [][]span {
	out := make([][]span, len(m.patterns))
	if len(m.patterns) == 0 {
		return out
	}
	iter := m.automaton.IterOverlappingByte([]byte(s))
	for next := iter.Next(); next != nil; next = iter.Next() {
		// Occurrences of one pattern share a length, so end order is start order.
		out[next.Pattern()] = append(out[next.Pattern()], span{next.Start(), next.End()})
	}
	return out
}

// Len returns the number of compiled terms.
func (m *Matcher) Len() int { return len(m.phrases) + len(m.words) }

type span struct{ start, end int }

func (s span) overlaps(o span) bool { return s.start < o.end && o.start < s.end }

// matchState accumulates accepted spans during one Match call.
type matchState struct {
	text     textnorm.Text
	accepted []span
	out      []scorer.Match
	hit      map[*compiledTerm]bool
}

// accept records sp for t unless it overlaps an accepted span or falls
// outside the index map.
func (s *matchState) accept(t *compiledTerm, sp span, kind scorer.MatchKind) bool {
	for _, a := range s.accepted {
		if a.overlaps(sp) {
			return false
		}
	}
	start, end, ok := s.text.Span(sp.start, sp.end)
	if !ok {
		return false
	}
	s.accepted = append(s.accepted, sp)
	s.out = append(s.out, scorer.Match{
		Category: t.category,
		Severity: t.severity,
		Start:    start,
		End:      end,
		Redacted: true,
		Kind:     kind,
	})
	return true
}

// Match runs the phrase pool, then the word pool, then the enabled fallbacks
// over text. Returned spans are byte ranges in the source of text, ordered by
// start and then end, and never overlap.
func (m *Matcher) Match(text textnorm.Text) []scorer.Match {
	if text.Empty() {
		return []scorer.Match{}
	}
	s := &matchState{text: text, hit: make(map[*compiledTerm]bool)}

	occ := m.occurrences(text.Value)
	for _, pool := range [][]*compiledTerm{m.phrases, m.words} {
		for _, t := range pool {
			for _, sp := range bounded(occ[t.pattern], text.Value) {
				s.hit[t] = true
				s.accept(t, sp, scorer.MatchExact)
			}
		}
	}

	if m.fuzzy || m.phonetic {
		tokens := text.Tokens()
		if m.fuzzy {
			m.matchFuzzy(s, tokens)
		}
		if m.phonetic {
			m.matchPhonetic(s, tokens)
		}
	}

	if s.out == nil {
		return []scorer.Match{}
	}
	scorer.SortMatches(s.out)
	return s.out
}

// bounded walks the occurrences of one term left to right and keeps those
// whose neighbours are not word characters, skipping any that start inside
// the previous kept one. Boundaries are checked against Unicode letters,
// digits and marks rather than ASCII word characters.
func bounded(occ []span, s string) []span {
	var out []span
	pos := 0
	for _, sp := range occ {
		if sp.start < pos || sp.end <= sp.start {
			continue
		}
		if boundaryBefore(s, sp.start) && boundaryAfter(s, sp.end) {
			out = append(out, sp)
			pos = sp.end
		}
	}
	return out
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !textnorm.IsWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !textnorm.IsWordRune(r)
}
