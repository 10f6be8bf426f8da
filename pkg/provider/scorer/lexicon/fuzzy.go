package lexicon

import (
	"slices"

	"github.com/antzucaro/matchr"

	"github.com/voxguard/voxguard/internal/textnorm"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// phoneticMinSimilarity is the Jaro-Winkler similarity a token needs on top
// of an equal Double Metaphone code.
const phoneticMinSimilarity = 0.9

// matchFuzzy tests every token against each eligible word term that had no
// exact hit. A token within one edit of the term is accepted under the usual
// overlap rule.
func (m *Matcher) matchFuzzy(s *matchState, tokens []textnorm.Token) {
	for _, t := range m.words {
		if s.hit[t] || !t.fallbackEligible() {
			continue
		}
		for _, tok := range tokens {
			if !withinOneEdit(tok.Value, t.norm) {
				continue
			}
			if s.accept(t, span{tok.Start, tok.End}, scorer.MatchFuzzy) {
				s.hit[t] = true
			}
		}
	}
}

// matchPhonetic is the last resort for eligible word terms with neither an
// exact nor a fuzzy hit: a token must sound the same and be spelled closely.
func (m *Matcher) matchPhonetic(s *matchState, tokens []textnorm.Token) {
	for _, t := range m.words {
		if s.hit[t] || t.metaphone == "" {
			continue
		}
		for _, tok := range tokens {
			if len(tok.Value) < fallbackMinRunes-1 {
				continue
			}
			code, _ := matchr.DoubleMetaphone(tok.Value)
			if code != t.metaphone {
				continue
			}
			if matchr.JaroWinkler(tok.Value, t.norm, false) < phoneticMinSimilarity {
				continue
			}
			s.accept(t, span{tok.Start, tok.End}, scorer.MatchPhonetic)
		}
	}
}

// withinOneEdit reports whether a and b differ by at most one insertion,
// deletion, substitution or swap of adjacent characters. It walks both
// strings once instead of filling a distance table.
func withinOneEdit(a, b string) bool {
	if a == b {
		return true
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	switch len(ra) - len(rb) {
	case 0:
		i := 0
		for i < len(ra) && ra[i] == rb[i] {
			i++
		}
		// Substitution at i.
		if slices.Equal(ra[i+1:], rb[i+1:]) {
			return true
		}
		// Adjacent transposition at i.
		return i+1 < len(ra) &&
			ra[i] == rb[i+1] && ra[i+1] == rb[i] &&
			slices.Equal(ra[i+2:], rb[i+2:])
	case 1:
		// ra is one longer: skip one rune of ra at the first mismatch.
		i := 0
		for i < len(rb) && ra[i] == rb[i] {
			i++
		}
		return slices.Equal(ra[i+1:], rb[i:])
	}
	return false
}
