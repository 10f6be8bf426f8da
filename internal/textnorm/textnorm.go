// Package textnorm folds free-form transcript text into the canonical form the
// lexicon matcher operates on while keeping a map back to the source text.
//
// Normalization applies Unicode compatibility composition (NFKC), lowercases
// every character, rewrites apostrophe look-alikes to ASCII ' and keeps only
// letters, digits, combining marks attached to them and the apostrophe. Every
// run of dropped characters between two kept ones collapses into one ASCII
// space; leading and trailing separators are dropped.
//
// Offsets are byte offsets into the source string, the natural unit for Go
// string slicing.
package textnorm

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Apostrophe is the canonical apostrophe every look-alike is folded to.
const Apostrophe = '\''

// Text is the normalized form of a source string.
//
// Index[i] is the byte offset in the source of the character that produced
// normalized byte i. len(Index) == len(Value) and offsets never decrease. The
// separator space inserted between two tokens maps to the source offset of
// the token that follows it.
type Text struct {
	Value string
	Index []int

	// ends[i] is the source byte offset just past the character that produced
	// normalized byte i.
	ends []int
}

// Len returns the length in bytes of the normalized value.
func (t Text) Len() int { return len(t.Value) }

// Empty reports whether normalization produced no token characters.
func (t Text) Empty() bool { return t.Value == "" }

// Span translates the normalized byte range [start, end) into the half-open
// source byte range that produced it. ok is false when the range is empty or
// falls outside the index map.
func (t Text) Span(start, end int) (srcStart, srcEnd int, ok bool) {
	if start < 0 || end <= start || end > len(t.Index) || end > len(t.ends) {
		return 0, 0, false
	}
	return t.Index[start], t.ends[end-1], true
}

// Normalize returns the canonical form of s together with its index map.
// Normalize("") and strings without any token character yield the zero Text.
// Normalize is idempotent on the value: Normalize(Normalize(x).Value).Value
// equals Normalize(x).Value.
func Normalize(s string) Text {
	var (
		b            strings.Builder
		index        []int
		ends         []int
		pendingSpace bool
		lastKept     bool
	)
	b.Grow(len(s))

	emit := func(r rune, start, end int) {
		n := utf8.RuneLen(r)
		if n < 0 {
			r, n = utf8.RuneError, 3
		}
		b.WriteRune(r)
		for range n {
			index = append(index, start)
			ends = append(ends, end)
		}
	}

	var it norm.Iter
	it.InitString(norm.NFKC, s)
	for !it.Done() {
		start := it.Pos()
		seg := it.Next()
		end := it.Pos()

		// NFKC decomposes some apostrophe look-alikes (U+00B4 becomes a space
		// plus a combining accent), so they are recognised on the source rune.
		if src, _ := utf8.DecodeRuneInString(s[start:]); IsApostrophe(src) {
			seg = []byte{Apostrophe}
		}

		seg = fold(seg)
		for len(seg) > 0 {
			r, w := utf8.DecodeRune(seg)
			seg = seg[w:]
			if !keep(r, lastKept) {
				if b.Len() > 0 {
					pendingSpace = true
				}
				lastKept = false
				continue
			}
			if pendingSpace {
				emit(' ', start, end)
				pendingSpace = false
			}
			emit(r, start, end)
			lastKept = true
		}
	}

	if b.Len() == 0 {
		return Text{}
	}
	return Text{Value: b.String(), Index: index, ends: ends}
}

// maxFoldPasses bounds the lowercase and recompose loop in fold.
const maxFoldPasses = 4

// fold lowercases one NFKC segment and composes it again until it is stable.
// Lowercasing can expose a composable pair ("İ" plus an acute accent becomes
// "i" plus the accent) and some compatibility mappings yield capitals, so a
// single pass would not be idempotent.
func fold(seg []byte) []byte {
	for range maxFoldPasses {
		next := norm.NFKC.Bytes(bytes.Map(foldRune, seg))
		if bytes.Equal(next, seg) {
			break
		}
		seg = next
	}
	return seg
}

func foldRune(r rune) rune {
	r = unicode.ToLower(r)
	if IsApostrophe(r) {
		return Apostrophe
	}
	return r
}

// IsApostrophe reports whether r is the ASCII apostrophe or one of its common
// typographic look-alikes.
func IsApostrophe(r rune) bool {
	switch r {
	case '\'', '‘', '’', '‛', 'ʼ', '`', '´', '′', '＇':
		return true
	}
	return false
}

// IsWordRune reports whether r belongs to a word for boundary purposes.
// The apostrophe is not a word character, so "don't" has a boundary after "don".
func IsWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.M, r)
}

func keep(r rune, afterToken bool) bool {
	switch {
	case r == Apostrophe:
		return true
	case unicode.IsLetter(r), unicode.IsNumber(r):
		return true
	case unicode.Is(unicode.M, r):
		return afterToken
	}
	return false
}

// Token is a maximal run of word characters inside a normalized value.
type Token struct {
	Value string
	// Start and End delimit the token in normalized byte offsets.
	Start, End int
}

// Tokens splits the normalized value into maximal runs of word characters.
// Apostrophes and spaces both end a token.
func (t Text) Tokens() []Token {
	var (
		out   []Token
		start = -1
	)
	for i, r := range t.Value {
		if IsWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, Token{Value: t.Value[start:i], Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, Token{Value: t.Value[start:], Start: start, End: len(t.Value)})
	}
	return out
}
