package lexicon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the encoding of a lexicon source.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// errNotList is wrapped in a LoadError when the top-level value is not a list.
var errNotList = errors.New("top-level value is not a list")

// FormatFromPath picks the format from the file extension. Anything other
// than .yaml or .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// LoadFile opens path and loads it with the format implied by its extension.
func LoadFile(path string) ([]Entry, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, &LoadError{Source: path, Err: err}
	}
	defer f.Close()

	entries, stats, err := load(f, FormatFromPath(path), path)
	if err != nil {
		return nil, stats, err
	}
	return entries, stats, nil
}

// Load decodes a lexicon list from r. Malformed entries are skipped and
// counted in Stats.Skipped; the error is non-nil only when r cannot be read
// or decoded as a list.
func Load(r io.Reader, format Format) ([]Entry, Stats, error) {
	return load(r, format, "reader")
}

func load(r io.Reader, format Format, source string) ([]Entry, Stats, error) {
	var raw any
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, Stats{}, &LoadError{Source: source, Err: fmt.Errorf("decode yaml: %w", err)}
		}
	default:
		dec := json.NewDecoder(r)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, Stats{}, &LoadError{Source: source, Err: fmt.Errorf("decode json: %w", err)}
		}
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, Stats{}, &LoadError{Source: source, Err: errNotList}
	}
	entries, stats := FromRaw(items)
	return entries, stats, nil
}

// FromRaw validates decoded list items into entries. Items that are not
// objects or have an empty term are skipped.
func FromRaw(items []any) ([]Entry, Stats) {
	stats := Stats{Loaded: true}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			stats.Skipped++
			continue
		}
		e, ok := entryFromFields(obj["term"], obj["category"], obj["severity"], obj["type"])
		if !ok {
			stats.Skipped++
			continue
		}
		entries = append(entries, e)
	}
	stats.Count = len(entries)
	return entries, stats
}

// NewEntry validates a single entry the same way the file loaders do. ok is
// false when term is empty after trimming.
func NewEntry(term, category string, severity int, kind string) (Entry, bool) {
	return entryFromFields(term, category, severity, kind)
}

func entryFromFields(termRaw, categoryRaw, severityRaw, kindRaw any) (Entry, bool) {
	term := strings.TrimSpace(scalarString(termRaw))
	if term == "" {
		return Entry{}, false
	}

	category := strings.ToLower(strings.TrimSpace(scalarString(categoryRaw)))
	if category == "" {
		category = DefaultCategory
	}

	kind := Kind(strings.ToLower(strings.TrimSpace(scalarString(kindRaw))))
	if !kind.IsValid() {
		kind = InferKind(term)
	}

	return Entry{
		Term:     term,
		Category: category,
		Severity: ClampSeverity(parseSeverity(severityRaw)),
		Kind:     kind,
	}, true
}

// parseSeverity accepts integers, integral-or-fractional numbers (truncated)
// and integer strings. Anything else falls back to MinSeverity.
func parseSeverity(v any) int {
	switch s := v.(type) {
	case nil:
		return MinSeverity
	case int:
		return s
	case int64:
		return int(s)
	case uint64:
		if s > math.MaxInt32 {
			return MaxSeverity
		}
		return int(s)
	case float64:
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return MinSeverity
		}
		return int(math.Max(-1e6, math.Min(1e6, s)))
	case json.Number:
		if n, err := s.Int64(); err == nil {
			return clampInt64(n)
		}
		if f, err := s.Float64(); err == nil {
			return parseSeverity(f)
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return clampInt64(n)
		}
	}
	return MinSeverity
}

func clampInt64(n int64) int {
	if n > MaxSeverity {
		return MaxSeverity
	}
	if n < MinSeverity {
		return MinSeverity
	}
	return int(n)
}

// scalarString renders strings and numbers; other values become "".
func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case int, int64, uint64, float64:
		return fmt.Sprint(s)
	}
	return ""
}
