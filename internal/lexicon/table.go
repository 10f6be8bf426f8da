package lexicon

import (
	"slices"
	"sync/atomic"
	"time"
)

// Table is an immutable snapshot of a loaded lexicon.
type Table struct {
	entries  []Entry
	stats    Stats
	source   string
	loadedAt time.Time
}

// NewTable snapshots entries. The slice is copied so later changes by the
// caller do not leak into the table.
func NewTable(entries []Entry, stats Stats, source string) *Table {
	return &Table{
		entries:  slices.Clone(entries),
		stats:    stats,
		source:   source,
		loadedAt: time.Now(),
	}
}

// Entries returns a copy of the table's entries in source order.
func (t *Table) Entries() []Entry { return slices.Clone(t.entries) }

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Stats returns the load statistics recorded for this snapshot.
func (t *Table) Stats() Stats { return t.stats }

// Source names where the snapshot was loaded from (a path or "postgres").
func (t *Table) Source() string { return t.source }

// LoadedAt returns when the snapshot was built.
func (t *Table) LoadedAt() time.Time { return t.loadedAt }

// Holder publishes the current [Table] to concurrent readers. Readers never
// block; Store replaces the snapshot atomically.
type Holder struct {
	current atomic.Pointer[Table]
}

// NewHolder returns a Holder publishing t. t may be nil when no lexicon has
// been loaded yet.
func NewHolder(t *Table) *Holder {
	h := &Holder{}
	if t != nil {
		h.current.Store(t)
	}
	return h
}

// Load returns the current snapshot, or nil if none was stored.
func (h *Holder) Load() *Table { return h.current.Load() }

// Store publishes t as the current snapshot.
func (h *Holder) Store(t *Table) { h.current.Store(t) }

// Stats returns the current snapshot's stats, or the zero Stats when no
// lexicon is loaded.
func (h *Holder) Stats() Stats {
	if t := h.current.Load(); t != nil {
		return t.stats
	}
	return Stats{}
}
