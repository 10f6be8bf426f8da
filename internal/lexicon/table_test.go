package lexicon_test

import (
	"sync"
	"testing"

	"github.com/voxguard/voxguard/internal/lexicon"
)

func TestTable_Snapshot(t *testing.T) {
	t.Parallel()

	entries := []lexicon.Entry{{Term: "trash", Category: "toxic", Severity: 2, Kind: lexicon.KindWord}}
	tbl := lexicon.NewTable(entries, lexicon.Stats{Loaded: true, Count: 1}, "terms.json")

	entries[0].Term = "mutated"
	if got := tbl.Entries()[0].Term; got != "trash" {
		t.Errorf("Entries()[0].Term = %q, want %q", got, "trash")
	}

	got := tbl.Entries()
	got[0].Term = "again"
	if tbl.Entries()[0].Term != "trash" {
		t.Error("Entries() returned a slice aliasing the table")
	}

	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
	if tbl.Source() != "terms.json" {
		t.Errorf("Source() = %q, want %q", tbl.Source(), "terms.json")
	}
	if tbl.LoadedAt().IsZero() {
		t.Error("LoadedAt() is zero")
	}
}

func TestHolder(t *testing.T) {
	t.Parallel()

	h := lexicon.NewHolder(nil)
	if h.Load() != nil {
		t.Fatal("Load() on empty holder != nil")
	}
	if s := h.Stats(); s.Loaded {
		t.Errorf("Stats() on empty holder = %+v, want zero", s)
	}

	first := lexicon.NewTable(nil, lexicon.Stats{Loaded: true}, "a")
	second := lexicon.NewTable(nil, lexicon.Stats{Loaded: true, Count: 3}, "b")
	h.Store(first)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if tbl := h.Load(); tbl != first && tbl != second {
					t.Error("Load() returned an unexpected table")
					return
				}
			}
		}()
	}
	h.Store(second)
	wg.Wait()

	if h.Load() != second {
		t.Error("Load() after Store != second")
	}
	if h.Stats().Count != 3 {
		t.Errorf("Stats().Count = %d, want 3", h.Stats().Count)
	}
}
