package lexicon

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a lexicon file loaded and reloads it when the file changes on
// disk. It watches the parent directory so that editors replacing the file
// through a rename are picked up. A reload that fails to parse keeps the
// previous snapshot.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Table)
	onError  func(error)

	fw       *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	current  *Table
	lastHash [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for a burst of file events to
// settle before reloading. The default is 100ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithErrorHandler registers fn to be called when a reload fails. The
// previous snapshot stays in use.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path immediately and starts watching it. onChange is
// called with every new snapshot whose content differs from the previous one;
// it is not called for the initial load.
func NewWatcher(path string, onChange func(*Table), opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("lexicon: watcher resolve %q: %w", path, err)
	}
	w := &Watcher{
		path:     abs,
		debounce: 100 * time.Millisecond,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	table, hash, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("lexicon: watcher initial load: %w", err)
	}
	w.current = table
	w.lastHash = hash

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("lexicon: create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("lexicon: watch %q: %w", filepath.Dir(abs), err)
	}
	w.fw = fw

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid snapshot.
func (w *Watcher) Current() *Table {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends watching and waits for the event loop to exit. Safe to call more
// than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		target = filepath.Clean(w.path)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("lexicon watcher: fsnotify error", "path", w.path, "err", err)
		}
	}
}

// reload reads the file and publishes a new snapshot if its content changed.
func (w *Watcher) reload() {
	table, hash, err := w.loadAndHash()
	if err != nil {
		slog.Warn("lexicon watcher: reload failed, keeping previous lexicon", "path", w.path, "err", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.current = table
	w.lastHash = hash
	w.mu.Unlock()

	stats := table.Stats()
	slog.Info("lexicon watcher: lexicon reloaded",
		"path", w.path,
		"count", stats.Count,
		"skipped", stats.Skipped,
	)

	if w.onChange != nil {
		w.onChange(table)
	}
}

func (w *Watcher) loadAndHash() (*Table, [sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, &LoadError{Source: w.path, Err: err}
	}
	entries, stats, err := load(bytes.NewReader(data), FormatFromPath(w.path), w.path)
	if err != nil {
		return nil, zero, err
	}
	return NewTable(entries, stats, w.path), sha256.Sum256(data), nil
}
