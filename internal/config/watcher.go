package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats its file.
const DefaultPollInterval = 5 * time.Second

// Watcher keeps the last valid config loaded from a file. It reloads on
// every poll tick where the file's size or mtime moved, and on demand via
// [Watcher.Reload]. onChange fires only when the parsed content changed;
// edits that fail to parse or validate leave the previous config in place.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   func(string) (string, bool)
	onChange func(old, new *Config)
	onError  func(error)

	// reloadMu serialises reloads from the poller and Reload.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	current *Config
	digest  [sha256.Size]byte
	stamp   fileStamp

	stop     chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap part of change detection.
type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{mod: fi.ModTime(), size: fi.Size()}
}

func (s fileStamp) same(o fileStamp) bool {
	return s.size == o.size && s.mod.Equal(o.mod)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Zero or negative disables polling,
// leaving [Watcher.Reload] as the only trigger.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithLookup replaces os.LookupEnv for the environment overlay.
func WithLookup(lookup func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// WithReloadErrorHandler is called with every failed reload. The default
// logs a warning.
func WithReloadErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and, unless polling is disabled, starts watching it.
// The initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		lookup:   os.LookupEnv,
		onChange: onChange,
		onError: func(err error) {
			slog.Warn("config: keeping previous config", "err", err)
		},
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, digest, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.digest, w.stamp = cfg, digest, stamp

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-reads the file regardless of its stamp. It reports whether the
// config changed; on error the previous config stays current.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			_, _ = w.reload(false)
		}
	}
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		fi, err := os.Stat(w.path)
		if err != nil {
			return false, w.fail(err)
		}
		w.mu.RLock()
		same := stampOf(fi).same(w.stamp)
		w.mu.RUnlock()
		if same {
			return false, nil
		}
	}

	cfg, digest, stamp, err := w.read()
	if err != nil {
		return false, w.fail(err)
	}

	w.mu.Lock()
	w.stamp = stamp
	if digest == w.digest {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.digest = cfg, digest
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) fail(err error) error {
	err = fmt.Errorf("config: reload %s: %w", w.path, err)
	if w.onError != nil {
		w.onError(err)
	}
	return err
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, fileStamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, fileStamp{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, [sha256.Size]byte{}, fileStamp{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, [sha256.Size]byte{}, fileStamp{}, err
	}
	cfg, err := Parse(data, w.lookup)
	if err != nil {
		return nil, [sha256.Size]byte{}, fileStamp{}, err
	}
	return cfg, sha256.Sum256(data), stampOf(fi), nil
}
