package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
scoring:
  interval: 1s
lexicon:
  path: terms.json
`
	debugYAML = `
server:
  log_level: debug
scoring:
  interval: 2s
lexicon:
  path: terms.json
`
	brokenYAML = `
server:
  log_level: bananas
`
)

func noEnv(string) (string, bool) { return "", false }

// changeLog records onChange calls.
type changeLog struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	fired chan struct{}
}

func newChangeLog() *changeLog { return &changeLog{fired: make(chan struct{}, 8)} }

func (c *changeLog) record(old, new *config.Config) {
	c.mu.Lock()
	c.pairs = append(c.pairs, [2]*config.Config{old, new})
	c.mu.Unlock()
	c.fired <- struct{}{}
}

func (c *changeLog) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

// manualWatcher writes body to a temp file and watches it without polling.
func manualWatcher(t *testing.T, body string, onChange func(old, new *config.Config), opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxguard.yaml")
	rewrite(t, path, body)
	opts = append([]config.WatcherOption{config.WithInterval(0), config.WithLookup(noEnv)}, opts...)
	w, err := config.NewWatcher(path, onChange, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func rewrite(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, _ := manualWatcher(t, baseYAML, nil)
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Scoring.Interval != time.Second {
		t.Errorf("interval = %v, want 1s", cfg.Scoring.Interval)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil, config.WithLookup(noEnv)); err == nil {
		t.Fatal("NewWatcher(missing) succeeded, want error")
	}
	path := filepath.Join(t.TempDir(), "broken.yaml")
	rewrite(t, path, brokenYAML)
	if _, err := config.NewWatcher(path, nil, config.WithLookup(noEnv)); err == nil {
		t.Fatal("NewWatcher(broken) succeeded, want error")
	}
}

func TestWatcher_AppliesEnvironment(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxguard.yaml")
	rewrite(t, path, baseYAML)
	env := func(k string) (string, bool) {
		if k == "VOXGUARD_THRESHOLD" {
			return "0.9", true
		}
		return "", false
	}
	w, err := config.NewWatcher(path, nil, config.WithInterval(0), config.WithLookup(env))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Scoring.Threshold; got != 0.9 {
		t.Errorf("threshold = %v, want 0.9", got)
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	log := newChangeLog()
	w, path := manualWatcher(t, baseYAML, log.record)

	changed, err := w.Reload()
	if err != nil || changed {
		t.Fatalf("Reload(unchanged) = %v, %v, want false, nil", changed, err)
	}

	rewrite(t, path, debugYAML)
	changed, err = w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload(edited) = %v, %v, want true, nil", changed, err)
	}
	if log.len() != 1 {
		t.Fatalf("onChange calls = %d, want 1", log.len())
	}
	old, cur := log.pairs[0][0], log.pairs[0][1]
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("onChange levels = %q -> %q, want info -> debug", old.Server.LogLevel, cur.Server.LogLevel)
	}
	if w.Current() != cur {
		t.Error("Current() is not the config passed to onChange")
	}
	d := config.Diff(old, cur)
	if !d.LogLevelChanged || len(d.RestartRequired) != 1 || d.RestartRequired[0] != "scoring" {
		t.Errorf("Diff = %+v, want log level change and scoring restart", d)
	}
}

func TestWatcher_ReloadInvalidKeepsConfig(t *testing.T) {
	t.Parallel()

	log := newChangeLog()
	var reported []error
	w, path := manualWatcher(t, baseYAML, log.record,
		config.WithReloadErrorHandler(func(err error) { reported = append(reported, err) }))
	before := w.Current()

	rewrite(t, path, brokenYAML)
	if changed, err := w.Reload(); err == nil || changed {
		t.Fatalf("Reload(broken) = %v, %v, want false and an error", changed, err)
	}
	if w.Current() != before {
		t.Error("Current() changed after a failed reload")
	}
	if log.len() != 0 {
		t.Errorf("onChange calls = %d, want 0", log.len())
	}
	if len(reported) != 1 {
		t.Errorf("error handler calls = %d, want 1", len(reported))
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Reload(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Reload(removed) err = %v, want ErrNotExist", err)
	}
}

func TestWatcher_PollDetectsChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxguard.yaml")
	rewrite(t, path, baseYAML)
	log := newChangeLog()
	w, err := config.NewWatcher(path, log.record, config.WithInterval(20*time.Millisecond), config.WithLookup(noEnv))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, debugYAML)
	// Guarantee the stamp moves even on coarse mtime filesystems.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	select {
	case <-log.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not report the change")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("log_level = %q, want debug", got)
	}
}

func TestWatcher_TouchWithoutEditIsQuiet(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxguard.yaml")
	rewrite(t, path, baseYAML)
	log := newChangeLog()
	w, err := config.NewWatcher(path, log.record, config.WithInterval(20*time.Millisecond), config.WithLookup(noEnv))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if log.len() != 0 {
		t.Errorf("onChange calls = %d after touch, want 0", log.len())
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()

	w, _ := manualWatcher(t, baseYAML, nil)
	w.Stop()
	w.Stop()
}
