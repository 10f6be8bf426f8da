package app

import (
	"log/slog"
	"testing"

	"github.com/voxguard/voxguard/internal/config"
)

func TestOnConfigChange_AppliesLogLevel(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	a := &App{level: lv}

	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	updated := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}
	a.onConfigChange(old, updated)

	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want %v", got, slog.LevelDebug)
	}

	// A restart-only change leaves the level alone.
	restart := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogDebug},
		Scoring: config.ScoringConfig{Provider: config.ScorerRemote},
	}
	a.onConfigChange(updated, restart)
	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("level after restart-only change = %v, want %v", got, slog.LevelDebug)
	}
}
