// Command voxguard is the main entry point for the voxguard speech
// moderation server and its operator tools.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxguard/voxguard/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

// exitError carries a specific exit status out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "voxguard: %v\n", err)
		return 1
	}
	return 0
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
	level      *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:           "voxguard",
		Short:         "voxguard — real-time moderation of speech transcripts",
		Long:          "Streams audio through a speech recognizer and flags harmful language in the transcript.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to the YAML configuration file")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", nil, "dotenv files loaded before the environment overlay (default .env)")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newClassifyCmd(g))
	root.AddCommand(newProbeCmd(g))
	root.AddCommand(newLexiconCmd(g))
	return root
}

// loadConfig loads dotenv files, then the config file with the environment
// overlay, and installs the logger at the configured level.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(g.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found: copy configs/example.yaml to get started", g.configPath)
		}
		return nil, err
	}
	g.level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(g.level))
	return cfg, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
