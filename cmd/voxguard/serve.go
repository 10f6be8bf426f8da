package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voxguard/voxguard/internal/app"
	"github.com/voxguard/voxguard/internal/config"
	"github.com/voxguard/voxguard/internal/observe"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the moderation server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch-config", false, "reload the log level when the config file changes or on SIGHUP")
	return cmd
}

func runServe(parent context.Context, g *globalFlags, watch bool) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	slog.Info("voxguard starting",
		"config", g.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, closers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}
	defer closeAll(closers)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, providers)

	opts := []app.Option{app.WithRegistry(reg), app.WithLevelVar(g.level)}
	if watch && g.configPath != "" {
		opts = append(opts, app.WithConfigWatch(g.configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	if watch && g.configPath != "" {
		go reloadOnHangup(ctx, application)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitError{code: 1}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return exitError{code: 1}
	}
	slog.Info("goodbye")
	return nil
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, application *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := application.ReloadConfig()
			if err != nil {
				slog.Warn("SIGHUP reload failed", "err", err)
				continue
			}
			slog.Info("SIGHUP reload", "changed", changed)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	w := os.Stdout
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        voxguard — startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Scorer", string(cfg.Scoring.Provider), string(cfg.Scoring.Fallback))
	printRow(w, "Recognizer", ps.STTName, cfg.Providers.STT.Model)
	lexicon := cfg.Lexicon.Path
	if cfg.Lexicon.PostgresDSN != "" {
		lexicon = "postgres"
	}
	printRow(w, "Lexicon", lexicon, "")
	fmt.Fprintf(w, "║  Interval        : %-19s ║\n", cfg.Scoring.Interval)
	fmt.Fprintf(w, "║  Threshold       : %-19.2f ║\n", cfg.Scoring.Threshold)
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w *os.File, kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}
