package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxguard/voxguard/internal/app"
)

// cliTimeout bounds one-shot commands that may call a remote endpoint.
const cliTimeout = 60 * time.Second

func newClassifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>...",
		Short: "Classify text with the configured scorer and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd.Context(), g, strings.Join(args, " "))
		},
	}
}

func runClassify(ctx context.Context, g *globalFlags, text string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.Background())

	res, err := a.Classify(ctx, text)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	return printJSON(res)
}

func newProbeCmd(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Validate the remote scoring endpoint and print the details as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd.Context(), g, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the validation cache")
	return cmd
}

func runProbe(ctx context.Context, g *globalFlags, force bool) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.Background())

	d, err := a.Probe(ctx, force)
	if errors.Is(err, app.ErrRemoteNotConfigured) {
		return errors.New("remote.host and remote.endpoint are not configured")
	}
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if err := printJSON(d); err != nil {
		return err
	}
	if !d.Valid {
		return exitError{code: 2}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
