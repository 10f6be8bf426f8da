package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/voxguard/voxguard/internal/lexicon"
	lexiconscorer "github.com/voxguard/voxguard/pkg/provider/scorer/lexicon"
)

func newLexiconCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lexicon",
		Short: "Inspect and publish lexicon files",
	}
	cmd.AddCommand(newLexiconCheckCmd())
	cmd.AddCommand(newLexiconImportCmd(g))
	return cmd
}

func newLexiconCheckCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Validate a lexicon file and summarise its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLexiconCheck(cmd.Context(), args[0], text)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "also classify this text against the file")
	return cmd
}

func runLexiconCheck(ctx context.Context, path, text string) error {
	entries, stats, err := lexicon.LoadFile(path)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d terms loaded, %d skipped\n", path, stats.Count, stats.Skipped)
	byCategory := make(map[string]int)
	var phrases int
	for _, e := range entries {
		byCategory[e.Category]++
		if e.Kind == lexicon.KindPhrase {
			phrases++
		}
	}
	fmt.Printf("  words: %d  phrases: %d\n", len(entries)-phrases, phrases)
	for _, c := range slices.Sorted(maps.Keys(byCategory)) {
		fmt.Printf("  %-16s %d\n", c, byCategory[c])
	}

	if text == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := lexiconscorer.New(entries).Classify(ctx, text)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func newLexiconImportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Replace the PostgreSQL lexicon with the entries of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLexiconImport(cmd.Context(), g, args[0])
		},
	}
}

func runLexiconImport(ctx context.Context, g *globalFlags, path string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Lexicon.PostgresDSN == "" {
		return errors.New("lexicon.postgres_dsn is not configured")
	}
	entries, stats, err := lexicon.LoadFile(path)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	src, err := lexicon.NewPostgresSource(ctx, cfg.Lexicon.PostgresDSN)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := src.Replace(ctx, entries); err != nil {
		return err
	}
	fmt.Printf("imported %d terms (%d skipped) from %s\n", stats.Count, stats.Skipped, path)
	return nil
}
