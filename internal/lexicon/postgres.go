package lexicon

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SourcePostgres is the [Table.Source] name of snapshots loaded from PostgreSQL.
const SourcePostgres = "postgres"

const ddlLexiconTerms = `
CREATE TABLE IF NOT EXISTS lexicon_terms (
    id         BIGSERIAL    PRIMARY KEY,
    term       TEXT         NOT NULL,
    category   TEXT         NOT NULL DEFAULT '',
    severity   INTEGER      NOT NULL DEFAULT 1,
    kind       TEXT         NOT NULL DEFAULT '',
    enabled    BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lexicon_terms_enabled
    ON lexicon_terms (enabled);
`

// PostgresSource loads lexicon entries from the lexicon_terms table. Rows
// pass through the same validation as file entries, so a row with a blank
// term is skipped rather than failing the load. Entries keep insertion order.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to dsn, verifies the connection and runs
// [MigratePostgres].
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("lexicon postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("lexicon postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("lexicon postgres: ping: %w", err)
	}

	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSource{pool: pool}, nil
}

// MigratePostgres creates the lexicon_terms table if it does not exist.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlLexiconTerms); err != nil {
		return fmt.Errorf("lexicon postgres: migrate: %w", err)
	}
	return nil
}

// Load reads every enabled row and returns a table snapshot.
func (s *PostgresSource) Load(ctx context.Context) (*Table, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT term, category, severity, kind
		FROM lexicon_terms
		WHERE enabled
		ORDER BY id`)
	if err != nil {
		return nil, &LoadError{Source: SourcePostgres, Err: err}
	}

	type row struct {
		term, category, kind string
		severity             int
	}
	raw, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var v row
		err := r.Scan(&v.term, &v.category, &v.severity, &v.kind)
		return v, err
	})
	if err != nil {
		return nil, &LoadError{Source: SourcePostgres, Err: fmt.Errorf("scan rows: %w", err)}
	}

	stats := Stats{Loaded: true}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e, ok := entryFromFields(r.term, r.category, r.severity, r.kind)
		if !ok {
			stats.Skipped++
			continue
		}
		entries = append(entries, e)
	}
	stats.Count = len(entries)
	return NewTable(entries, stats, SourcePostgres), nil
}

// Replace swaps the whole table contents for entries in one transaction.
func (s *PostgresSource) Replace(ctx context.Context, entries []Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("lexicon postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM lexicon_terms`); err != nil {
		return fmt.Errorf("lexicon postgres: clear: %w", err)
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.Term, e.Category, e.Severity, string(e.Kind)})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"lexicon_terms"},
		[]string{"term", "category", "severity", "kind"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("lexicon postgres: copy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("lexicon postgres: commit: %w", err)
	}
	return nil
}

// Ping checks the connection. It backs the readiness probe.
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}
