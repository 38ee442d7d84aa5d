package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a named schema step. Names sort lexically and are
// applied in that order exactly once. Statements must stay idempotent
// (IF NOT EXISTS) so a migration interrupted between statement and
// bookkeeping can be re-applied safely.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{
		name: "0001_taxon_names",
		stmt: `
		CREATE TABLE IF NOT EXISTS taxon_names (
			taxon_id INTEGER NOT NULL,
			folded TEXT NOT NULL,
			display TEXT NOT NULL,
			kind TEXT NOT NULL,
			rank TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (taxon_id, folded)
		);
		CREATE INDEX IF NOT EXISTS idx_taxon_names_folded ON taxon_names(folded);
		`,
	},
	{
		name: "0002_taxon_names_rank_index",
		stmt: `
		CREATE INDEX IF NOT EXISTS idx_taxon_names_rank ON taxon_names(rank, folded);
		`,
	},
}

// applyMigrations brings the schema up to date.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("select schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration name: %w", err)
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, m.stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}
