// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package sqlite provides the relational text backend for name search.
//
// Taxon names (canonical names and synonyms) are mirrored into a small
// SQLite table so lexical search can rank exact, prefix and fuzzy
// matches without scanning the canonical store. The schema is applied
// through ordered idempotent migrations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poiesic/bioindex/core"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Name kinds stored in the index.
const (
	KindCanonical = "canonical"
	KindSynonym   = "synonym"
)

// Match scores by kind of lexical agreement. Fuzzy matches are scaled
// by string similarity and therefore always rank below a prefix match.
const (
	exactScore  = 1.0
	prefixScore = 0.85
	fuzzyWeight = 0.85
)

// TextIndex is a SQLite-backed lexical index over taxon names.
type TextIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the text index at path and applies pending
// schema migrations. Use ":memory:" for an ephemeral index.
func Open(ctx context.Context, path string) (*TextIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("text index path cannot be empty")
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open text index: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &TextIndex{db: db, logger: slog.Default()}, nil
}

// Close closes the underlying database.
func (t *TextIndex) Close() error {
	return t.db.Close()
}

// Index records a name for a taxon. Re-indexing the same (taxon, name)
// pair overwrites the previous row, so the operation is idempotent.
func (t *TextIndex) Index(ctx context.Context, taxonID core.ID, name, kind, rank string) error {
	folded := core.FoldName(name)
	if folded == "" {
		return nil
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO taxon_names (taxon_id, folded, display, kind, rank)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (taxon_id, folded) DO UPDATE SET display = excluded.display, kind = excluded.kind, rank = excluded.rank`,
		int64(taxonID), folded, name, kind, rank)
	if err != nil {
		return fmt.Errorf("index name %q: %w", name, err)
	}
	return nil
}

// IndexTaxon records the canonical name and every synonym of a taxon.
func (t *TextIndex) IndexTaxon(ctx context.Context, taxon *core.Taxon) error {
	if err := t.Index(ctx, taxon.Id, taxon.CanonicalName, KindCanonical, taxon.Rank); err != nil {
		return err
	}
	for _, syn := range taxon.Synonyms {
		if err := t.Index(ctx, taxon.Id, syn.Name, KindSynonym, taxon.Rank); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops every indexed name of a taxon.
func (t *TextIndex) Remove(ctx context.Context, taxonID core.ID) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM taxon_names WHERE taxon_id = ?`, int64(taxonID))
	return err
}

// Search ranks taxa against a query. Exact folded-name agreement scores
// 1.0, a prefix match 0.85, and fuzzy candidates are scored by trigram
// similarity scaled below the prefix tier. Each taxon appears once with
// its best score; results are ordered score descending then id.
func (t *TextIndex) Search(ctx context.Context, query string, limit int) ([]core.TextMatch, error) {
	folded := core.FoldName(query)
	if folded == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	best := make(map[core.ID]core.TextMatch)

	// Exact tier.
	if err := t.collect(ctx, best,
		`SELECT taxon_id FROM taxon_names WHERE folded = ?`,
		[]any{folded}, func(id core.ID, _ string) core.TextMatch {
			return core.TextMatch{TaxonId: id, Kind: core.MatchExact, Score: exactScore}
		}); err != nil {
		return nil, err
	}

	// Prefix tier. The folded query is escaped so %/_ in user input
	// match literally instead of acting as wildcards.
	if err := t.collect(ctx, best,
		`SELECT taxon_id FROM taxon_names WHERE folded LIKE ? || '%' ESCAPE '\' AND folded != ?`,
		[]any{escapeLike(folded), folded}, func(id core.ID, _ string) core.TextMatch {
			return core.TextMatch{TaxonId: id, Kind: core.MatchPrefix, Score: prefixScore}
		}); err != nil {
		return nil, err
	}

	// Fuzzy tier: candidates share a substring or the query's first
	// trigram, scored by trigram similarity.
	seed := folded
	if len(seed) > 3 {
		seed = seed[:3]
	}
	if err := t.collectFuzzy(ctx, best, folded,
		`SELECT taxon_id, folded FROM taxon_names WHERE folded LIKE '%' || ? || '%' ESCAPE '\' OR folded LIKE ? || '%' ESCAPE '\'`,
		[]any{escapeLike(folded), escapeLike(seed)}); err != nil {
		return nil, err
	}

	results := make([]core.TextMatch, 0, len(best))
	for _, m := range best {
		results = append(results, m)
	}
	sortMatches(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (t *TextIndex) collect(ctx context.Context, best map[core.ID]core.TextMatch, query string, args []any, score func(core.ID, string) core.TextMatch) error {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		id := core.ID(raw)
		match := score(id, "")
		if existing, ok := best[id]; !ok || match.Score > existing.Score {
			best[id] = match
		}
	}
	return rows.Err()
}

func (t *TextIndex) collectFuzzy(ctx context.Context, best map[core.ID]core.TextMatch, folded, query string, args []any) error {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw int64
		var name string
		if err := rows.Scan(&raw, &name); err != nil {
			return err
		}
		id := core.ID(raw)
		if name == folded {
			continue // already handled by the exact tier
		}
		score := float32(fuzzyWeight * core.TrigramSimilarity(folded, name))
		if score <= 0 {
			continue
		}
		match := core.TextMatch{TaxonId: id, Kind: core.MatchFuzzy, Score: score}
		if existing, ok := best[id]; !ok || match.Score > existing.Score {
			best[id] = match
		}
	}
	return rows.Err()
}

// escapeLike neutralizes LIKE metacharacters in user input.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// sortMatches orders by score descending, then taxon id ascending so
// equal scores have a deterministic order.
func sortMatches(matches []core.TextMatch) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && lessMatch(matches[j], matches[j-1]); j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

func lessMatch(a, b core.TextMatch) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.TaxonId < b.TaxonId
}

// Stat reports the number of indexed names, for the status command.
func (t *TextIndex) Stat(ctx context.Context) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM taxon_names`).Scan(&count)
	return count, err
}
