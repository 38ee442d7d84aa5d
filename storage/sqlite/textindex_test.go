package sqlite

import (
	"context"
	"testing"

	"github.com/poiesic/bioindex/core"
)

func newTestIndex(t *testing.T) *TextIndex {
	t.Helper()
	idx, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Failed to open text index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestMigrationsIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	// Re-applying the full migration set must be a no-op.
	if err := applyMigrations(context.Background(), idx.db); err != nil {
		t.Fatalf("Re-applying migrations failed: %v", err)
	}
}

func TestSearchTiers(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	taxa := map[core.ID]string{
		1: "Quercus robur",
		2: "Quercus rubra",
		3: "Quercus",
		4: "Fagus sylvatica",
	}
	for id, name := range taxa {
		if err := idx.Index(ctx, id, name, KindCanonical, "species"); err != nil {
			t.Fatalf("Failed to index %q: %v", name, err)
		}
	}

	matches, err := idx.Search(ctx, "Quercus robur", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("Expected matches")
	}
	if matches[0].TaxonId != 1 || matches[0].Kind != core.MatchExact || matches[0].Score != 1.0 {
		t.Fatalf("Expected exact match for taxon 1, got %+v", matches[0])
	}
	// "Quercus rubra" is close but not exact: it must rank below.
	for _, m := range matches[1:] {
		if m.Score >= 1.0 {
			t.Fatalf("Expected single exact match, got %+v", m)
		}
	}

	// Prefix tier: "Quercus" matches 1 and 2 as prefix, 3 as exact.
	matches, err = idx.Search(ctx, "quercus", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if matches[0].TaxonId != 3 || matches[0].Kind != core.MatchExact {
		t.Fatalf("Expected exact match for genus, got %+v", matches[0])
	}
	var prefixCount int
	for _, m := range matches[1:] {
		if m.Kind == core.MatchPrefix {
			prefixCount++
			if m.Score != 0.85 {
				t.Fatalf("Expected prefix score 0.85, got %f", m.Score)
			}
		}
	}
	if prefixCount != 2 {
		t.Fatalf("Expected 2 prefix matches, got %d", prefixCount)
	}
}

func TestSearchFuzzy(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, 1, "Quercus robur", KindCanonical, "species"); err != nil {
		t.Fatalf("Failed to index: %v", err)
	}

	// Misspelling shares the leading trigram; it should surface as a
	// fuzzy match scored below the prefix tier.
	matches, err := idx.Search(ctx, "Quercas roburr", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected 1 fuzzy match, got %d", len(matches))
	}
	if matches[0].Kind != core.MatchFuzzy {
		t.Fatalf("Expected fuzzy match, got %+v", matches[0])
	}
	if matches[0].Score <= 0 || matches[0].Score >= 0.85 {
		t.Fatalf("Expected fuzzy score in (0, 0.85), got %f", matches[0].Score)
	}
}

func TestSearchSynonym(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	taxon := &core.Taxon{
		Id:            7,
		CanonicalName: "Bufo bufo",
		Rank:          "species",
		Synonyms:      []core.Synonym{{Name: "Rana bufo", Source: "inat"}},
	}
	if err := idx.IndexTaxon(ctx, taxon); err != nil {
		t.Fatalf("Failed to index taxon: %v", err)
	}

	matches, err := idx.Search(ctx, "Rana bufo", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) == 0 || matches[0].TaxonId != 7 || matches[0].Score != 1.0 {
		t.Fatalf("Expected exact synonym match for taxon 7, got %+v", matches)
	}

	// A taxon matched through both canonical name and synonym appears once.
	if err := idx.Index(ctx, 7, "Bufo vulgaris", KindSynonym, "species"); err != nil {
		t.Fatalf("Failed to index: %v", err)
	}
	matches, err = idx.Search(ctx, "bufo", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	seen := make(map[core.ID]int)
	for _, m := range matches {
		seen[m.TaxonId]++
	}
	if seen[7] != 1 {
		t.Fatalf("Expected taxon 7 once, got %d", seen[7])
	}
}

func TestSearchWildcardsMatchLiterally(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	for id, name := range map[core.ID]string{
		1: "Quercus robur",
		2: "Fagus sylvatica",
	} {
		if err := idx.Index(ctx, id, name, KindCanonical, "species"); err != nil {
			t.Fatalf("Failed to index %q: %v", name, err)
		}
	}

	// A bare "%" is a literal character, not match-everything.
	matches, err := idx.Search(ctx, "%", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("Expected no matches for %%, got %+v", matches)
	}

	// "_" must not stand in for an arbitrary character in the prefix
	// tier; the misspelling can only surface as a fuzzy candidate.
	matches, err = idx.Search(ctx, "que_cus%", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, m := range matches {
		if m.Kind != core.MatchFuzzy {
			t.Fatalf("Expected only fuzzy matches, got %+v", m)
		}
	}
}

func TestRemove(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, 1, "Quercus robur", KindCanonical, "species"); err != nil {
		t.Fatalf("Failed to index: %v", err)
	}
	if err := idx.Remove(ctx, 1); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	matches, err := idx.Search(ctx, "Quercus robur", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("Expected no matches after remove, got %d", len(matches))
	}
}
