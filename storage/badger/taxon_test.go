package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
)

func TestTaxonBasics(t *testing.T) {
	entityRepo, taxonRepo, backend, err := NewMemoryRepositories()
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer func() { taxonRepo.Close(); entityRepo.Close(); backend.Close() }()

	ctx := context.Background()

	taxon := &core.Taxon{
		ScientificName: "Quercus robur L.",
		CanonicalName:  "Quercus robur",
		Rank:           "species",
		Source:         "gbif",
		ExternalIDs:    []core.ExternalID{{Source: "gbif", Value: "2878688"}},
	}

	created, err := taxonRepo.CreateTaxon(ctx, taxon)
	if err != nil {
		t.Fatalf("Failed to create taxon: %v", err)
	}
	if created.Id == 0 {
		t.Fatal("Expected non-zero ID")
	}

	retrieved, err := taxonRepo.GetTaxon(ctx, created.Id)
	if err != nil {
		t.Fatalf("Failed to get taxon: %v", err)
	}
	if retrieved.CanonicalName != "Quercus robur" {
		t.Fatalf("Expected 'Quercus robur', got '%s'", retrieved.CanonicalName)
	}

	// Lookup by external id
	byExt, err := taxonRepo.GetTaxonByExternalID(ctx, "gbif", "2878688")
	if err != nil {
		t.Fatalf("Failed to find taxon by external id: %v", err)
	}
	if byExt.Id != created.Id {
		t.Fatalf("Expected id %d, got %d", created.Id, byExt.Id)
	}

	// Lookup by name and rank; folding is case-insensitive
	byName, err := taxonRepo.GetTaxonByNameRank(ctx, "QUERCUS ROBUR", "species")
	if err != nil {
		t.Fatalf("Failed to find taxon by name: %v", err)
	}
	if byName.Id != created.Id {
		t.Fatalf("Expected id %d, got %d", created.Id, byName.Id)
	}
}

func TestTaxonDeterministicID(t *testing.T) {
	entityRepo, taxonRepo, backend, err := NewMemoryRepositories()
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer func() { taxonRepo.Close(); entityRepo.Close(); backend.Close() }()

	ctx := context.Background()

	first, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Picea abies",
		CanonicalName:  "Picea abies",
		Rank:           "species",
		Source:         "gbif",
	})
	if err != nil {
		t.Fatalf("Failed to create taxon: %v", err)
	}

	// Same canonical name and rank derives the same ID, so the second
	// create collides instead of duplicating.
	_, err = taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Picea abies (L.) H.Karst.",
		CanonicalName:  "Picea abies",
		Rank:           "species",
		Source:         "inat",
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey, got %v", err)
	}

	if first.Id != core.IDFromContent(core.TaxonKey("Picea abies", "species")) {
		t.Fatal("Expected content-derived taxon id")
	}
}

func TestTaxonExternalIDUniqueness(t *testing.T) {
	entityRepo, taxonRepo, backend, err := NewMemoryRepositories()
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer func() { taxonRepo.Close(); entityRepo.Close(); backend.Close() }()

	ctx := context.Background()

	owner, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Vulpes vulpes",
		CanonicalName:  "Vulpes vulpes",
		Rank:           "species",
		Source:         "gbif",
		ExternalIDs:    []core.ExternalID{{Source: "gbif", Value: "5219243"}},
	})
	if err != nil {
		t.Fatalf("Failed to create taxon: %v", err)
	}

	// A second taxon claiming the same external id must be rejected.
	_, err = taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Vulpes fulva",
		CanonicalName:  "Vulpes fulva",
		Rank:           "species",
		Source:         "inat",
		ExternalIDs:    []core.ExternalID{{Source: "gbif", Value: "5219243"}},
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey, got %v", err)
	}

	// Attaching the identifier the taxon already owns is a no-op.
	if err := taxonRepo.AttachExternalID(ctx, owner.Id, core.ExternalID{Source: "gbif", Value: "5219243"}); err != nil {
		t.Fatalf("Expected idempotent attach, got %v", err)
	}

	// Attaching a fresh identifier succeeds and becomes findable.
	if err := taxonRepo.AttachExternalID(ctx, owner.Id, core.ExternalID{Source: "inat", Value: "42069"}); err != nil {
		t.Fatalf("Failed to attach external id: %v", err)
	}
	byExt, err := taxonRepo.GetTaxonByExternalID(ctx, "inat", "42069")
	if err != nil {
		t.Fatalf("Failed to find taxon by attached id: %v", err)
	}
	if byExt.Id != owner.Id {
		t.Fatalf("Expected id %d, got %d", owner.Id, byExt.Id)
	}
}

func TestTaxonSynonyms(t *testing.T) {
	entityRepo, taxonRepo, backend, err := NewMemoryRepositories()
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer func() { taxonRepo.Close(); entityRepo.Close(); backend.Close() }()

	ctx := context.Background()

	taxon, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Bufo bufo",
		CanonicalName:  "Bufo bufo",
		Rank:           "species",
		Source:         "gbif",
	})
	if err != nil {
		t.Fatalf("Failed to create taxon: %v", err)
	}

	if err := taxonRepo.AddSynonym(ctx, taxon.Id, core.Synonym{Name: "Rana bufo", Source: "inat"}); err != nil {
		t.Fatalf("Failed to add synonym: %v", err)
	}
	// Duplicate synonym is a no-op
	if err := taxonRepo.AddSynonym(ctx, taxon.Id, core.Synonym{Name: "Rana bufo", Source: "col"}); err != nil {
		t.Fatalf("Expected idempotent synonym add, got %v", err)
	}

	retrieved, err := taxonRepo.GetTaxon(ctx, taxon.Id)
	if err != nil {
		t.Fatalf("Failed to get taxon: %v", err)
	}
	if len(retrieved.Synonyms) != 1 {
		t.Fatalf("Expected 1 synonym, got %d", len(retrieved.Synonyms))
	}
}

func TestNamesByRank(t *testing.T) {
	entityRepo, taxonRepo, backend, err := NewMemoryRepositories()
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer func() { taxonRepo.Close(); entityRepo.Close(); backend.Close() }()

	ctx := context.Background()

	for _, name := range []string{"Quercus robur", "Quercus petraea", "Fagus sylvatica"} {
		if _, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
			ScientificName: name,
			CanonicalName:  name,
			Rank:           "species",
			Source:         "gbif",
		}); err != nil {
			t.Fatalf("Failed to create taxon %q: %v", name, err)
		}
	}
	if _, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Quercus",
		CanonicalName:  "Quercus",
		Rank:           "genus",
		Source:         "gbif",
	}); err != nil {
		t.Fatalf("Failed to create genus: %v", err)
	}

	names, err := taxonRepo.NamesByRank(ctx, "species")
	if err != nil {
		t.Fatalf("Failed to list names: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("Expected 3 species names, got %d", len(names))
	}

	genera, err := taxonRepo.NamesByRank(ctx, "genus")
	if err != nil {
		t.Fatalf("Failed to list genera: %v", err)
	}
	if len(genera) != 1 {
		t.Fatalf("Expected 1 genus name, got %d", len(genera))
	}
}

func TestTaxonFindSimilar(t *testing.T) {
	entityRepo, taxonRepo, backend, err := NewMemoryRepositories()
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer func() { taxonRepo.Close(); entityRepo.Close(); backend.Close() }()

	ctx := context.Background()

	vectors := map[string][]float32{
		"Quercus robur":   {1.0, 0.0, 0.0},
		"Quercus petraea": {0.9, 0.1, 0.0},
		"Vulpes vulpes":   {0.0, 0.0, 1.0},
	}
	for name, vec := range vectors {
		if _, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
			ScientificName: name,
			CanonicalName:  name,
			Rank:           "species",
			Source:         "gbif",
			Vector:         vec,
		}); err != nil {
			t.Fatalf("Failed to create taxon %q: %v", name, err)
		}
	}

	matches, err := taxonRepo.FindSimilar(ctx, []float32{1.0, 0.0, 0.0}, 0.5, 10)
	if err != nil {
		t.Fatalf("Failed to find similar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	if matches[0].Score < matches[1].Score {
		t.Fatal("Expected matches ordered by similarity descending")
	}
	want := core.IDFromContent(core.TaxonKey("Quercus robur", "species"))
	if matches[0].TaxonId != want {
		t.Fatalf("Expected best match %d, got %d", want, matches[0].TaxonId)
	}
}

func TestUpdateTaxonMovesNameIndex(t *testing.T) {
	entityRepo, taxonRepo, backend, err := NewMemoryRepositories()
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer func() { taxonRepo.Close(); entityRepo.Close(); backend.Close() }()

	ctx := context.Background()

	taxon, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Larus argentatus",
		CanonicalName:  "Larus argentatus",
		Rank:           "species",
		Source:         "gbif",
	})
	if err != nil {
		t.Fatalf("Failed to create taxon: %v", err)
	}

	taxon.CanonicalName = "Larus smithsonianus"
	if _, err := taxonRepo.UpdateTaxon(ctx, taxon); err != nil {
		t.Fatalf("Failed to update taxon: %v", err)
	}

	if _, err := taxonRepo.GetTaxonByNameRank(ctx, "Larus argentatus", "species"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected old name index gone, got %v", err)
	}
	byName, err := taxonRepo.GetTaxonByNameRank(ctx, "Larus smithsonianus", "species")
	if err != nil {
		t.Fatalf("Failed to find taxon by new name: %v", err)
	}
	if byName.Id != taxon.Id {
		t.Fatalf("Expected id %d, got %d", taxon.Id, byName.Id)
	}
}
