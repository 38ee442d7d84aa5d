package reindex

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
	"github.com/poiesic/bioindex/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (storage.EntityRepository, storage.TaxonRepository) {
	t.Helper()
	entityRepo, taxonRepo, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		taxonRepo.Close()
		entityRepo.Close()
		backend.Close()
	})
	return entityRepo, taxonRepo
}

func seedTaxa(t *testing.T, repo storage.TaxonRepository, names ...string) []*core.Taxon {
	t.Helper()
	ctx := context.Background()
	taxa := make([]*core.Taxon, 0, len(names))
	for _, name := range names {
		taxon, err := repo.CreateTaxon(ctx, &core.Taxon{
			ScientificName: name,
			CanonicalName:  name,
			Rank:           "species",
			Source:         "gbif",
		})
		require.NoError(t, err)
		taxa = append(taxa, taxon)
	}
	return taxa
}

func TestTaxonIterator_Basic(t *testing.T) {
	_, taxonRepo := setupTestDB(t)
	seedTaxa(t, taxonRepo, "Amanita muscaria", "Boletus edulis", "Russula emetica")

	iter := NewTaxonIterator(taxonRepo, 2)
	count := 0
	batches := 0
	var ids []core.ID

	err := iter.ForEach(context.Background(), func(taxa []*core.Taxon) error {
		batches++
		count += len(taxa)
		for _, taxon := range taxa {
			ids = append(ids, taxon.Id)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, count, "should iterate all 3 taxa")
	assert.Equal(t, 2, batches, "batch size 2 over 3 taxa is 2 batches")
	assert.Len(t, ids, 3)
}

func TestTaxonIterator_Empty(t *testing.T) {
	_, taxonRepo := setupTestDB(t)

	iter := NewTaxonIterator(taxonRepo, 10)
	calls := 0
	err := iter.ForEach(context.Background(), func([]*core.Taxon) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Zero(t, calls, "empty store should never call fn")
}

func TestTaxonIterator_StopsOnError(t *testing.T) {
	_, taxonRepo := setupTestDB(t)
	seedTaxa(t, taxonRepo, "Amanita muscaria", "Boletus edulis", "Russula emetica")

	iter := NewTaxonIterator(taxonRepo, 1)
	batches := 0
	wantErr := errors.New("stop")

	err := iter.ForEach(context.Background(), func([]*core.Taxon) error {
		batches++
		if batches == 2 {
			return wantErr
		}
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 2, batches, "should stop after the failing batch")
}

func TestTaxonIterator_ContextCanceled(t *testing.T) {
	_, taxonRepo := setupTestDB(t)
	names := make([]string, 6)
	for i := range names {
		names[i] = fmt.Sprintf("Cortinarius species%d", i)
	}
	seedTaxa(t, taxonRepo, names...)

	ctx, cancel := context.WithCancel(context.Background())
	iter := NewTaxonIterator(taxonRepo, 2)
	batches := 0

	err := iter.ForEach(ctx, func([]*core.Taxon) error {
		batches++
		cancel()
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, batches, "cancellation is honored between batches")
}

func TestTaxonIterator_Count(t *testing.T) {
	_, taxonRepo := setupTestDB(t)
	seedTaxa(t, taxonRepo, "Amanita muscaria", "Boletus edulis")

	iter := NewTaxonIterator(taxonRepo, 10)
	count, err := iter.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
