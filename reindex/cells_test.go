package reindex

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/geo"
	"github.com/poiesic/bioindex/storage"
	"github.com/poiesic/bioindex/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellRefresher_ConsistentStoreWritesNothing(t *testing.T) {
	entityRepo, taxonRepo := setupTestDB(t)
	taxa := seedTaxa(t, taxonRepo, "Amanita muscaria")
	ctx := context.Background()

	for i, spot := range []core.LatLng{{Lat: 52.52, Lng: 13.4}, {Lat: -33.86, Lng: 151.2}} {
		obs := &core.Entity{
			Id:         core.EntityIDFrom(core.EntityTypeObservation, "inaturalist", string(rune('a'+i))),
			Type:       core.EntityTypeObservation,
			TaxonId:    taxa[0].Id,
			Source:     "inaturalist",
			Geometry:   &core.Geometry{Point: spot},
			ObservedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			Confidence: 0.9,
		}
		_, err := entityRepo.UpsertEntity(ctx, obs)
		require.NoError(t, err)
	}

	var progress bytes.Buffer
	refresher, err := NewCellRefresher(entityRepo, &progress, nil)
	require.NoError(t, err)

	stats, err := refresher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Zero(t, stats.Refreshed, "cells derived at write time are already consistent")
	assert.Contains(t, progress.String(), "Cell refresh complete")
}

func TestCellRefresher_RepairsStaleCells(t *testing.T) {
	entityRepo, taxonRepo, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		taxonRepo.Close()
		entityRepo.Close()
		backend.Close()
	})
	taxa := seedTaxa(t, taxonRepo, "Amanita muscaria")
	ctx := context.Background()

	var stale *core.Entity
	for i, spot := range []core.LatLng{{Lat: 52.52, Lng: 13.4}, {Lat: -33.86, Lng: 151.2}} {
		obs := &core.Entity{
			Id:         core.EntityIDFrom(core.EntityTypeObservation, "inaturalist", string(rune('a'+i))),
			Type:       core.EntityTypeObservation,
			TaxonId:    taxa[0].Id,
			Source:     "inaturalist",
			Geometry:   &core.Geometry{Point: spot},
			ObservedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			Confidence: 0.9,
		}
		created, err := entityRepo.UpsertEntity(ctx, obs)
		require.NoError(t, err)
		if i == 0 {
			stale = created
		}
	}

	// Leave the first observation indexed as an earlier, coarser
	// scheme would have written it.
	oldCell := geo.CellID(stale.Geometry, geo.IndexLevel-4)
	require.NoError(t, badger.RewriteEntityCell(backend, stale.Id, oldCell))

	berlin := storage.EntityQuery{
		Bounds: &geo.Bounds{MinLat: 52.0, MaxLat: 53.0, MinLng: 13.0, MaxLng: 14.0},
	}
	missed, err := entityRepo.QueryEntities(ctx, berlin)
	require.NoError(t, err)
	require.Empty(t, missed, "stale cell hides the entity from bounds queries")

	refresher, err := NewCellRefresher(entityRepo, io.Discard, nil)
	require.NoError(t, err)
	stats, err := refresher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Refreshed)

	found, err := entityRepo.QueryEntities(ctx, berlin)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.Id, found[0].Id)

	// A second pass finds nothing left to repair.
	stats, err = refresher.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Refreshed)
}

func TestCellRefresher_Validation(t *testing.T) {
	_, err := NewCellRefresher(nil, nil, nil)
	assert.ErrorIs(t, err, ErrEntityRepositoryRequired)
}
