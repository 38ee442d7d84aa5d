package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/poiesic/bioindex/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDump = `{"external_id": "t1", "type": "taxon", "scientific_name": "Amanita muscaria", "rank": "species", "author": "(L.) Lam."}
{"external_id": "t2", "type": "taxon", "scientific_name": "Boletus edulis", "rank": "species"}
{"external_id": "o1", "type": "observation", "scientific_name": "Amanita muscaria", "rank": "species", "taxon_external_id": "t1", "lat": 47.6, "lng": 8.5, "observed_at": "2024-09-14T08:00:00Z"}
`

func writeDump(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestFileConnectorBatching(t *testing.T) {
	connector, err := NewFileConnector("seed", writeDump(t, testDump), 2)
	require.NoError(t, err)
	ctx := context.Background()

	records, next, err := connector.FetchBatch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, next)
	assert.Equal(t, int64(2), next.Page)
	assert.Equal(t, "Amanita muscaria", records[0].ScientificName)
	assert.Equal(t, core.EntityTypeTaxon, records[0].Type)
	assert.Equal(t, float32(1), records[1].Confidence, "missing confidence defaults to 1")

	records, next, err = connector.FetchBatch(ctx, next)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, next)

	obs := records[0]
	assert.Equal(t, core.EntityTypeObservation, obs.Type)
	assert.Equal(t, "t1", obs.TaxonExternalID)
	require.NotNil(t, obs.Geometry)
	assert.Equal(t, 47.6, obs.Geometry.Point.Lat)
	assert.False(t, obs.ObservedAt.IsZero())

	// Caught up.
	records, next, err = connector.FetchBatch(ctx, next)
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.Nil(t, next)
}

func TestFileConnectorBlankLinesAdvanceCursor(t *testing.T) {
	dump := `{"external_id": "t1", "type": "taxon", "scientific_name": "Amanita muscaria", "rank": "species"}

{"external_id": "t2", "type": "taxon", "scientific_name": "Boletus edulis", "rank": "species"}

{"external_id": "o1", "type": "observation", "scientific_name": "Amanita muscaria", "taxon_external_id": "t1"}
`
	connector, err := NewFileConnector("seed", writeDump(t, dump), 2)
	require.NoError(t, err)
	ctx := context.Background()

	// The first batch ends at line 3; a cursor of 2 would hand t2 out
	// again on the next fetch.
	records, next, err := connector.FetchBatch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, next)
	assert.Equal(t, int64(3), next.Page)

	records, next, err = connector.FetchBatch(ctx, next)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "o1", records[0].ExternalID)
	require.NotNil(t, next)
	assert.Equal(t, int64(5), next.Page)

	records, next, err = connector.FetchBatch(ctx, next)
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.Nil(t, next)
}

func TestFileConnectorMissingFileIsPermanent(t *testing.T) {
	connector, err := NewFileConnector("seed", "/nonexistent/dump.ndjson", 10)
	require.NoError(t, err)

	_, _, err = connector.FetchBatch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestFileConnectorMalformedLineIsPermanent(t *testing.T) {
	connector, err := NewFileConnector("seed", writeDump(t, `{"external_id": "t1", "type"`+"\n"), 10)
	require.NoError(t, err)

	_, _, err = connector.FetchBatch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestFileConnectorUnknownTypeIsPermanent(t *testing.T) {
	connector, err := NewFileConnector("seed", writeDump(t, `{"external_id": "t1", "type": "mineral", "scientific_name": "Quartz"}`+"\n"), 10)
	require.NoError(t, err)

	_, _, err = connector.FetchBatch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(Transient(assert.AnError)))
	assert.False(t, IsPermanent(Transient(assert.AnError)))
	assert.True(t, IsPermanent(Permanent(assert.AnError)))
	assert.False(t, IsTransient(Permanent(assert.AnError)))
	// Unclassified errors default to transient.
	assert.True(t, IsTransient(assert.AnError))
}
