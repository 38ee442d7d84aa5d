package enrich

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/bioindex/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(filepath.Join(t.TempDir(), "enrich.ndjson"), nil)
}

func TestDrainEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	entries, err := q.DrainAndCompact()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendAndDrain(t *testing.T) {
	q := newTestQueue(t)
	observedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	q.Append(core.EnrichmentEntry{EntityId: 1, Name: "Amanita muscaria", ObservedAt: observedAt, Missing: []string{"author"}})
	q.Append(core.EnrichmentEntry{EntityId: 2, Name: "Boletus edulis", ObservedAt: observedAt, Missing: []string{"rank"}})

	entries, err := q.DrainAndCompact()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.ID(1), entries[0].EntityId)
	assert.Equal(t, core.ID(2), entries[1].EntityId)
	assert.Equal(t, 1, entries[0].Views)

	// Drained entries are consumed.
	entries, err = q.DrainAndCompact()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCompaction(t *testing.T) {
	q := newTestQueue(t)
	early := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(2 * time.Hour)

	q.Append(core.EnrichmentEntry{EntityId: 7, Name: "Amanita muscaria", ObservedAt: early, Missing: []string{"author", "rank"}})
	q.Append(core.EnrichmentEntry{EntityId: 7, Name: "Amanita muscaria (L.) Lam.", ObservedAt: late, Missing: []string{"author", "geometry"}})
	q.Append(core.EnrichmentEntry{EntityId: 7, Name: "Amanita muscaria", ObservedAt: early.Add(time.Hour), Missing: nil})

	entries, err := q.DrainAndCompact()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, core.ID(7), entry.EntityId)
	assert.Equal(t, 3, entry.Views)
	// Latest timestamp and its display name win.
	assert.True(t, entry.ObservedAt.Equal(late))
	assert.Equal(t, "Amanita muscaria (L.) Lam.", entry.Name)
	// Missing names are the union, sorted.
	assert.Equal(t, []string{"author", "geometry", "rank"}, entry.Missing)
}

func TestMalformedLineSkipped(t *testing.T) {
	q := newTestQueue(t)
	q.Append(core.EnrichmentEntry{EntityId: 1, Name: "Amanita muscaria", ObservedAt: time.Now().UTC()})

	// A torn write from a crashed serving-layer process.
	f, err := os.OpenFile(q.path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"entity_id": 99, "name": "trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := q.DrainAndCompact()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.ID(1), entries[0].EntityId)
}

func TestConcurrentAppenders(t *testing.T) {
	q := newTestQueue(t)
	observedAt := time.Now().UTC()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Append(core.EnrichmentEntry{EntityId: core.ID(i%4 + 1), Name: "x", ObservedAt: observedAt})
		}(i)
	}
	wg.Wait()

	entries, err := q.DrainAndCompact()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var views int
	for _, entry := range entries {
		views += entry.Views
	}
	assert.Equal(t, writers, views, "no append lost")
}
