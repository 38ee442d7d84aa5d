package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
	"github.com/poiesic/bioindex/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTextBackend struct {
	matches []core.TextMatch
	err     error
	calls   atomic.Int64
}

func (b *stubTextBackend) Search(ctx context.Context, query string, limit int) ([]core.TextMatch, error) {
	b.calls.Add(1)
	return b.matches, b.err
}

type stubVectorBackend struct {
	matches []core.SimilarityMatch
	err     error
	calls   atomic.Int64
}

func (b *stubVectorBackend) Search(ctx context.Context, query string, limit int) ([]core.SimilarityMatch, error) {
	b.calls.Add(1)
	return b.matches, b.err
}

type searchFixture struct {
	taxa     storage.TaxonRepository
	entities storage.EntityRepository
	backend  *badger.Backend
	amanita  *core.Taxon
	boletus  *core.Taxon
}

func newSearchFixture(t *testing.T) *searchFixture {
	t.Helper()
	entityRepo, taxonRepo, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { taxonRepo.Close(); entityRepo.Close(); backend.Close() })

	ctx := context.Background()
	amanita, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Amanita muscaria",
		CanonicalName:  "Amanita muscaria",
		Rank:           "species",
		Source:         "gbif",
	})
	require.NoError(t, err)
	boletus, err := taxonRepo.CreateTaxon(ctx, &core.Taxon{
		ScientificName: "Boletus edulis",
		CanonicalName:  "Boletus edulis",
		Rank:           "species",
		Source:         "gbif",
	})
	require.NoError(t, err)

	return &searchFixture{taxa: taxonRepo, entities: entityRepo, backend: backend, amanita: amanita, boletus: boletus}
}

func TestSearchMergesBothBackends(t *testing.T) {
	fx := newSearchFixture(t)
	text := &stubTextBackend{matches: []core.TextMatch{
		{TaxonId: fx.amanita.Id, Kind: core.MatchExact, Score: 1.0},
		{TaxonId: fx.boletus.Id, Kind: core.MatchFuzzy, Score: 0.6},
	}}
	vector := &stubVectorBackend{matches: []core.SimilarityMatch{
		{TaxonId: fx.amanita.Id, Score: 0.9},
	}}

	searcher, err := NewSearcher(text, vector, fx.taxa, fx.entities)
	require.NoError(t, err)

	result, err := searcher.Search(context.Background(), "Amanita muscaria", nil, 10)
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	require.Len(t, result.Hits, 2)

	top := result.Hits[0]
	assert.Equal(t, fx.amanita.Id, top.TaxonId)
	assert.True(t, top.MatchedText)
	assert.True(t, top.MatchedVector)
	assert.Equal(t, core.MatchExact, top.Kind)
	require.NotNil(t, top.Taxon)
	assert.Equal(t, "Amanita muscaria", top.Taxon.CanonicalName)
	// Cross-validated: (1.0*1.0 + 0.5*0.9) * 1.25
	assert.InDelta(t, 1.8125, float64(top.Score), 1e-4)

	second := result.Hits[1]
	assert.Equal(t, fx.boletus.Id, second.TaxonId)
	assert.False(t, second.MatchedVector)
	// Single-backend discount: 0.6 * 0.75
	assert.InDelta(t, 0.45, float64(second.Score), 1e-4)
}

func TestSearchDegradedWhenOneBackendFails(t *testing.T) {
	fx := newSearchFixture(t)
	text := &stubTextBackend{err: errors.New("sqlite locked")}
	vector := &stubVectorBackend{matches: []core.SimilarityMatch{
		{TaxonId: fx.amanita.Id, Score: 0.8},
	}}

	searcher, err := NewSearcher(text, vector, fx.taxa, fx.entities)
	require.NoError(t, err)

	result, err := searcher.Search(context.Background(), "fly agaric", nil, 10)
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	require.Len(t, result.Hits, 1)
	assert.True(t, result.Hits[0].MatchedVector)
	assert.False(t, result.Hits[0].MatchedText)
}

func TestSearchBothBackendsFailed(t *testing.T) {
	fx := newSearchFixture(t)
	text := &stubTextBackend{err: errors.New("text down")}
	vector := &stubVectorBackend{err: errors.New("vector down")}

	searcher, err := NewSearcher(text, vector, fx.taxa, fx.entities)
	require.NoError(t, err)

	_, err = searcher.Search(context.Background(), "amanita", nil, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllBackendsFailed)
}

func TestSearchEmptyQuery(t *testing.T) {
	fx := newSearchFixture(t)
	searcher, err := NewSearcher(&stubTextBackend{}, &stubVectorBackend{}, fx.taxa, fx.entities)
	require.NoError(t, err)

	_, err = searcher.Search(context.Background(), "   ", nil, 10)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestSearchDeterministicTieOrdering(t *testing.T) {
	fx := newSearchFixture(t)
	// Same score, different ids: lower id wins the tie.
	text := &stubTextBackend{matches: []core.TextMatch{
		{TaxonId: fx.amanita.Id, Kind: core.MatchPrefix, Score: 0.85},
		{TaxonId: fx.boletus.Id, Kind: core.MatchPrefix, Score: 0.85},
	}}
	vector := &stubVectorBackend{}

	searcher, err := NewSearcher(text, vector, fx.taxa, fx.entities)
	require.NoError(t, err)

	result, err := searcher.Search(context.Background(), "b", nil, 10)
	require.NoError(t, err)
	require.Len(t, result.Hits, 2)

	lower, higher := fx.amanita.Id, fx.boletus.Id
	if lower > higher {
		lower, higher = higher, lower
	}
	assert.Equal(t, lower, result.Hits[0].TaxonId)
	assert.Equal(t, higher, result.Hits[1].TaxonId)
}

func TestSearchLimitApplied(t *testing.T) {
	fx := newSearchFixture(t)
	text := &stubTextBackend{matches: []core.TextMatch{
		{TaxonId: fx.amanita.Id, Kind: core.MatchExact, Score: 1.0},
		{TaxonId: fx.boletus.Id, Kind: core.MatchFuzzy, Score: 0.5},
	}}
	searcher, err := NewSearcher(text, &stubVectorBackend{}, fx.taxa, fx.entities)
	require.NoError(t, err)

	result, err := searcher.Search(context.Background(), "a", nil, 1)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, fx.amanita.Id, result.Hits[0].TaxonId)
}

func TestSearchCacheServesRepeatQuery(t *testing.T) {
	fx := newSearchFixture(t)
	cache, err := badger.NewTTLCache(fx.backend)
	require.NoError(t, err)

	text := &stubTextBackend{matches: []core.TextMatch{
		{TaxonId: fx.amanita.Id, Kind: core.MatchExact, Score: 1.0},
	}}
	vector := &stubVectorBackend{}

	searcher, err := NewSearcher(text, vector, fx.taxa, fx.entities,
		WithCache(cache), WithCacheTTL(time.Minute))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = searcher.Search(ctx, "Amanita  Muscaria", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), text.calls.Load())

	// Same query modulo case and whitespace: served from cache.
	result, err := searcher.Search(ctx, "amanita muscaria", nil, 10)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, int64(1), text.calls.Load())
	assert.Equal(t, int64(1), vector.calls.Load())

	// Different limit is a different cache entry.
	_, err = searcher.Search(ctx, "amanita muscaria", nil, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), text.calls.Load())
}

func TestSearchExpandsSatelliteEntities(t *testing.T) {
	fx := newSearchFixture(t)
	ctx := context.Background()

	obs := &core.Entity{
		Id:         core.EntityIDFrom(core.EntityTypeObservation, "inaturalist", "o1"),
		Type:       core.EntityTypeObservation,
		TaxonId:    fx.amanita.Id,
		Source:     "inaturalist",
		Geometry:   &core.Geometry{Point: core.LatLng{Lat: 47.6, Lng: 8.5}},
		ObservedAt: time.Date(2024, 9, 14, 8, 0, 0, 0, time.UTC),
		Confidence: 0.9,
	}
	_, err := fx.entities.UpsertEntity(ctx, obs)
	require.NoError(t, err)

	text := &stubTextBackend{matches: []core.TextMatch{
		{TaxonId: fx.amanita.Id, Kind: core.MatchExact, Score: 1.0},
	}}
	searcher, err := NewSearcher(text, &stubVectorBackend{}, fx.taxa, fx.entities)
	require.NoError(t, err)

	result, err := searcher.Search(ctx, "amanita muscaria", []core.EntityType{core.EntityTypeObservation}, 10)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Len(t, result.Hits[0].Entities, 1)
	assert.Equal(t, core.EntityTypeObservation, result.Hits[0].Entities[0].Type)

	// Without a type filter the hit stays lean.
	result, err = searcher.Search(ctx, "amanita muscaria also lean", nil, 10)
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Empty(t, result.Hits[0].Entities)
}

type recordingSink struct {
	entries []core.EnrichmentEntry
}

func (s *recordingSink) Append(entry core.EnrichmentEntry) {
	s.entries = append(s.entries, entry)
}

func TestSearchFlagsIncompleteTaxa(t *testing.T) {
	fx := newSearchFixture(t)
	// Fixture taxa carry no author and no vector.
	text := &stubTextBackend{matches: []core.TextMatch{
		{TaxonId: fx.amanita.Id, Kind: core.MatchExact, Score: 1.0},
	}}
	sink := &recordingSink{}

	searcher, err := NewSearcher(text, &stubVectorBackend{}, fx.taxa, fx.entities,
		WithEnrichmentSink(sink))
	require.NoError(t, err)

	_, err = searcher.Search(context.Background(), "amanita muscaria", nil, 10)
	require.NoError(t, err)

	require.Len(t, sink.entries, 1)
	entry := sink.entries[0]
	assert.Equal(t, fx.amanita.Id, entry.EntityId)
	assert.Equal(t, "Amanita muscaria", entry.Name)
	assert.Contains(t, entry.Missing, "author")
	assert.Contains(t, entry.Missing, "vector")
}

type recordingMonitor struct {
	started  string
	textSeen bool
	vecSeen  bool
	merged   int
	degraded bool
	finished bool
}

func (m *recordingMonitor) Start(query string)                             { m.started = query }
func (m *recordingMonitor) CacheHit(string)                                {}
func (m *recordingMonitor) SharedFlight(string)                            {}
func (m *recordingMonitor) AfterTextSearch([]core.TextMatch, error)        { m.textSeen = true }
func (m *recordingMonitor) AfterVectorSearch([]core.SimilarityMatch, error) { m.vecSeen = true }
func (m *recordingMonitor) AfterMerge(hits int, degraded bool) {
	m.merged = hits
	m.degraded = degraded
}
func (m *recordingMonitor) Finish(*Result) { m.finished = true }

func TestSearchMonitorCallbacks(t *testing.T) {
	fx := newSearchFixture(t)
	text := &stubTextBackend{matches: []core.TextMatch{
		{TaxonId: fx.amanita.Id, Kind: core.MatchExact, Score: 1.0},
	}}
	searcher, err := NewSearcher(text, &stubVectorBackend{}, fx.taxa, fx.entities)
	require.NoError(t, err)

	monitor := &recordingMonitor{}
	_, err = searcher.SearchWithMonitor(context.Background(), "  Amanita  ", nil, 10, monitor)
	require.NoError(t, err)

	assert.Equal(t, "amanita", monitor.started)
	assert.True(t, monitor.textSeen)
	assert.True(t, monitor.vecSeen)
	assert.Equal(t, 1, monitor.merged)
	assert.False(t, monitor.degraded)
	assert.True(t, monitor.finished)
}
