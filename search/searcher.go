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


package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
	"golang.org/x/sync/singleflight"
)

// Merge weights. A hit confirmed by both backends combines the text
// score with half the vector score and gets the cross-validation
// boost; a hit from a single backend is discounted instead.
const (
	textWeight      = 1.0
	vectorWeight    = 0.5
	bothBoost       = 1.25
	singleDiscount  = 0.75
	defaultLimit    = 20
	defaultCacheTTL = 30 * time.Second
	defaultTimeout  = 2 * time.Second
)

// Hit is one ranked search result.
type Hit struct {
	TaxonId       core.ID
	Taxon         *core.Taxon
	Score         float32
	MatchedText   bool
	MatchedVector bool
	Kind          core.TextMatchKind // set when MatchedText
	// Entities holds the taxon's satellite entities of the requested
	// types, populated only when the query asked for specific types.
	Entities []*core.Entity
}

// Result is a ranked, possibly degraded search response.
type Result struct {
	Hits []Hit
	// Degraded is set when exactly one backend failed or timed out and
	// the response was served from the other alone.
	Degraded bool
}

// Searcher fans a query out to the text and vector backends, merges by
// taxon id, and serves through a short-TTL cache with single-flight
// deduplication.
type Searcher struct {
	text     TextBackend
	vector   VectorBackend
	taxa     storage.TaxonRepository
	entities storage.EntityRepository
	cache    Cache
	enrich   EnrichmentSink

	textTimeout   time.Duration
	vectorTimeout time.Duration
	cacheTTL      time.Duration

	flight     singleflight.Group
	noCacheLog sync.Once
	logger     *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithCache enables result caching. A nil cache leaves caching off.
func WithCache(cache Cache) Option {
	return func(s *Searcher) error {
		s.cache = cache
		return nil
	}
}

// WithEnrichmentSink flags incomplete taxa surfaced by searches for
// later enrichment. A nil sink disables the signal.
func WithEnrichmentSink(sink EnrichmentSink) Option {
	return func(s *Searcher) error {
		s.enrich = sink
		return nil
	}
}

// WithCacheTTL sets how long merged results stay cached. Default 30s.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Searcher) error {
		if ttl <= 0 {
			return errors.New("cache ttl must be positive")
		}
		s.cacheTTL = ttl
		return nil
	}
}

// WithTimeouts sets the per-backend timeouts. A timeout cancels only
// that backend's call, never the whole search. Default 2s each.
func WithTimeouts(text, vector time.Duration) Option {
	return func(s *Searcher) error {
		if text <= 0 || vector <= 0 {
			return errors.New("backend timeouts must be positive")
		}
		s.textTimeout = text
		s.vectorTimeout = vector
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewSearcher creates a hybrid searcher. entities may be nil when
// satellite expansion is not needed.
func NewSearcher(
	text TextBackend,
	vector VectorBackend,
	taxa storage.TaxonRepository,
	entities storage.EntityRepository,
	opts ...Option,
) (*Searcher, error) {
	if text == nil {
		return nil, ErrTextBackendRequired
	}
	if vector == nil {
		return nil, ErrVectorBackendRequired
	}
	if taxa == nil {
		return nil, ErrTaxonRepositoryRequired
	}

	s := &Searcher{
		text:          text,
		vector:        vector,
		taxa:          taxa,
		entities:      entities,
		textTimeout:   defaultTimeout,
		vectorTimeout: defaultTimeout,
		cacheTTL:      defaultCacheTTL,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// mergedHit is the cacheable pre-hydration form of a hit.
type mergedHit struct {
	TaxonId       core.ID            `json:"id"`
	Score         float32            `json:"score"`
	MatchedText   bool               `json:"text"`
	MatchedVector bool               `json:"vector"`
	Kind          core.TextMatchKind `json:"kind,omitempty"`
}

// cachedResult is the wire form stored in the cache.
type cachedResult struct {
	Hits     []mergedHit `json:"hits"`
	Degraded bool        `json:"degraded"`
}

// Search runs the hybrid fan-out for a query.
// Returns up to limit hits, ranked by combined score.
func (s *Searcher) Search(ctx context.Context, query string, types []core.EntityType, limit int) (*Result, error) {
	return s.SearchWithMonitor(ctx, query, types, limit, nil)
}

// SearchWithMonitor is Search with observation hooks for each stage.
func (s *Searcher) SearchWithMonitor(ctx context.Context, query string, types []core.EntityType, limit int, monitor SearchMonitor) (*Result, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	normalized := normalizeQuery(query)
	if normalized == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	monitor.Start(normalized)

	key := cacheKey(normalized, types, limit)
	if cached, ok := s.cacheGet(ctx, key); ok {
		monitor.CacheHit(key)
		result, err := s.hydrate(ctx, cached, types)
		if err == nil {
			monitor.Finish(result)
			return result, nil
		}
		s.logger.Warn("discarding stale cached result", "err", err)
	}

	// Concurrent identical queries collapse to one upstream fan-out.
	v, err, shared := s.flight.Do(key, func() (any, error) {
		merged, err := s.fanOut(ctx, normalized, limit, monitor)
		if err != nil {
			return nil, err
		}
		s.cacheSet(ctx, key, merged)
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		monitor.SharedFlight(key)
	}

	result, err := s.hydrate(ctx, v.(*cachedResult), types)
	if err != nil {
		return nil, err
	}
	monitor.Finish(result)
	return result, nil
}

// fanOut issues both backend queries concurrently, each under its own
// timeout, and merges the outcomes by taxon id.
func (s *Searcher) fanOut(ctx context.Context, query string, limit int, monitor SearchMonitor) (*cachedResult, error) {
	var (
		wg          sync.WaitGroup
		textMatches []core.TextMatch
		textErr     error
		vecMatches  []core.SimilarityMatch
		vecErr      error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		tctx, cancel := context.WithTimeout(ctx, s.textTimeout)
		defer cancel()
		textMatches, textErr = s.text.Search(tctx, query, limit)
		monitor.AfterTextSearch(textMatches, textErr)
	}()
	go func() {
		defer wg.Done()
		vctx, cancel := context.WithTimeout(ctx, s.vectorTimeout)
		defer cancel()
		vecMatches, vecErr = s.vector.Search(vctx, query, limit)
		monitor.AfterVectorSearch(vecMatches, vecErr)
	}()
	wg.Wait()

	if textErr != nil && vecErr != nil {
		return nil, fmt.Errorf("%w: text: %w; vector: %w", ErrAllBackendsFailed, textErr, vecErr)
	}

	degraded := textErr != nil || vecErr != nil
	if textErr != nil {
		s.logger.Warn("text backend unavailable, serving vector-only", "err", textErr)
	}
	if vecErr != nil {
		s.logger.Warn("vector backend unavailable, serving text-only", "err", vecErr)
	}

	merged := merge(textMatches, vecMatches, limit)
	monitor.AfterMerge(len(merged), degraded)
	return &cachedResult{Hits: merged, Degraded: degraded}, nil
}

// merge combines per-backend matches into ranked hits. Ordering is
// deterministic: score descending, taxon id ascending.
func merge(textMatches []core.TextMatch, vecMatches []core.SimilarityMatch, limit int) []mergedHit {
	byID := make(map[core.ID]*mergedHit)
	for _, m := range textMatches {
		hit, ok := byID[m.TaxonId]
		if !ok || m.Score > hit.Score {
			byID[m.TaxonId] = &mergedHit{TaxonId: m.TaxonId, Score: m.Score, MatchedText: true, Kind: m.Kind}
		}
	}
	for _, m := range vecMatches {
		if hit, ok := byID[m.TaxonId]; ok && hit.MatchedText {
			// Confirmed by both backends.
			hit.MatchedVector = true
			hit.Score = (textWeight*hit.Score + vectorWeight*m.Score) * bothBoost
			continue
		}
		byID[m.TaxonId] = &mergedHit{TaxonId: m.TaxonId, Score: m.Score, MatchedVector: true}
	}

	hits := make([]mergedHit, 0, len(byID))
	for _, hit := range byID {
		if !(hit.MatchedText && hit.MatchedVector) {
			hit.Score *= singleDiscount
		}
		hits = append(hits, *hit)
	}

	slices.SortStableFunc(hits, func(a, b mergedHit) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		if a.TaxonId < b.TaxonId {
			return -1
		}
		if a.TaxonId > b.TaxonId {
			return 1
		}
		return 0
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// hydrate loads taxa (and, when types were requested, their satellite
// entities) for merged hits.
func (s *Searcher) hydrate(ctx context.Context, cached *cachedResult, types []core.EntityType) (*Result, error) {
	result := &Result{Degraded: cached.Degraded, Hits: make([]Hit, 0, len(cached.Hits))}
	for _, m := range cached.Hits {
		taxon, err := s.taxa.GetTaxon(ctx, m.TaxonId)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // taxon vanished between merge and hydration
			}
			return nil, err
		}
		hit := Hit{
			TaxonId:       m.TaxonId,
			Taxon:         taxon,
			Score:         m.Score,
			MatchedText:   m.MatchedText,
			MatchedVector: m.MatchedVector,
			Kind:          m.Kind,
		}
		if s.enrich != nil {
			if missing := taxon.MissingAttributes(); len(missing) > 0 {
				s.enrich.Append(core.EnrichmentEntry{
					EntityId:   taxon.Id,
					Name:       taxon.CanonicalName,
					ObservedAt: time.Now().UTC(),
					Missing:    missing,
				})
			}
		}
		if len(types) > 0 && s.entities != nil {
			satellites, err := s.entities.EntitiesByTaxon(ctx, m.TaxonId)
			if err != nil {
				return nil, err
			}
			for _, entity := range satellites {
				if slices.Contains(types, entity.Type) {
					hit.Entities = append(hit.Entities, entity)
				}
			}
		}
		result.Hits = append(result.Hits, hit)
	}
	return result, nil
}

func (s *Searcher) cacheGet(ctx context.Context, key string) (*cachedResult, bool) {
	if s.cache == nil {
		s.noCacheLog.Do(func() {
			s.logger.Info("search cache not configured, every query hits the backends")
		})
		return nil, false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed", "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var cached cachedResult
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

func (s *Searcher) cacheSet(ctx context.Context, key string, result *cachedResult) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.cache.SetTTL(ctx, key, raw, s.cacheTTL); err != nil {
		s.logger.Warn("cache write failed", "err", err)
	}
}

// normalizeQuery folds case and collapses whitespace so trivially
// different spellings share a cache entry.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// cacheKey identifies one (query, types, limit) combination.
func cacheKey(normalized string, types []core.EntityType, limit int) string {
	sorted := slices.Clone(types)
	slices.Sort(sorted)
	var b strings.Builder
	b.WriteString(normalized)
	b.WriteByte('|')
	for _, t := range sorted {
		fmt.Fprintf(&b, "%d,", t)
	}
	fmt.Fprintf(&b, "|%d", limit)
	return b.String()
}
