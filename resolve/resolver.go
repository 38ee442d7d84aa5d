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


// Package resolve decides taxon identity for normalized ingestion
// records.
//
// Resolution walks four steps: exact external-identifier lookup,
// normalized name + rank lookup, fuzzy name matching, and finally
// creation. Ambiguity is never guessed away: multiple plausible
// candidates, or a lone candidate in the review band, end in a
// conflict outcome with no write.
//
// Concurrent creators of the same taxon are arbitrated by the storage
// layer's external-identifier uniqueness constraint. The loser of that
// race retries once and lands on the merge path, which makes Resolve
// safe to replay: resolving the same record again reaches the same
// terminal state.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
	"github.com/xrash/smetrics"
)

// Default similarity thresholds. A lone candidate at or above
// DefaultMatchThreshold merges; candidates in the band between the two
// thresholds surface as conflicts for review.
const (
	DefaultMatchThreshold  = 0.93
	DefaultReviewThreshold = 0.85
)

// Outcome classifies the result of resolving one record.
type Outcome int

const (
	// OutcomeCreated means a new taxon was created.
	OutcomeCreated Outcome = iota + 1
	// OutcomeMerged means the record was folded into an existing taxon.
	OutcomeMerged
	// OutcomeConflict means resolution was ambiguous and nothing was written.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeMerged:
		return "merged"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Resolution is the terminal state of resolving one record.
type Resolution struct {
	Outcome  Outcome
	TaxonID  core.ID
	EntityID core.ID // set for satellite records (observation, compound, sequence)
	Reason   string  // populated for conflicts
}

// NameIndexer mirrors taxon names into the lexical search backend.
// Indexing failures degrade search freshness, not correctness.
type NameIndexer interface {
	IndexTaxon(ctx context.Context, taxon *core.Taxon) error
}

// Resolver decides taxon identity and writes resolved records.
type Resolver struct {
	taxa            storage.TaxonRepository
	entities        storage.EntityRepository
	nameIndexer     NameIndexer
	matchThreshold  float64
	reviewThreshold float64
	logger          *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver) error

// WithThresholds sets the fuzzy match and review thresholds.
// Defaults are DefaultMatchThreshold and DefaultReviewThreshold.
func WithThresholds(match, review float64) Option {
	return func(r *Resolver) error {
		if review >= match {
			return ErrInvalidThresholds
		}
		r.matchThreshold = match
		r.reviewThreshold = review
		return nil
	}
}

// WithNameIndexer mirrors resolved taxon names into a text backend.
func WithNameIndexer(indexer NameIndexer) Option {
	return func(r *Resolver) error {
		r.nameIndexer = indexer
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// NewResolver creates a Resolver over the given repositories.
func NewResolver(taxa storage.TaxonRepository, entities storage.EntityRepository, opts ...Option) (*Resolver, error) {
	if taxa == nil {
		return nil, ErrTaxonRepositoryRequired
	}
	if entities == nil {
		return nil, ErrEntityRepositoryRequired
	}

	r := &Resolver{
		taxa:            taxa,
		entities:        entities,
		matchThreshold:  DefaultMatchThreshold,
		reviewThreshold: DefaultReviewThreshold,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Resolve decides where a normalized record belongs and writes it.
// Taxon records resolve directly; satellite records first resolve
// their taxon by name, then upsert as versioned entities.
func (r *Resolver) Resolve(ctx context.Context, rec *core.NormalizedRecord) (Resolution, error) {
	if err := core.ValidateNormalizedRecord(rec); err != nil {
		return Resolution{}, err
	}

	res, err := r.resolveTaxon(ctx, rec)
	if err != nil {
		return Resolution{}, err
	}
	if res.Outcome == OutcomeConflict || rec.Type == core.EntityTypeTaxon {
		return res, nil
	}

	// Satellite record: persist it as a versioned entity owned by the
	// resolved taxon.
	entityID, err := r.upsertSatellite(ctx, rec, res.TaxonID)
	if err != nil {
		return Resolution{}, err
	}
	res.EntityID = entityID
	return res, nil
}

// resolveTaxon runs the four-step identity decision. A storage-level
// duplicate or conflict during creation means a concurrent writer got
// there first; one retry re-enters the lookup path as a merge.
func (r *Resolver) resolveTaxon(ctx context.Context, rec *core.NormalizedRecord) (Resolution, error) {
	for attempt := 0; ; attempt++ {
		res, err := r.resolveTaxonOnce(ctx, rec)
		if err == nil {
			return res, nil
		}
		if attempt == 0 && (errors.Is(err, storage.ErrDuplicateKey) || errors.Is(err, storage.ErrConflict)) {
			r.logger.Debug("lost creation race, retrying as merge",
				"source", rec.Source,
				"external_id", rec.ExternalID)
			continue
		}
		return Resolution{}, err
	}
}

func (r *Resolver) resolveTaxonOnce(ctx context.Context, rec *core.NormalizedRecord) (Resolution, error) {
	taxonSource, taxonExtID := rec.TaxonRef()

	// Step 1: exact external-identifier lookup. Skipped when the
	// source names the taxon only by string.
	if taxonExtID != "" {
		if existing, err := r.taxa.GetTaxonByExternalID(ctx, taxonSource, taxonExtID); err == nil {
			if err := r.mergeInto(ctx, existing, rec); err != nil {
				return Resolution{}, err
			}
			return Resolution{Outcome: OutcomeMerged, TaxonID: existing.Id}, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Resolution{}, err
		}
	}

	canonical := core.CanonicalizeName(rec.ScientificName)

	// Step 2: normalized name + rank lookup.
	if existing, err := r.taxa.GetTaxonByNameRank(ctx, canonical, rec.Rank); err == nil {
		if err := r.attachIdentity(ctx, existing, rec); err != nil {
			return Resolution{}, err
		}
		return Resolution{Outcome: OutcomeMerged, TaxonID: existing.Id}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, err
	}

	// Step 3: fuzzy match against existing names of the same rank.
	match, conflict, err := r.fuzzyMatch(ctx, canonical, rec.Rank)
	if err != nil {
		return Resolution{}, err
	}
	if conflict != "" {
		r.logger.Info("resolution conflict",
			"name", rec.ScientificName,
			"rank", rec.Rank,
			"reason", conflict)
		return Resolution{Outcome: OutcomeConflict, Reason: conflict}, nil
	}
	if match != 0 {
		existing, err := r.taxa.GetTaxon(ctx, match)
		if err != nil {
			return Resolution{}, err
		}
		if err := r.attachIdentity(ctx, existing, rec); err != nil {
			return Resolution{}, err
		}
		return Resolution{Outcome: OutcomeMerged, TaxonID: existing.Id}, nil
	}

	// Step 4: no match anywhere, create.
	return r.createTaxon(ctx, rec, canonical)
}

// fuzzyMatch scores candidate names of the same rank. Returns either a
// single confident match, or a conflict reason when the decision would
// be a guess.
func (r *Resolver) fuzzyMatch(ctx context.Context, canonical, rank string) (core.ID, string, error) {
	candidates, err := r.taxa.NamesByRank(ctx, rank)
	if err != nil {
		return 0, "", err
	}

	folded := core.FoldName(canonical)
	var confident []storage.TaxonName
	var reviewable []storage.TaxonName
	for _, candidate := range candidates {
		score := nameSimilarity(folded, candidate.CanonicalName)
		switch {
		case score >= r.matchThreshold:
			confident = append(confident, candidate)
		case score >= r.reviewThreshold:
			reviewable = append(reviewable, candidate)
		}
	}

	switch {
	case len(confident) == 1:
		return confident[0].Id, "", nil
	case len(confident) > 1:
		return 0, fmt.Sprintf("%d candidates above match threshold for %q", len(confident), canonical), nil
	case len(reviewable) > 0:
		return 0, fmt.Sprintf("%d candidates in review band for %q", len(reviewable), canonical), nil
	default:
		return 0, "", nil
	}
}

// nameSimilarity is the resolver's fuzzy metric: the more generous of
// trigram overlap and Jaro-Winkler. Trigram catches token reordering,
// Jaro-Winkler catches single-character slips near the head of a name.
func nameSimilarity(a, b string) float64 {
	trigram := core.TrigramSimilarity(a, b)
	jw := smetrics.JaroWinkler(a, b, 0.7, 4)
	if trigram > jw {
		return trigram
	}
	return jw
}

// mergeInto applies an exact external-id hit: the owning taxon's
// mutable fields are refreshed from the newer record.
func (r *Resolver) mergeInto(ctx context.Context, taxon *core.Taxon, rec *core.NormalizedRecord) error {
	changed := false
	if rec.Author != "" && rec.Author != taxon.Author {
		taxon.Author = rec.Author
		changed = true
	}
	if rec.ScientificName != "" && rec.ScientificName != taxon.ScientificName {
		// Latest write wins on the display name; the prior spelling is
		// preserved as a synonym.
		if !taxon.HasSynonym(taxon.ScientificName) {
			taxon.Synonyms = append(taxon.Synonyms, core.Synonym{Name: taxon.ScientificName, Source: taxon.Source})
		}
		taxon.ScientificName = rec.ScientificName
		taxon.Source = rec.Source
		changed = true
	}
	if changed {
		if _, err := r.taxa.UpdateTaxon(ctx, taxon); err != nil {
			return err
		}
	}
	return r.indexNames(ctx, taxon)
}

// attachIdentity applies a name-based merge: the record's external id
// is attached and, if the raw name differs from the canonical spelling,
// kept as a synonym.
func (r *Resolver) attachIdentity(ctx context.Context, taxon *core.Taxon, rec *core.NormalizedRecord) error {
	source, extID := rec.TaxonRef()
	if extID != "" {
		if err := r.taxa.AttachExternalID(ctx, taxon.Id, core.ExternalID{Source: source, Value: extID}); err != nil {
			return err
		}
	}
	if rec.ScientificName != taxon.ScientificName && rec.ScientificName != taxon.CanonicalName {
		if err := r.taxa.AddSynonym(ctx, taxon.Id, core.Synonym{Name: rec.ScientificName, Source: rec.Source}); err != nil {
			return err
		}
	}
	refreshed, err := r.taxa.GetTaxon(ctx, taxon.Id)
	if err != nil {
		return err
	}
	return r.indexNames(ctx, refreshed)
}

// createTaxon installs a new taxon and its shadow entity row. The
// storage layer's uniqueness constraint arbitrates concurrent creators.
func (r *Resolver) createTaxon(ctx context.Context, rec *core.NormalizedRecord, canonical string) (Resolution, error) {
	source, extID := rec.TaxonRef()
	taxon := &core.Taxon{
		ScientificName: rec.ScientificName,
		CanonicalName:  canonical,
		Author:         rec.Author,
		Rank:           rec.Rank,
		Source:         rec.Source,
	}
	if extID != "" {
		taxon.ExternalIDs = []core.ExternalID{{Source: source, Value: extID}}
	}
	if rec.ScientificName != canonical {
		taxon.Synonyms = []core.Synonym{{Name: rec.ScientificName, Source: rec.Source}}
	}

	created, err := r.taxa.CreateTaxon(ctx, taxon)
	if err != nil {
		return Resolution{}, err
	}

	// Shadow entity row so spatiotemporal queries see the taxon.
	entity := &core.Entity{
		Id:         created.Id,
		Type:       core.EntityTypeTaxon,
		TaxonId:    created.Id,
		Confidence: rec.Confidence,
		Source:     rec.Source,
		Properties: map[string]string{
			"scientific_name": created.ScientificName,
			"rank":            created.Rank,
		},
	}
	if _, err := r.entities.UpsertEntity(ctx, entity); err != nil {
		return Resolution{}, err
	}

	if err := r.indexNames(ctx, created); err != nil {
		return Resolution{}, err
	}
	return Resolution{Outcome: OutcomeCreated, TaxonID: created.Id}, nil
}

// upsertSatellite writes an observation, compound or sequence record
// as a versioned entity. The id is content-derived, so replaying the
// same record upserts instead of duplicating.
func (r *Resolver) upsertSatellite(ctx context.Context, rec *core.NormalizedRecord, taxonID core.ID) (core.ID, error) {
	entity := &core.Entity{
		Id:         core.EntityIDFrom(rec.Type, rec.Source, rec.ExternalID),
		Type:       rec.Type,
		TaxonId:    taxonID,
		Geometry:   rec.Geometry,
		State:      rec.Fields,
		ObservedAt: rec.ObservedAt,
		Confidence: rec.Confidence,
		Source:     rec.Source,
		Properties: map[string]string{"external_id": rec.ExternalID},
	}
	stored, err := r.entities.UpsertEntity(ctx, entity)
	if err != nil {
		return 0, err
	}
	return stored.Id, nil
}

// indexNames mirrors names into the text backend, best effort.
func (r *Resolver) indexNames(ctx context.Context, taxon *core.Taxon) error {
	if r.nameIndexer == nil {
		return nil
	}
	if err := r.nameIndexer.IndexTaxon(ctx, taxon); err != nil {
		r.logger.Warn("failed to index taxon names",
			"taxon_id", taxon.Id,
			"error", err)
	}
	return nil
}

// ResolveAt is Resolve with an overall deadline, for callers without
// their own timeout discipline.
func (r *Resolver) ResolveAt(ctx context.Context, rec *core.NormalizedRecord, timeout time.Duration) (Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.Resolve(ctx, rec)
}
