package storage

import (
	"context"
	"time"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/geo"
)

// Repository provides common storage operations shared across all repositories.
// Implementations must be thread-safe and support concurrent access.
type Repository interface {
	// WithTransaction executes a function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Close closes the storage backend and releases resources.
	Close() error
}

// VectorSearcher finds taxa whose embedding is similar to a query vector.
type VectorSearcher interface {
	// FindSimilar returns taxa with cosine similarity >= minSimilarity,
	// up to limit results, ordered by similarity score (highest first).
	// Taxa without a stored vector are skipped.
	FindSimilar(ctx context.Context, vector []float32, minSimilarity float32, limit int) ([]core.SimilarityMatch, error)
}

// EntityQuery selects canonical entities. Zero-valued fields are
// unconstrained.
type EntityQuery struct {
	Bounds *geo.Bounds     // spatial filter over entity geometry
	Start  time.Time       // observed_at >= Start
	End    time.Time       // observed_at < End
	Type   core.EntityType // 0 matches every type
	Text   string          // case-insensitive substring over source and property values
	Limit  int             // 0 means no limit
}

// EntityRepository owns persisted canonical entities and their invariants.
type EntityRepository interface {
	Repository

	// UpsertEntity writes an entity version.
	//
	// Invariants enforced here: confidence is clamped to [0,1]; an
	// inverted validity interval is rejected; the spatial cell id is
	// recomputed from geometry, never trusted from the caller.
	//
	// Versioning: a semantic change (type, taxon, geometry, state,
	// observed_at) to an existing entity closes the prior version
	// (valid_to = now) into history and installs a new version. A pure
	// metadata correction (source, confidence, properties) updates the
	// current version in place.
	UpsertEntity(ctx context.Context, entity *core.Entity) (*core.Entity, error)

	// GetEntity retrieves the current version of an entity.
	// Returns ErrNotFound if the entity doesn't exist.
	GetEntity(ctx context.Context, id core.ID) (*core.Entity, error)

	// QueryEntities returns current entity versions matching the query,
	// ordered by observed_at ascending then id.
	QueryEntities(ctx context.Context, q EntityQuery) ([]*core.Entity, error)

	// EntityHistory returns closed prior versions of an entity, oldest
	// first. Superseded facts are never physically deleted.
	EntityHistory(ctx context.Context, id core.ID) ([]*core.Entity, error)

	// EntitiesByTaxon returns current satellite entities owned by a taxon.
	EntitiesByTaxon(ctx context.Context, taxonID core.ID) ([]*core.Entity, error)
}

// TaxonName pairs a taxon id with its canonical name for fuzzy matching.
type TaxonName struct {
	Id            core.ID
	CanonicalName string
}

// TaxonRepository owns canonical taxa, their external identifiers and
// synonyms. The external-identifier uniqueness constraint implemented
// here is the race-breaking primitive for concurrent resolution.
type TaxonRepository interface {
	Repository
	VectorSearcher

	// CreateTaxon inserts a taxon together with its external ids and
	// synonyms atomically. Returns ErrDuplicateKey if any external id is
	// already owned, and ErrConflict if a concurrent writer claimed one
	// of the keys first; in both cases nothing is written and the caller
	// is expected to retry as a merge.
	CreateTaxon(ctx context.Context, taxon *core.Taxon) (*core.Taxon, error)

	// UpdateTaxon rewrites an existing taxon row and moves its name
	// index if the canonical name or rank changed.
	// Returns ErrNotFound if the taxon doesn't exist.
	UpdateTaxon(ctx context.Context, taxon *core.Taxon) (*core.Taxon, error)

	// GetTaxon retrieves a taxon by id.
	// Returns ErrNotFound if the taxon doesn't exist.
	GetTaxon(ctx context.Context, id core.ID) (*core.Taxon, error)

	// GetTaxa retrieves multiple taxa. Missing ids are skipped.
	GetTaxa(ctx context.Context, ids ...core.ID) ([]*core.Taxon, error)

	// GetTaxonByExternalID looks a taxon up by (source, external_id).
	// Returns ErrNotFound if no taxon owns the identifier.
	GetTaxonByExternalID(ctx context.Context, source, value string) (*core.Taxon, error)

	// GetTaxonByNameRank looks a taxon up by folded canonical name and rank.
	// Returns ErrNotFound if no such taxon exists.
	GetTaxonByNameRank(ctx context.Context, canonicalName, rank string) (*core.Taxon, error)

	// NamesByRank returns the canonical names of every taxon at a rank,
	// the resolver's candidate set for fuzzy matching.
	NamesByRank(ctx context.Context, rank string) ([]TaxonName, error)

	// AttachExternalID links an identifier to a taxon. Attaching an
	// identifier the taxon already owns is a no-op; returns
	// ErrDuplicateKey if another taxon owns it.
	AttachExternalID(ctx context.Context, taxonID core.ID, ext core.ExternalID) error

	// AddSynonym records an alternate name. Duplicate names are a no-op.
	AddSynonym(ctx context.Context, taxonID core.ID, syn core.Synonym) error

	// AllTaxonIDs returns every taxon id in key order, for batch
	// maintenance passes.
	AllTaxonIDs(ctx context.Context) ([]core.ID, error)
}

// CheckpointRepository persists per-source sync cursors. Owned
// exclusively by the sync scheduler; saved only after a batch commits.
type CheckpointRepository interface {
	// SaveCheckpoint persists a checkpoint for a source.
	SaveCheckpoint(ctx context.Context, checkpoint *core.Checkpoint) error

	// LoadCheckpoint retrieves the checkpoint for a source.
	// Returns nil, nil if no checkpoint exists.
	LoadCheckpoint(ctx context.Context, source string) (*core.Checkpoint, error)
}
