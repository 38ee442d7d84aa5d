package search

import (
	"context"
	"time"

	"github.com/poiesic/bioindex/core"
)

// TextBackend is the lexical side of the hybrid fan-out: exact, prefix
// and fuzzy matching over canonical names and synonyms.
type TextBackend interface {
	Search(ctx context.Context, query string, limit int) ([]core.TextMatch, error)
}

// VectorBackend is the semantic side: nearest-neighbor search over an
// embedding of the query.
type VectorBackend interface {
	Search(ctx context.Context, query string, limit int) ([]core.SimilarityMatch, error)
}

// EnrichmentSink receives "viewed but incomplete" signals for taxa
// that surfaced in search results while missing attributes. Appends
// are best-effort fire-and-forget.
type EnrichmentSink interface {
	Append(entry core.EnrichmentEntry)
}

// Cache stores merged search results for a short TTL. It may be absent
// entirely; the searcher then bypasses caching and logs a one-time
// reduced-performance note.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetTTL stores a value that expires after ttl.
	SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
