package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/bioindex/ai"
	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
)

// DefaultMinSimilarity filters out vector matches that are nearest
// neighbors only in the technical sense.
const DefaultMinSimilarity = 0.60

// EmbeddingBackend implements VectorBackend by embedding the query and
// scanning stored taxon vectors for cosine similarity.
type EmbeddingBackend struct {
	embedder      ai.Embedder
	searcher      storage.VectorSearcher
	minSimilarity float32
}

var _ VectorBackend = (*EmbeddingBackend)(nil)

// NewEmbeddingBackend creates a vector backend over an embedder and a
// similarity searcher. minSimilarity <= 0 uses DefaultMinSimilarity.
func NewEmbeddingBackend(embedder ai.Embedder, searcher storage.VectorSearcher, minSimilarity float32) (*EmbeddingBackend, error) {
	if embedder == nil {
		return nil, errors.New("embedder required")
	}
	if searcher == nil {
		return nil, errors.New("vector searcher required")
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	return &EmbeddingBackend{
		embedder:      embedder,
		searcher:      searcher,
		minSimilarity: minSimilarity,
	}, nil
}

// Search embeds the query text and returns taxa above the similarity
// floor, best first.
func (b *EmbeddingBackend) Search(ctx context.Context, query string, limit int) ([]core.SimilarityMatch, error) {
	vector, err := b.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return b.searcher.FindSimilar(ctx, core.NormalizeVector(vector), b.minSimilarity, limit)
}
