package reindex

import (
	"context"
	"fmt"
	"time"

	"github.com/poiesic/bioindex/ai"
	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
)

// BatchProcessor handles embedding generation for batches of taxa.
type BatchProcessor struct {
	repo           storage.TaxonRepository
	embedder       ai.Embedder
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewBatchProcessor creates a new batch processor.
// maxRetries: maximum number of retry attempts for embedding API calls
// retryBaseDelay: base delay for exponential backoff
func NewBatchProcessor(repo storage.TaxonRepository, embedder ai.Embedder, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		repo:           repo,
		embedder:       embedder,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process generates embeddings for a batch of taxa and updates them in
// the store. Vectors are normalized to unit length so cosine similarity
// reduces to a dot product.
func (bp *BatchProcessor) Process(ctx context.Context, taxa []*core.Taxon) error {
	if len(taxa) == 0 {
		return nil
	}

	texts := make([]string, len(taxa))
	for i, taxon := range taxa {
		texts[i] = taxon.Description()
	}

	var embeddings [][]float32
	err := RetryWithBackoff(ctx, func() error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)

	if err != nil {
		return fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.maxRetries, err)
	}

	if len(embeddings) != len(taxa) {
		return fmt.Errorf("embedding count mismatch: expected %d, got %d", len(taxa), len(embeddings))
	}

	for i, taxon := range taxa {
		taxon.Vector = core.NormalizeVector(embeddings[i])
		if _, err := bp.repo.UpdateTaxon(ctx, taxon); err != nil {
			return fmt.Errorf("failed to update taxon %d: %w", taxon.Id, err)
		}
	}

	return nil
}
