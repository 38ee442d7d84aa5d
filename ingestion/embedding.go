package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/poiesic/bioindex/ai"
	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
)

// embeddingProcessor regenerates taxon vectors after sync batches.
type embeddingProcessor struct {
	taxa     storage.TaxonRepository
	embedder ai.Embedder
	logger   *slog.Logger
}

// newEmbeddingProcessor creates a new embedding processor.
func newEmbeddingProcessor(taxa storage.TaxonRepository, embedder ai.Embedder, logger *slog.Logger) (*embeddingProcessor, error) {
	if taxa == nil {
		return nil, fmt.Errorf("taxon repository required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &embeddingProcessor{
		taxa:     taxa,
		embedder: embedder,
		logger:   logger.With("processor", "embeddings"),
	}, nil
}

// process embeds the names of the identified taxa and stores the
// resulting unit vectors for similarity search.
func (ep *embeddingProcessor) process(ctx context.Context, ids ...core.ID) error {
	ep.logger.Info("embedding taxa", "count", len(ids))

	slices.Sort(ids)

	taxa, err := ep.taxa.GetTaxa(ctx, ids...)
	if err != nil {
		ep.logger.Error("error retrieving taxa", "err", err)
		return err
	}
	if len(taxa) == 0 {
		return nil
	}

	texts := make([]string, len(taxa))
	for i, taxon := range taxa {
		texts[i] = taxon.Description()
	}

	ep.logger.Debug("generating embeddings for taxa", "count", len(texts))
	embeddings, err := ep.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		ep.logger.Error("error generating embeddings", "err", err)
		return err
	}
	if len(embeddings) != len(taxa) {
		return fmt.Errorf("embedding result mismatch. expected %d, received %d", len(taxa), len(embeddings))
	}

	for i, taxon := range taxa {
		taxon.Vector = core.NormalizeVector(embeddings[i])
		if _, err := ep.taxa.UpdateTaxon(ctx, taxon); err != nil {
			return err
		}
	}
	return nil
}
