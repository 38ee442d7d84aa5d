package reindex

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poiesic/bioindex/ai/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReembedder_Run(t *testing.T) {
	_, taxonRepo := setupTestDB(t)
	taxa := seedTaxa(t, taxonRepo, "Amanita muscaria", "Boletus edulis", "Russula emetica")

	embedder := mock.NewMockEmbedder()
	var progress bytes.Buffer
	reembedder, err := NewReembedder(taxonRepo, embedder, &Config{
		BatchSize:      2,
		ReportInterval: 1,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}, &progress)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, reembedder.Run(ctx))

	// Every taxon got a unit-length vector.
	for _, seeded := range taxa {
		taxon, err := taxonRepo.GetTaxon(ctx, seeded.Id)
		require.NoError(t, err)
		require.NotEmpty(t, taxon.Vector)

		var norm float32
		for _, v := range taxon.Vector {
			norm += v * v
		}
		assert.InDelta(t, 1.0, norm, 0.01)
	}

	assert.Contains(t, progress.String(), "Reembedding complete")
}

func TestReembedder_EmptyStore(t *testing.T) {
	_, taxonRepo := setupTestDB(t)

	embedder := mock.NewMockEmbedder()
	var progress bytes.Buffer
	reembedder, err := NewReembedder(taxonRepo, embedder, nil, &progress)
	require.NoError(t, err)

	require.NoError(t, reembedder.Run(context.Background()))
	assert.Equal(t, 0, embedder.CallCount(), "nothing to embed")
	assert.Contains(t, progress.String(), "No taxa found")
}

func TestReembedder_RetriesTransientEmbedFailures(t *testing.T) {
	_, taxonRepo := setupTestDB(t)
	seedTaxa(t, taxonRepo, "Amanita muscaria")

	failures := 2
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("embedding service unavailable")
		}
		vectors := make([][]float32, len(texts))
		for i := range vectors {
			vectors[i] = []float32{1, 0, 0}
		}
		return vectors, nil
	}

	reembedder, err := NewReembedder(taxonRepo, embedder, &Config{
		BatchSize:      10,
		ReportInterval: 10,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, reembedder.Run(context.Background()))
	assert.Zero(t, failures, "both failures consumed before success")
}

func TestReembedder_Validation(t *testing.T) {
	_, taxonRepo := setupTestDB(t)

	_, err := NewReembedder(nil, mock.NewMockEmbedder(), nil, nil)
	assert.ErrorIs(t, err, ErrTaxonRepositoryRequired)

	_, err = NewReembedder(taxonRepo, nil, nil, nil)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
}
