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


package reindex

import (
	"context"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
)

const (
	// DefaultBatchSize is the default number of taxa to fetch in each batch
	DefaultBatchSize = 100
)

// TaxonIterator iterates over every taxon in the store in batches.
type TaxonIterator struct {
	repo      storage.TaxonRepository
	batchSize int
}

// NewTaxonIterator creates a new taxon iterator.
// batchSize: number of taxa to fetch in each batch (must be > 0)
func NewTaxonIterator(repo storage.TaxonRepository, batchSize int) *TaxonIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &TaxonIterator{
		repo:      repo,
		batchSize: batchSize,
	}
}

// Count returns the total number of taxa the iterator will visit.
func (it *TaxonIterator) Count(ctx context.Context) (int, error) {
	ids, err := it.repo.AllTaxonIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ForEach iterates over all taxa, calling fn for each batch.
// Iteration stops on first error from fn or when all taxa are processed.
// Context cancellation is checked between batches.
func (it *TaxonIterator) ForEach(ctx context.Context, fn func([]*core.Taxon) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// The id listing is cheap (keys only); record bodies are fetched
	// one batch at a time.
	ids, err := it.repo.AllTaxonIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	for i := 0; i < len(ids); i += it.batchSize {
		end := i + it.batchSize
		if end > len(ids) {
			end = len(ids)
		}

		batch, err := it.repo.GetTaxa(ctx, ids[i:end]...)
		if err != nil {
			return err
		}

		if err := fn(batch); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	return nil
}
