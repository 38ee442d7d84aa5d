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


package badger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/storage"
)

// TaxonRepository implements storage.TaxonRepository for BadgerDB.
type TaxonRepository struct {
	backend *Backend
}

var _ storage.TaxonRepository = (*TaxonRepository)(nil)

// NewTaxonRepository creates a new TaxonRepository.
func NewTaxonRepository(backend *Backend) (*TaxonRepository, error) {
	return &TaxonRepository{backend: backend}, nil
}

// Close releases resources. TaxonRepository has no resources to release.
func (r *TaxonRepository) Close() error {
	return nil
}

// WithTransaction delegates to the backend.
func (r *TaxonRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.backend.WithTransaction(ctx, fn)
}

// CreateTaxon inserts a taxon with its external ids and synonyms
// atomically. The external-id keys are both read and written inside
// the transaction, so of two concurrent creators of the same
// (source, external_id) exactly one commit succeeds; the other gets
// ErrConflict from Badger's conflict detection and retries as a merge.
func (r *TaxonRepository) CreateTaxon(ctx context.Context, taxon *core.Taxon) (*core.Taxon, error) {
	if taxon.CanonicalName == "" {
		taxon.CanonicalName = core.CanonicalizeName(taxon.ScientificName)
	}
	if taxon.Id == 0 {
		taxon.Id = core.IDFromContent(taxon.Key())
	}

	err := r.backend.WithTx(func(tx *badger.Txn) error {
		// The uniqueness checks. Reading the keys here registers them
		// in the transaction's read set; a concurrent writer touching
		// the same keys forces ErrConflict at commit.
		for _, ext := range taxon.ExternalIDs {
			owner, err := readID(tx, makeTaxonExtIDKey(ext.Source, ext.Value))
			if err != nil {
				return err
			}
			if owner != 0 {
				return fmt.Errorf("%w: external id %s:%s", storage.ErrDuplicateKey, ext.Source, ext.Value)
			}
		}
		if existing, err := readTaxon(tx, makeTaxonKey(taxon.Id)); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("%w: taxon %d", storage.ErrDuplicateKey, taxon.Id)
		}

		taxon.InsertedAt = time.Now().UTC()
		taxon.UpdatedAt = taxon.InsertedAt

		if err := tx.Set(makeTaxonKey(taxon.Id), storage.MarshalTaxon(taxon)); err != nil {
			return err
		}
		idValue := storage.MarshalID(taxon.Id)
		for _, ext := range taxon.ExternalIDs {
			if err := tx.Set(makeTaxonExtIDKey(ext.Source, ext.Value), idValue); err != nil {
				return err
			}
		}
		nameKey := makeTaxonNameKey(taxon.Rank, core.FoldName(taxon.CanonicalName))
		if err := tx.Set(nameKey, idValue); err != nil {
			return err
		}
		return commit(tx)
	}, true)

	if err != nil {
		return nil, err
	}
	return taxon, nil
}

// UpdateTaxon rewrites an existing taxon row.
func (r *TaxonRepository) UpdateTaxon(ctx context.Context, taxon *core.Taxon) (*core.Taxon, error) {
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		key := makeTaxonKey(taxon.Id)
		old, err := readTaxon(tx, key)
		if err != nil {
			return err
		}
		if old == nil {
			return storage.ErrNotFound
		}

		taxon.InsertedAt = old.InsertedAt
		taxon.UpdatedAt = time.Now().UTC()

		if err := tx.Set(key, storage.MarshalTaxon(taxon)); err != nil {
			return err
		}

		idValue := storage.MarshalID(taxon.Id)

		// Move the name index if the canonical name or rank changed.
		oldNameKey := makeTaxonNameKey(old.Rank, core.FoldName(old.CanonicalName))
		newNameKey := makeTaxonNameKey(taxon.Rank, core.FoldName(taxon.CanonicalName))
		if !slices.Equal(oldNameKey, newNameKey) {
			if err := tx.Delete(oldNameKey); err != nil {
				return err
			}
			if err := tx.Set(newNameKey, idValue); err != nil {
				return err
			}
		}

		// External ids are append-only on a taxon; index any new ones.
		for _, ext := range taxon.ExternalIDs {
			if !old.HasExternalID(ext.Source, ext.Value) {
				if err := tx.Set(makeTaxonExtIDKey(ext.Source, ext.Value), idValue); err != nil {
					return err
				}
			}
		}
		return commit(tx)
	}, true)

	if err != nil {
		return nil, err
	}
	return taxon, nil
}

// GetTaxon retrieves a taxon by ID.
func (r *TaxonRepository) GetTaxon(ctx context.Context, id core.ID) (*core.Taxon, error) {
	var result *core.Taxon
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		result, err = readTaxon(tx, makeTaxonKey(id))
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return result, err
}

// GetTaxa retrieves multiple taxa. Missing ids are skipped.
func (r *TaxonRepository) GetTaxa(ctx context.Context, ids ...core.ID) ([]*core.Taxon, error) {
	var result []*core.Taxon
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range ids {
			taxon, err := readTaxon(tx, makeTaxonKey(id))
			if err != nil {
				return err
			}
			if taxon != nil {
				result = append(result, taxon)
			}
		}
		return nil
	}, false)
	return result, err
}

// GetTaxonByExternalID looks a taxon up by (source, external_id).
func (r *TaxonRepository) GetTaxonByExternalID(ctx context.Context, source, value string) (*core.Taxon, error) {
	var result *core.Taxon
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		owner, err := readID(tx, makeTaxonExtIDKey(source, value))
		if err != nil {
			return err
		}
		if owner == 0 {
			return storage.ErrNotFound
		}
		result, err = readTaxon(tx, makeTaxonKey(owner))
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return result, err
}

// GetTaxonByNameRank looks a taxon up by folded canonical name and rank.
func (r *TaxonRepository) GetTaxonByNameRank(ctx context.Context, canonicalName, rank string) (*core.Taxon, error) {
	var result *core.Taxon
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		owner, err := readID(tx, makeTaxonNameKey(rank, core.FoldName(canonicalName)))
		if err != nil {
			return err
		}
		if owner == 0 {
			return storage.ErrNotFound
		}
		result, err = readTaxon(tx, makeTaxonKey(owner))
		if err != nil {
			return err
		}
		if result == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return result, err
}

// NamesByRank returns the canonical names of every taxon at a rank.
func (r *TaxonRepository) NamesByRank(ctx context.Context, rank string) ([]storage.TaxonName, error) {
	var names []storage.TaxonName
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := makePartialTaxonNameKey(rank)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			folded := strings.TrimPrefix(string(item.Key()), string(prefix))
			var id core.ID
			if err := item.Value(func(val []byte) error {
				var err error
				id, err = storage.UnmarshalID(val)
				return err
			}); err != nil {
				return err
			}
			names = append(names, storage.TaxonName{Id: id, CanonicalName: folded})
		}
		return nil
	}, false)
	return names, err
}

// AttachExternalID links an identifier to a taxon.
func (r *TaxonRepository) AttachExternalID(ctx context.Context, taxonID core.ID, ext core.ExternalID) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		extKey := makeTaxonExtIDKey(ext.Source, ext.Value)
		owner, err := readID(tx, extKey)
		if err != nil {
			return err
		}
		if owner == taxonID {
			return nil // already attached
		}
		if owner != 0 {
			return fmt.Errorf("%w: external id %s:%s owned by taxon %d",
				storage.ErrDuplicateKey, ext.Source, ext.Value, owner)
		}

		key := makeTaxonKey(taxonID)
		taxon, err := readTaxon(tx, key)
		if err != nil {
			return err
		}
		if taxon == nil {
			return storage.ErrNotFound
		}

		taxon.ExternalIDs = append(taxon.ExternalIDs, ext)
		taxon.UpdatedAt = time.Now().UTC()
		if err := tx.Set(key, storage.MarshalTaxon(taxon)); err != nil {
			return err
		}
		if err := tx.Set(extKey, storage.MarshalID(taxonID)); err != nil {
			return err
		}
		return commit(tx)
	}, true)
}

// AddSynonym records an alternate name for a taxon.
func (r *TaxonRepository) AddSynonym(ctx context.Context, taxonID core.ID, syn core.Synonym) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		key := makeTaxonKey(taxonID)
		taxon, err := readTaxon(tx, key)
		if err != nil {
			return err
		}
		if taxon == nil {
			return storage.ErrNotFound
		}
		if taxon.HasSynonym(syn.Name) {
			return nil
		}

		taxon.Synonyms = append(taxon.Synonyms, syn)
		taxon.UpdatedAt = time.Now().UTC()
		if err := tx.Set(key, storage.MarshalTaxon(taxon)); err != nil {
			return err
		}
		return commit(tx)
	}, true)
}

// AllTaxonIDs returns every taxon id in key order.
func (r *TaxonRepository) AllTaxonIDs(ctx context.Context) ([]core.ID, error) {
	var ids []core.ID
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(taxonRecordPrefix + ":")
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var id uint64
			if _, err := fmt.Sscanf(string(iter.Item().Key()), taxonRecordPrefix+":%d", &id); err != nil {
				return err
			}
			ids = append(ids, core.ID(id))
		}
		return nil
	}, false)
	return ids, err
}

// FindSimilar finds taxa whose embedding is similar to the query vector.
// Implements storage.VectorSearcher.
func (r *TaxonRepository) FindSimilar(ctx context.Context, vector []float32, minSimilarity float32, limit int) ([]core.SimilarityMatch, error) {
	var results []core.SimilarityMatch

	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(taxonRecordPrefix + ":")
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var taxon *core.Taxon
			err := iter.Item().Value(func(val []byte) error {
				var err error
				taxon, err = storage.UnmarshalTaxon(val)
				return err
			})
			if err != nil {
				return err
			}
			if taxon == nil || len(taxon.Vector) == 0 {
				continue
			}

			// Cosine similarity; vectors are stored unit length.
			similarity := dotProduct(vector, taxon.Vector)
			if similarity >= minSimilarity {
				results = append(results, core.SimilarityMatch{
					TaxonId: taxon.Id,
					Score:   similarity,
				})
			}
		}
		return nil
	}, false)

	if err != nil {
		return nil, err
	}

	// Sort by similarity descending, id ascending for stable ordering.
	slices.SortFunc(results, func(a, b core.SimilarityMatch) int {
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

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// dotProduct calculates the dot product of two vectors.
func dotProduct(a, b []float32) float32 {
	var sum float32
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Helper methods

// readTaxon reads a taxon record from the transaction.
func readTaxon(tx *badger.Txn, key []byte) (*core.Taxon, error) {
	item, err := tx.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}

	var taxon *core.Taxon
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		taxon, unmarshalErr = storage.UnmarshalTaxon(val)
		return unmarshalErr
	})
	return taxon, err
}

// readID reads an ID value, returning 0 when the key is absent.
func readID(tx *badger.Txn, key []byte) (core.ID, error) {
	item, err := tx.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return 0, nil
		}
		return 0, err
	}

	var id core.ID
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		id, unmarshalErr = storage.UnmarshalID(val)
		return unmarshalErr
	})
	return id, err
}
