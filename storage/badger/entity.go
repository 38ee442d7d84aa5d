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
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/geo"
	"github.com/poiesic/bioindex/storage"
)

// EntityRepository implements storage.EntityRepository for BadgerDB.
type EntityRepository struct {
	backend *Backend
}

var _ storage.EntityRepository = (*EntityRepository)(nil)

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(backend *Backend) (*EntityRepository, error) {
	return &EntityRepository{backend: backend}, nil
}

// Close releases resources. EntityRepository has no resources to release.
func (r *EntityRepository) Close() error {
	return nil
}

// WithTransaction delegates to the backend.
func (r *EntityRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.backend.WithTransaction(ctx, fn)
}

// UpsertEntity writes an entity version, enforcing store invariants.
func (r *EntityRepository) UpsertEntity(ctx context.Context, entity *core.Entity) (*core.Entity, error) {
	if err := core.ValidateEntity(entity); err != nil {
		return nil, err
	}
	if entity.Id == 0 {
		return nil, fmt.Errorf("%w: entity id required", storage.ErrInvalidQuery)
	}

	// Never trust caller input for these.
	entity.Confidence = core.ClampConfidence(entity.Confidence)
	entity.CellId = geo.CellID(entity.Geometry, geo.IndexLevel)

	now := time.Now().UTC()
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		key := makeEntityKey(entity.Id)
		old, err := readEntity(tx, key)
		if err != nil {
			return err
		}

		switch {
		case old == nil:
			if entity.ValidFrom.IsZero() {
				entity.ValidFrom = now
			}
			entity.CreatedAt = now
			entity.UpdatedAt = now

		case metadataOnlyChange(old, entity):
			// Pure correction: no new version. The spatial index entry
			// still moves when the recomputed cell disagrees with the
			// stored one, or bounds queries would keep scanning the
			// stale cell.
			entity.ValidFrom = old.ValidFrom
			entity.ValidTo = old.ValidTo
			entity.CreatedAt = old.CreatedAt
			entity.UpdatedAt = now
			if old.CellId != entity.CellId {
				if err := tx.Delete(makeEntityCellKey(geo.Morton(old.CellId), old.Id)); err != nil {
					return err
				}
				if err := tx.Set(makeEntityCellKey(geo.Morton(entity.CellId), entity.Id), storage.MarshalID(entity.Id)); err != nil {
					return err
				}
			}

		default:
			// Semantic change: close the prior version into history
			// and open a new one. History is append-only.
			closed := *old
			closed.ValidTo = now
			closed.UpdatedAt = now
			histKey := makeEntityHistoryKey(closed.Id, now)
			if err := tx.Set(histKey, storage.MarshalEntity(&closed)); err != nil {
				return err
			}
			if err := deleteEntityIndexes(tx, old); err != nil {
				return err
			}
			entity.ValidFrom = now
			entity.CreatedAt = old.CreatedAt
			entity.UpdatedAt = now
		}

		if err := tx.Set(key, storage.MarshalEntity(entity)); err != nil {
			return err
		}
		if old == nil || !metadataOnlyChange(old, entity) {
			if err := writeEntityIndexes(tx, entity); err != nil {
				return err
			}
		}
		return commit(tx)
	}, true)

	if err != nil {
		return nil, err
	}
	return entity, nil
}

// GetEntity retrieves the current version of an entity.
func (r *EntityRepository) GetEntity(ctx context.Context, id core.ID) (*core.Entity, error) {
	var result *core.Entity
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		result, err = readEntity(tx, makeEntityKey(id))
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

// EntityHistory returns closed prior versions, oldest first.
func (r *EntityRepository) EntityHistory(ctx context.Context, id core.ID) ([]*core.Entity, error) {
	var results []*core.Entity
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := makePartialEntityHistoryKey(id)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var version *core.Entity
			err := iter.Item().Value(func(val []byte) error {
				var err error
				version, err = storage.UnmarshalEntity(val)
				return err
			})
			if err != nil {
				return err
			}
			results = append(results, version)
		}
		return nil
	}, false)
	return results, err
}

// EntitiesByTaxon returns current satellite entities owned by a taxon.
func (r *EntityRepository) EntitiesByTaxon(ctx context.Context, taxonID core.ID) ([]*core.Entity, error) {
	var results []*core.Entity
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := makePartialEntityTaxonKey(taxonID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var entityID core.ID
			if err := iter.Item().Value(func(val []byte) error {
				var err error
				entityID, err = storage.UnmarshalID(val)
				return err
			}); err != nil {
				return err
			}
			entity, err := readEntity(tx, makeEntityKey(entityID))
			if err != nil {
				return err
			}
			if entity != nil {
				results = append(results, entity)
			}
		}
		return nil
	}, false)
	return results, err
}

// QueryEntities returns current entity versions matching the query.
// The cheapest available index narrows the candidate set: spatial
// bounds use the cell index, a time range uses the observed_at index,
// otherwise the record prefix is scanned.
func (r *EntityRepository) QueryEntities(ctx context.Context, q storage.EntityQuery) ([]*core.Entity, error) {
	var results []*core.Entity
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		switch {
		case q.Bounds != nil:
			results, err = r.queryByCells(tx, q)
		case !q.Start.IsZero() || !q.End.IsZero():
			results, err = r.queryByTime(tx, q)
		default:
			results, err = r.scanAll(tx, q)
		}
		return err
	}, false)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(results, func(a, b *core.Entity) int {
		if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
			return c
		}
		if a.Id < b.Id {
			return -1
		}
		if a.Id > b.Id {
			return 1
		}
		return 0
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (r *EntityRepository) queryByCells(tx *badger.Txn, q storage.EntityQuery) ([]*core.Entity, error) {
	seen := make(map[core.ID]bool)
	var results []*core.Entity

	for _, cell := range geo.Cover(*q.Bounds, geo.IndexLevel) {
		lo, hi := geo.MortonRange(cell, geo.IndexLevel)
		startKey := makePartialEntityCellKey(lo)
		endKey := makePartialEntityCellKey(hi)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entityCellPrefix + ":")
		iter := tx.NewIterator(opts)

		for iter.Seek(startKey); iter.Valid(); iter.Next() {
			key := iter.Item().Key()
			if slices.Compare(key[:len(endKey)], endKey) >= 0 {
				break
			}
			var entityID core.ID
			if err := iter.Item().Value(func(val []byte) error {
				var err error
				entityID, err = storage.UnmarshalID(val)
				return err
			}); err != nil {
				iter.Close()
				return nil, err
			}
			if seen[entityID] {
				continue
			}
			seen[entityID] = true

			entity, err := readEntity(tx, makeEntityKey(entityID))
			if err != nil {
				iter.Close()
				return nil, err
			}
			if entity != nil && matchesQuery(entity, q) {
				results = append(results, entity)
			}
		}
		iter.Close()
	}
	return results, nil
}

func (r *EntityRepository) queryByTime(tx *badger.Txn, q storage.EntityQuery) ([]*core.Entity, error) {
	start := q.Start
	if start.IsZero() {
		start = time.UnixMicro(0).UTC()
	}
	end := q.End
	if end.IsZero() {
		end = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	var results []*core.Entity
	startKey := makePartialEntityTimeKey(start)
	endKey := makePartialEntityTimeKey(end)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(entityTimePrefix + ":")
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Seek(startKey); iter.Valid(); iter.Next() {
		key := iter.Item().Key()
		if slices.Compare(key[:len(endKey)], endKey) >= 0 {
			break
		}
		var entityID core.ID
		if err := iter.Item().Value(func(val []byte) error {
			var err error
			entityID, err = storage.UnmarshalID(val)
			return err
		}); err != nil {
			return nil, err
		}
		entity, err := readEntity(tx, makeEntityKey(entityID))
		if err != nil {
			return nil, err
		}
		if entity != nil && matchesQuery(entity, q) {
			results = append(results, entity)
		}
	}
	return results, nil
}

func (r *EntityRepository) scanAll(tx *badger.Txn, q storage.EntityQuery) ([]*core.Entity, error) {
	var results []*core.Entity
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(entityRecordPrefix + ":")
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		var entity *core.Entity
		if err := iter.Item().Value(func(val []byte) error {
			var err error
			entity, err = storage.UnmarshalEntity(val)
			return err
		}); err != nil {
			return nil, err
		}
		if entity != nil && matchesQuery(entity, q) {
			results = append(results, entity)
		}
	}
	return results, nil
}

// matchesQuery applies the precise filters after index narrowing.
func matchesQuery(e *core.Entity, q storage.EntityQuery) bool {
	if q.Type != 0 && e.Type != q.Type {
		return false
	}
	if !q.Start.IsZero() && e.ObservedAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !e.ObservedAt.Before(q.End) {
		return false
	}
	if q.Bounds != nil {
		if e.Geometry == nil {
			return false
		}
		if !q.Bounds.Contains(geo.Anchor(e.Geometry)) {
			return false
		}
	}
	if q.Text != "" && !matchesText(e, q.Text) {
		return false
	}
	return true
}

func matchesText(e *core.Entity, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(e.Source), needle) {
		return true
	}
	for _, v := range e.Properties {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	for _, v := range e.State {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

// metadataOnlyChange reports whether next differs from old only in
// source, confidence or properties, the in-place correction case.
func metadataOnlyChange(old, next *core.Entity) bool {
	return old.Type == next.Type &&
		old.TaxonId == next.TaxonId &&
		geometryEqual(old.Geometry, next.Geometry) &&
		maps.Equal(old.State, next.State) &&
		old.ObservedAt.Equal(next.ObservedAt)
}

func geometryEqual(a, b *core.Geometry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Point == b.Point && slices.Equal(a.Ring, b.Ring)
}

// Helper methods

// readEntity reads an entity record from the transaction.
func readEntity(tx *badger.Txn, key []byte) (*core.Entity, error) {
	item, err := tx.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}

	var entity *core.Entity
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		entity, unmarshalErr = storage.UnmarshalEntity(val)
		return unmarshalErr
	})
	return entity, err
}

// writeEntityIndexes adds cell, time and taxon index entries.
func writeEntityIndexes(tx *badger.Txn, e *core.Entity) error {
	idValue := storage.MarshalID(e.Id)
	if e.Geometry != nil {
		if err := tx.Set(makeEntityCellKey(geo.Morton(e.CellId), e.Id), idValue); err != nil {
			return err
		}
	}
	if !e.ObservedAt.IsZero() {
		if err := tx.Set(makeEntityTimeKey(e.ObservedAt, e.Id), idValue); err != nil {
			return err
		}
	}
	if e.TaxonId != 0 {
		if err := tx.Set(makeEntityTaxonKey(e.TaxonId, e.Id), idValue); err != nil {
			return err
		}
	}
	return nil
}

// deleteEntityIndexes removes index entries for a superseded version.
func deleteEntityIndexes(tx *badger.Txn, e *core.Entity) error {
	if e.Geometry != nil {
		if err := tx.Delete(makeEntityCellKey(geo.Morton(e.CellId), e.Id)); err != nil {
			return err
		}
	}
	if !e.ObservedAt.IsZero() {
		if err := tx.Delete(makeEntityTimeKey(e.ObservedAt, e.Id)); err != nil {
			return err
		}
	}
	if e.TaxonId != 0 {
		if err := tx.Delete(makeEntityTaxonKey(e.TaxonId, e.Id)); err != nil {
			return err
		}
	}
	return nil
}
