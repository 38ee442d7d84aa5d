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
	"github.com/dgraph-io/badger/v4"

	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/geo"
	"github.com/poiesic/bioindex/storage"
)

// NewMemoryRepositories creates in-memory entity and taxon repositories for testing.
// Returns entityRepo, taxonRepo, backend, and error.
// Caller must close both repos and backend when done.
func NewMemoryRepositories() (storage.EntityRepository, storage.TaxonRepository, *Backend, error) {
	backend, err := OpenBackend("", true)
	if err != nil {
		return nil, nil, nil, err
	}

	entityRepo, err := NewEntityRepository(backend)
	if err != nil {
		backend.Close()
		return nil, nil, nil, err
	}

	taxonRepo, err := NewTaxonRepository(backend)
	if err != nil {
		entityRepo.Close()
		backend.Close()
		return nil, nil, nil, err
	}

	return entityRepo, taxonRepo, backend, nil
}

// RewriteEntityCell rewrites an entity's stored cell id and moves its
// spatial index entry accordingly, as if the record had been written
// under an earlier indexing scheme. Cell-repair tests use it to model
// scheme drift; it has no production caller.
func RewriteEntityCell(backend *Backend, id core.ID, cell uint64) error {
	return backend.WithTx(func(tx *badger.Txn) error {
		key := makeEntityKey(id)
		entity, err := readEntity(tx, key)
		if err != nil {
			return err
		}
		if entity == nil {
			return storage.ErrNotFound
		}
		if err := tx.Delete(makeEntityCellKey(geo.Morton(entity.CellId), entity.Id)); err != nil {
			return err
		}
		entity.CellId = cell
		if err := tx.Set(key, storage.MarshalEntity(entity)); err != nil {
			return err
		}
		if err := tx.Set(makeEntityCellKey(geo.Morton(cell), entity.Id), storage.MarshalID(entity.Id)); err != nil {
			return err
		}
		return commit(tx)
	}, true)
}
