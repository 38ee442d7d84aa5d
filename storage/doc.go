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


// Package storage provides the storage abstraction layer for bioindex.
//
// This package defines repository interfaces that decouple storage
// implementation from the resolver, scheduler and search layers. It
// allows different backends (BadgerDB, in-memory, etc.) to be used
// interchangeably.
//
// # Constructor Return Type Pattern
//
// Public constructors in backend packages return these interfaces to
// enforce abstraction:
//
//	repo, err := badger.NewTaxonRepository(backend)  // storage.TaxonRepository
//
// Internal constructors may return concrete types since they're only
// used within the implementation package.
//
// # Architecture
//
//   - EntityRepository: canonical spatiotemporal entities, versioned validity
//   - TaxonRepository: taxa, external identifiers, synonyms, name indexes
//   - CheckpointRepository: per-source incremental sync cursors
//   - VectorSearcher: similarity search over stored taxon embeddings
//
// # Concurrency
//
// All repository implementations must be thread-safe. The taxon
// external-identifier index doubles as the uniqueness constraint that
// arbitrates concurrent creation: of two writers inserting the same
// (source, external_id), exactly one commit succeeds and the other
// observes ErrConflict or ErrDuplicateKey and re-resolves as a merge.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation and
// timeout support.
package storage
