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


package bioindex

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/poiesic/bioindex/ai"
	"github.com/poiesic/bioindex/ai/openai"
	"github.com/poiesic/bioindex/ingestion"
	"github.com/poiesic/bioindex/reindex"
	"github.com/poiesic/bioindex/resolve"
	"github.com/poiesic/bioindex/search"
	"github.com/poiesic/bioindex/storage"
	"github.com/poiesic/bioindex/storage/badger"
	"github.com/poiesic/bioindex/storage/sqlite"
)

// Database is the top-level handle: the badger canonical store, the
// sqlite name index and the embedding provider, with factories for the
// resolver, scheduler, searcher and maintenance passes.
type Database struct {
	backend        *badger.Backend
	entityRepo     storage.EntityRepository
	taxonRepo      storage.TaxonRepository
	checkpointRepo storage.CheckpointRepository
	textIndex      *sqlite.TextIndex
	provider       ai.Provider
	logger         *slog.Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	aiConfig      *ai.Config
	textIndexPath string
}

// WithAIConfig overrides the embedding endpoint configuration.
func WithAIConfig(config *ai.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.aiConfig = config
	}
}

// WithTextIndexPath overrides where the sqlite name index lives.
// Default is names.db inside the database directory.
func WithTextIndexPath(path string) DatabaseOption {
	return func(o *databaseOptions) {
		o.textIndexPath = path
	}
}

// NewDatabase opens the store rooted at filePath, creating it if absent.
func NewDatabase(filePath string, opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{
		aiConfig: ai.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(options)
	}

	backend, err := badger.OpenBackend(filePath, false)
	if err != nil {
		return nil, err
	}

	entityRepo, err := badger.NewEntityRepository(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	taxonRepo, err := badger.NewTaxonRepository(backend)
	if err != nil {
		entityRepo.Close()
		backend.Close()
		return nil, err
	}

	checkpointRepo, err := badger.NewCheckpointRepository(backend)
	if err != nil {
		taxonRepo.Close()
		entityRepo.Close()
		backend.Close()
		return nil, err
	}

	textIndexPath := options.textIndexPath
	if textIndexPath == "" {
		textIndexPath = filepath.Join(filePath, "names.db")
	}
	textIndex, err := sqlite.Open(context.Background(), textIndexPath)
	if err != nil {
		taxonRepo.Close()
		entityRepo.Close()
		backend.Close()
		return nil, err
	}

	provider, err := openai.NewProvider(options.aiConfig)
	if err != nil {
		textIndex.Close()
		taxonRepo.Close()
		entityRepo.Close()
		backend.Close()
		return nil, err
	}

	return &Database{
		backend:        backend,
		entityRepo:     entityRepo,
		taxonRepo:      taxonRepo,
		checkpointRepo: checkpointRepo,
		textIndex:      textIndex,
		provider:       provider,
		logger:         slog.Default(),
	}, nil
}

func (db *Database) Close() error {
	if err := db.provider.Close(); err != nil {
		db.logger.Error("error closing AI provider", "err", err)
	}
	if err := db.textIndex.Close(); err != nil {
		db.logger.Error("error closing text index", "err", err)
	}

	if err := db.taxonRepo.Close(); err != nil {
		db.logger.Error("error closing taxon repository", "err", err)
		return err
	}
	if err := db.entityRepo.Close(); err != nil {
		db.logger.Error("error closing entity repository", "err", err)
		return err
	}

	if err := db.backend.Close(); err != nil {
		db.logger.Error("error closing backend storage", "err", err)
		return err
	}
	return nil
}

func (db *Database) EntityRepository() storage.EntityRepository {
	return db.entityRepo
}

func (db *Database) TaxonRepository() storage.TaxonRepository {
	return db.taxonRepo
}

func (db *Database) CheckpointRepository() storage.CheckpointRepository {
	return db.checkpointRepo
}

func (db *Database) TextIndex() *sqlite.TextIndex {
	return db.textIndex
}

// NewResolver creates an entity resolver wired to the stores and the
// name index.
func (db *Database) NewResolver(opts ...resolve.Option) (*resolve.Resolver, error) {
	combined := append([]resolve.Option{resolve.WithNameIndexer(db.textIndex)}, opts...)
	return resolve.NewResolver(db.taxonRepo, db.entityRepo, combined...)
}

// NewScheduler creates a sync scheduler over a resolver, wired for
// post-batch embedding generation.
func (db *Database) NewScheduler(resolver *resolve.Resolver, opts ...ingestion.SchedulerOption) (*ingestion.Scheduler, error) {
	combined := append([]ingestion.SchedulerOption{
		ingestion.WithEmbedding(db.taxonRepo, db.provider.Embedder()),
	}, opts...)
	return ingestion.NewScheduler(resolver, db.checkpointRepo, combined...)
}

// NewSearcher creates a hybrid searcher over the text index, the stored
// taxon vectors and a badger-backed result cache.
func (db *Database) NewSearcher(opts ...search.Option) (*search.Searcher, error) {
	vector, err := search.NewEmbeddingBackend(db.provider.Embedder(), db.taxonRepo, 0)
	if err != nil {
		return nil, err
	}
	cache, err := badger.NewTTLCache(db.backend)
	if err != nil {
		return nil, err
	}
	combined := append([]search.Option{search.WithCache(cache)}, opts...)
	return search.NewSearcher(db.textIndex, vector, db.taxonRepo, db.entityRepo, combined...)
}

// NewReembedder creates a maintenance pass regenerating every taxon vector.
func (db *Database) NewReembedder(config *reindex.Config, progress io.Writer) (*reindex.Reembedder, error) {
	return reindex.NewReembedder(db.taxonRepo, db.provider.Embedder(), config, progress)
}

// NewCellRefresher creates a maintenance pass recomputing spatial cells.
func (db *Database) NewCellRefresher(progress io.Writer) (*reindex.CellRefresher, error) {
	return reindex.NewCellRefresher(db.entityRepo, progress, db.logger)
}
