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
	"fmt"
	"io"
	"log/slog"

	"github.com/poiesic/bioindex/geo"
	"github.com/poiesic/bioindex/storage"
)

// CellStats summarizes a cell refresh pass.
type CellStats struct {
	Scanned   int // current entity versions examined
	Refreshed int // entities whose stored cell disagreed with geometry
}

// CellRefresher recomputes the spatial cell of every current entity
// version. The cell id is a pure function of geometry, so after a
// change to the indexing scheme a single pass brings the whole store
// back in line; on an already-consistent store the pass writes nothing.
type CellRefresher struct {
	repo     storage.EntityRepository
	progress io.Writer
	logger   *slog.Logger
}

// NewCellRefresher creates a cell refresher.
// progress: where to write progress output (typically os.Stderr)
func NewCellRefresher(repo storage.EntityRepository, progress io.Writer, logger *slog.Logger) (*CellRefresher, error) {
	if repo == nil {
		return nil, ErrEntityRepositoryRequired
	}
	if progress == nil {
		progress = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CellRefresher{repo: repo, progress: progress, logger: logger}, nil
}

// Run scans every current entity version and rewrites those whose
// stored cell id no longer matches their geometry.
func (cr *CellRefresher) Run(ctx context.Context) (*CellStats, error) {
	entities, err := cr.repo.QueryEntities(ctx, storage.EntityQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to scan entities: %w", err)
	}

	stats := &CellStats{}
	for _, entity := range entities {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		stats.Scanned++
		expected := geo.CellID(entity.Geometry, geo.IndexLevel)
		if entity.CellId == expected {
			continue
		}

		// The upsert recomputes the cell from geometry; a stale stored
		// cell is a metadata correction, not a new version.
		if _, err := cr.repo.UpsertEntity(ctx, entity); err != nil {
			return stats, fmt.Errorf("failed to refresh entity %d: %w", entity.Id, err)
		}
		stats.Refreshed++
		cr.logger.Debug("refreshed entity cell", "entity", entity.Id, "cell", expected)
	}

	fmt.Fprintf(cr.progress, "Cell refresh complete. Scanned %d entities, refreshed %d\n",
		stats.Scanned, stats.Refreshed)
	return stats, nil
}
