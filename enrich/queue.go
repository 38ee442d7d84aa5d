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


// Package enrich implements the enrichment priority queue: an
// append-only NDJSON file where the serving layer records "viewed but
// incomplete" entities and the sync scheduler drains them into
// re-fetch priority.
//
// The file contract is one JSON object per line:
//
//	{"entity_id": 123, "name": "Amanita muscaria", "observed_at": "...", "missing": ["author"]}
//
// Appends are best effort: a missed enrichment signal costs freshness,
// never correctness, so Append never returns an error. Draining
// snapshots the live file by rename, so entries written before a drain
// began are never lost to concurrent appenders.
package enrich

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/poiesic/bioindex/core"
)

// Queue is a file-backed enrichment queue.
type Queue struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewQueue creates a queue over the NDJSON file at path. The file is
// created lazily on first append.
func NewQueue(path string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{path: path, logger: logger}
}

// Append records an enrichment signal. Failures are logged at debug
// and swallowed; callers must never have to handle them.
func (q *Queue) Append(entry core.EnrichmentEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		q.logger.Debug("enrichment entry not serializable", "error", err)
		return
	}
	line = append(line, '\n')

	q.mu.Lock()
	defer q.mu.Unlock()

	// O_APPEND keeps single-line writes atomic across processes;
	// the mutex serializes appenders within this one.
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		q.logger.Debug("enrichment append skipped", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		q.logger.Debug("enrichment append failed", "error", err)
	}
}

// DrainAndCompact consumes the queue. The live file is renamed aside
// so appenders racing the drain start a fresh file, then entries are
// folded per entity id: most recent timestamp wins, missing-attribute
// names are unioned, and Views counts how often the entity appeared.
// Results are ordered by entity id for determinism.
func (q *Queue) DrainAndCompact() ([]core.EnrichmentEntry, error) {
	snapshot := q.path + ".draining"

	q.mu.Lock()
	err := os.Rename(q.path, snapshot)
	q.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil // nothing queued
		}
		return nil, err
	}
	defer os.Remove(snapshot)

	f, err := os.Open(snapshot)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byID := make(map[core.ID]*core.EnrichmentEntry)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry core.EnrichmentEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn or malformed line costs one signal, not the drain.
			q.logger.Debug("skipping malformed enrichment line", "error", err)
			continue
		}

		existing, ok := byID[entry.EntityId]
		if !ok {
			entry.Views = 1
			copied := entry
			byID[entry.EntityId] = &copied
			continue
		}
		existing.Views++
		if entry.ObservedAt.After(existing.ObservedAt) {
			existing.ObservedAt = entry.ObservedAt
			existing.Name = entry.Name
		}
		for _, name := range entry.Missing {
			if !slices.Contains(existing.Missing, name) {
				existing.Missing = append(existing.Missing, name)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	results := make([]core.EnrichmentEntry, 0, len(byID))
	for _, entry := range byID {
		slices.Sort(entry.Missing)
		results = append(results, *entry)
	}
	slices.SortFunc(results, func(a, b core.EnrichmentEntry) int {
		if a.EntityId < b.EntityId {
			return -1
		}
		if a.EntityId > b.EntityId {
			return 1
		}
		return 0
	})
	return results, nil
}
