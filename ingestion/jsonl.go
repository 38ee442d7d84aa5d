package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/poiesic/bioindex/core"
)

// jsonlRecord is the NDJSON wire shape for local record dumps.
type jsonlRecord struct {
	Source          string            `json:"source"`
	ExternalID      string            `json:"external_id"`
	Type            string            `json:"type"`
	ScientificName  string            `json:"scientific_name"`
	Author          string            `json:"author,omitempty"`
	Rank            string            `json:"rank,omitempty"`
	TaxonExternalID string            `json:"taxon_external_id,omitempty"`
	Lat             *float64          `json:"lat,omitempty"`
	Lng             *float64          `json:"lng,omitempty"`
	ObservedAt      string            `json:"observed_at,omitempty"`
	Confidence      float32           `json:"confidence,omitempty"`
	Fields          map[string]string `json:"fields,omitempty"`
}

// FileConnector reads normalized records from a local NDJSON dump.
// Used for seeding, imports and tests. The checkpoint cursor counts
// file lines already consumed, blank ones included.
type FileConnector struct {
	source    string
	path      string
	batchSize int
}

var _ Connector = (*FileConnector)(nil)

// NewFileConnector creates a connector over the NDJSON file at path.
func NewFileConnector(source, path string, batchSize int) (*FileConnector, error) {
	if source == "" {
		return nil, fmt.Errorf("source name required")
	}
	if path == "" {
		return nil, fmt.Errorf("file path required")
	}
	if batchSize < 1 {
		batchSize = 100
	}
	return &FileConnector{source: source, path: path, batchSize: batchSize}, nil
}

// FetchBatch reads the next batch of lines after the checkpoint.
func (c *FileConnector) FetchBatch(ctx context.Context, checkpoint *core.Checkpoint) ([]*core.NormalizedRecord, *core.Checkpoint, error) {
	f, err := os.Open(c.path)
	if err != nil {
		// A missing or unreadable dump will not fix itself.
		return nil, nil, Permanent(err)
	}
	defer f.Close()

	var skip int64
	if checkpoint != nil {
		skip = checkpoint.Page
	}

	var records []*core.NormalizedRecord
	var line int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, nil, Transient(err)
		}
		line++
		if line <= skip {
			continue
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var wire jsonlRecord
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, nil, Permanent(fmt.Errorf("line %d: %w", line, err))
		}
		rec, err := wire.normalize(c.source)
		if err != nil {
			return nil, nil, Permanent(fmt.Errorf("line %d: %w", line, err))
		}
		records = append(records, rec)

		if len(records) >= c.batchSize {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, Transient(err)
	}

	if len(records) == 0 {
		return nil, nil, nil // caught up
	}
	// The cursor is the last line consumed, not the record count:
	// blank lines advance it too, so nothing is re-read next run.
	next := &core.Checkpoint{Source: c.source, Page: line}
	return records, next, nil
}

// normalize converts a wire record into the resolver's input shape.
func (w *jsonlRecord) normalize(defaultSource string) (*core.NormalizedRecord, error) {
	source := w.Source
	if source == "" {
		source = defaultSource
	}
	entityType := core.ParseEntityType(w.Type)
	if entityType == 0 {
		return nil, fmt.Errorf("unknown entity type %q", w.Type)
	}

	rec := &core.NormalizedRecord{
		Source:          source,
		ExternalID:      w.ExternalID,
		Type:            entityType,
		ScientificName:  w.ScientificName,
		Author:          w.Author,
		Rank:            w.Rank,
		TaxonExternalID: w.TaxonExternalID,
		Confidence:      w.Confidence,
		Fields:          w.Fields,
	}
	if rec.Confidence == 0 {
		rec.Confidence = 1
	}
	if w.Lat != nil && w.Lng != nil {
		rec.Geometry = &core.Geometry{Point: core.LatLng{Lat: *w.Lat, Lng: *w.Lng}}
	}
	if w.ObservedAt != "" {
		observedAt, err := time.Parse(time.RFC3339, w.ObservedAt)
		if err != nil {
			return nil, fmt.Errorf("bad observed_at %q: %w", w.ObservedAt, err)
		}
		rec.ObservedAt = observedAt
	}
	return rec, nil
}
