package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/poiesic/bioindex"
	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/ingestion"
	"github.com/poiesic/bioindex/resolve"
)

// Embedded sample dump: a handful of taxa from two sources that
// disagree on spelling and authorship, plus satellite records, so a
// fresh database immediately exercises merging and hybrid search.
var sampleDump = []string{
	`{"source": "gbif", "external_id": "5240442", "type": "taxon", "scientific_name": "Amanita muscaria (L.) Lam.", "author": "(L.) Lam.", "rank": "species"}`,
	`{"source": "gbif", "external_id": "5953615", "type": "taxon", "scientific_name": "Boletus edulis Bull.", "author": "Bull.", "rank": "species"}`,
	`{"source": "gbif", "external_id": "2431885", "type": "taxon", "scientific_name": "Cantharellus cibarius Fr.", "author": "Fr.", "rank": "species"}`,
	`{"source": "gbif", "external_id": "5249504", "type": "taxon", "scientific_name": "Russula emetica (Schaeff.) Pers.", "author": "(Schaeff.) Pers.", "rank": "species"}`,
	`{"source": "gbif", "external_id": "2526530", "type": "taxon", "scientific_name": "Quercus robur L.", "author": "L.", "rank": "species"}`,
	`{"source": "gbif", "external_id": "5285637", "type": "taxon", "scientific_name": "Fagus sylvatica L.", "author": "L.", "rank": "species"}`,
	`{"source": "gbif", "external_id": "2882316", "type": "taxon", "scientific_name": "Betula pendula Roth", "author": "Roth", "rank": "species"}`,
	`{"source": "gbif", "external_id": "9619293", "type": "taxon", "scientific_name": "Morchella esculenta (L.) Pers.", "author": "(L.) Pers.", "rank": "species"}`,
	`{"source": "inaturalist", "external_id": "48715", "type": "taxon", "scientific_name": "Amanita muscaria", "rank": "species"}`,
	`{"source": "inaturalist", "external_id": "48701", "type": "taxon", "scientific_name": "Boletus edulis", "rank": "species"}`,
	`{"source": "inaturalist", "external_id": "47348", "type": "taxon", "scientific_name": "Cantharellus cibarius", "rank": "species"}`,
	`{"source": "inaturalist", "external_id": "54134", "type": "taxon", "scientific_name": "Morchella esculenta", "rank": "species"}`,
	`{"source": "inaturalist", "external_id": "obs-900101", "type": "observation", "scientific_name": "Amanita muscaria", "rank": "species", "taxon_external_id": "48715", "lat": 47.6062, "lng": 8.5417, "observed_at": "2024-09-14T08:12:00Z", "confidence": 0.95}`,
	`{"source": "inaturalist", "external_id": "obs-900102", "type": "observation", "scientific_name": "Amanita muscaria", "rank": "species", "taxon_external_id": "48715", "lat": 52.5200, "lng": 13.4050, "observed_at": "2024-10-02T14:30:00Z", "confidence": 0.88}`,
	`{"source": "inaturalist", "external_id": "obs-900103", "type": "observation", "scientific_name": "Boletus edulis", "rank": "species", "taxon_external_id": "48701", "lat": 48.1351, "lng": 11.5820, "observed_at": "2024-09-28T09:45:00Z", "confidence": 0.92}`,
	`{"source": "inaturalist", "external_id": "obs-900104", "type": "observation", "scientific_name": "Cantharellus cibarius", "rank": "species", "taxon_external_id": "47348", "lat": 59.3293, "lng": 18.0686, "observed_at": "2024-08-19T16:05:00Z", "confidence": 0.97}`,
	`{"source": "inaturalist", "external_id": "obs-900105", "type": "observation", "scientific_name": "Morchella esculenta", "rank": "species", "taxon_external_id": "54134", "lat": 45.4642, "lng": 9.1900, "observed_at": "2024-04-11T07:20:00Z", "confidence": 0.85}`,
	`{"source": "chembl", "external_id": "CHEMBL1256", "type": "compound", "scientific_name": "Amanita muscaria", "rank": "species", "fields": {"name": "muscimol", "formula": "C4H6N2O2"}}`,
	`{"source": "chembl", "external_id": "CHEMBL289469", "type": "compound", "scientific_name": "Amanita muscaria", "rank": "species", "fields": {"name": "ibotenic acid", "formula": "C5H6N2O4"}}`,
	`{"source": "genbank", "external_id": "MH855654", "type": "sequence", "scientific_name": "Boletus edulis", "rank": "species", "fields": {"locus": "ITS", "length": "682"}}`,
}

var (
	seedFileName = flag.String("src", "", "NDJSON dump of records to seed")
	dbPath       = flag.String("db", "./bioindex_db", "database directory")
	sourceName   = flag.String("source", "seed", "source name for checkpointing")
)

func init() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(handler))
	flag.Parse()
}

// seedFromFile pulls every batch of the dump through the resolver and
// reports outcome counts.
func seedFromFile(ctx context.Context, resolver *resolve.Resolver, source, path string) error {
	connector, err := ingestion.NewFileConnector(source, path, 50)
	if err != nil {
		return err
	}

	counts := map[resolve.Outcome]int{}
	var cursor *core.Checkpoint
	for {
		batch, nextCursor, err := connector.FetchBatch(ctx, cursor)
		if err != nil {
			return err
		}
		if len(batch) == 0 && nextCursor == nil {
			break
		}
		for _, record := range batch {
			resolution, err := resolver.Resolve(ctx, record)
			if err != nil {
				slog.Warn("record rejected", "external_id", record.ExternalID, "err", err)
				continue
			}
			counts[resolution.Outcome]++
		}
		cursor = nextCursor
	}

	slog.Info("seeding complete",
		"created", counts[resolve.OutcomeCreated],
		"merged", counts[resolve.OutcomeMerged],
		"conflicts", counts[resolve.OutcomeConflict])
	return nil
}

func main() {
	db, err := bioindex.NewDatabase(*dbPath)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	resolver, err := db.NewResolver()
	if err != nil {
		panic(err)
	}

	ctx := context.Background()

	path := *seedFileName
	if path == "" {
		// Materialize the embedded dump so the file connector can
		// checkpoint through it like any other source.
		path = filepath.Join(os.TempDir(), "bioindex_seed.ndjson")
		var contents string
		for _, line := range sampleDump {
			contents += line + "\n"
		}
		if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
			panic(err)
		}
		defer os.Remove(path)
	}

	if err := seedFromFile(ctx, resolver, *sourceName, path); err != nil {
		panic(fmt.Errorf("seeding from %s: %w", path, err))
	}
}
