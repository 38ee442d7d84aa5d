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


package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/bioindex"
	"github.com/poiesic/bioindex/ai"
	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/enrich"
	"github.com/poiesic/bioindex/ingestion"
	"github.com/poiesic/bioindex/reindex"
	"github.com/poiesic/bioindex/search"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "bioindex",
		Usage: "Biological knowledge reconciliation and search engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "Pull source dumps through the resolver, incrementally",
				Action: syncCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "db",
						Aliases:  []string{"d"},
						Usage:    "Path to database directory",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:     "source",
						Aliases:  []string{"s"},
						Usage:    "Source to sync as name=path (NDJSON dump); repeatable",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Interval between incremental runs per source",
						Value: time.Minute,
					},
					&cli.BoolFlag{
						Name:  "once",
						Usage: "Run each source to completion once and exit",
					},
					&cli.StringFlag{
						Name:  "enrich-queue",
						Usage: "Path to the enrichment queue file",
					},
					&cli.StringFlag{
						Name:  "embedding-host",
						Usage: "Embedding service host URL",
						Value: "http://localhost:11434/v1",
					},
					&cli.StringFlag{
						Name:  "embedding-model",
						Usage: "Embedding model name",
						Value: "embeddinggemma",
					},
				},
				Subcommands: nil,
			},
			{
				Name:      "search",
				Usage:     "Query the hybrid search index",
				Action:    searchCommand,
				ArgsUsage: "QUERY...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "db",
						Aliases:  []string{"d"},
						Usage:    "Path to database directory",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of hits",
						Value: 10,
					},
					&cli.StringFlag{
						Name:  "enrich-queue",
						Usage: "Path to the enrichment queue file; incomplete hits are flagged there",
					},
					&cli.StringSliceFlag{
						Name:  "type",
						Usage: "Expand hits with satellite entities of this type (observation, compound, sequence); repeatable",
					},
					&cli.StringFlag{
						Name:  "embedding-host",
						Usage: "Embedding service host URL",
						Value: "http://localhost:11434/v1",
					},
					&cli.StringFlag{
						Name:  "embedding-model",
						Usage: "Embedding model name",
						Value: "embeddinggemma",
					},
				},
			},
			{
				Name:   "reindex",
				Usage:  "Run a batch maintenance pass over the store",
				Action: reindexCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "db",
						Aliases:  []string{"d"},
						Usage:    "Path to database directory",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "vectors",
						Usage: "Regenerate every taxon embedding vector",
					},
					&cli.BoolFlag{
						Name:  "cells",
						Usage: "Recompute spatial cell assignments",
					},
					&cli.StringFlag{
						Name:  "embedding-host",
						Usage: "Embedding service host URL",
						Value: "http://localhost:11434/v1",
					},
					&cli.StringFlag{
						Name:  "embedding-model",
						Usage: "Embedding model name",
						Value: "embeddinggemma",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of taxa to process in each batch",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N taxa",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum retry attempts for failed operations",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show store statistics and per-source sync cursors",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "db",
						Aliases:  []string{"d"},
						Usage:    "Path to database directory",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:    "source",
						Aliases: []string{"s"},
						Usage:   "Source name to show the checkpoint for; repeatable",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openDatabase(c *cli.Context) (*bioindex.Database, error) {
	aiConfig := ai.NewConfig(
		ai.WithHost(c.String("embedding-host")),
		ai.WithEmbeddingModel(c.String("embedding-model")),
	)
	if err := aiConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid AI configuration: %w", err)
	}
	return bioindex.NewDatabase(c.String("db"), bioindex.WithAIConfig(aiConfig))
}

func syncCommand(c *cli.Context) error {
	db, err := openDatabase(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	resolver, err := db.NewResolver()
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	var schedulerOpts []ingestion.SchedulerOption
	if queuePath := c.String("enrich-queue"); queuePath != "" {
		queue := enrich.NewQueue(queuePath, slog.Default())
		schedulerOpts = append(schedulerOpts, ingestion.WithEnrichmentQueue(queue, 0.25))
	}

	scheduler, err := db.NewScheduler(resolver, schedulerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	defer scheduler.Stop()

	var names []string
	for _, spec := range c.StringSlice("source") {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("invalid source %q: expected name=path", spec)
		}
		connector, err := ingestion.NewFileConnector(name, path, 100)
		if err != nil {
			return fmt.Errorf("failed to create connector for %q: %w", name, err)
		}
		if err := scheduler.Register(ingestion.Source{
			Name:      name,
			Connector: connector,
			Interval:  c.Duration("interval"),
		}); err != nil {
			return fmt.Errorf("failed to register source %q: %w", name, err)
		}
		names = append(names, name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Bool("once") {
		for _, name := range names {
			// Drain the source: each run pulls one batch until caught up.
			for {
				before, err := db.CheckpointRepository().LoadCheckpoint(ctx, name)
				if err != nil {
					return err
				}
				if err := scheduler.RunOnce(ctx, name); err != nil {
					return fmt.Errorf("sync of %q failed: %w", name, err)
				}
				after, err := db.CheckpointRepository().LoadCheckpoint(ctx, name)
				if err != nil {
					return err
				}
				if cursorEqual(before, after) {
					break
				}
			}
			fmt.Fprintf(os.Stderr, "source %s caught up\n", name)
		}
		return nil
	}

	scheduler.Start(ctx)
	slog.Info("sync daemon started", "sources", names)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func cursorEqual(a, b *core.Checkpoint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cursor == b.Cursor && a.Page == b.Page
}

func searchCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("query is required")
	}
	query := strings.Join(c.Args().Slice(), " ")

	var types []core.EntityType
	for _, name := range c.StringSlice("type") {
		t := core.ParseEntityType(name)
		if t == 0 {
			return fmt.Errorf("unknown entity type %q", name)
		}
		types = append(types, t)
	}

	db, err := openDatabase(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var searchOpts []search.Option
	if queuePath := c.String("enrich-queue"); queuePath != "" {
		queue := enrich.NewQueue(queuePath, slog.Default())
		searchOpts = append(searchOpts, search.WithEnrichmentSink(queue))
	}

	searcher, err := db.NewSearcher(searchOpts...)
	if err != nil {
		return fmt.Errorf("failed to create searcher: %w", err)
	}

	result, err := searcher.Search(context.Background(), query, types, c.Int("limit"))
	if err != nil {
		return err
	}

	if result.Degraded {
		fmt.Fprintln(os.Stderr, "warning: results are degraded, one search backend was unavailable")
	}
	fmt.Printf("Found %d hits\n", len(result.Hits))
	for i, hit := range result.Hits {
		fmt.Printf("%d: %s (%s)[%0.3f]%s\n", i+1, hit.Taxon.CanonicalName, hit.Taxon.Rank, hit.Score, matchFlags(hit.MatchedText, hit.MatchedVector))
		for _, entity := range hit.Entities {
			fmt.Printf("   - %s from %s at %s\n", entity.Type, entity.Source, entity.ObservedAt.Format(time.RFC3339))
		}
	}
	return nil
}

func matchFlags(text, vector bool) string {
	switch {
	case text && vector:
		return " [text+vector]"
	case text:
		return " [text]"
	default:
		return " [vector]"
	}
}

func reindexCommand(c *cli.Context) error {
	if !c.Bool("vectors") && !c.Bool("cells") {
		return fmt.Errorf("nothing to do: pass --vectors and/or --cells")
	}

	db, err := openDatabase(c)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	if c.Bool("vectors") {
		config := &reindex.Config{
			BatchSize:      c.Int("batch-size"),
			ReportInterval: c.Int("report-interval"),
			MaxRetries:     c.Int("max-retries"),
			RetryDelay:     c.Duration("retry-delay"),
		}
		if config.BatchSize <= 0 {
			return fmt.Errorf("batch-size must be greater than 0")
		}
		if config.ReportInterval <= 0 {
			return fmt.Errorf("report-interval must be greater than 0")
		}
		if config.MaxRetries <= 0 {
			return fmt.Errorf("max-retries must be greater than 0")
		}

		reembedder, err := db.NewReembedder(config, os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to create reembedder: %w", err)
		}
		if err := reembedder.Run(ctx); err != nil {
			return fmt.Errorf("reembedding failed: %w", err)
		}
	}

	if c.Bool("cells") {
		refresher, err := db.NewCellRefresher(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to create cell refresher: %w", err)
		}
		if _, err := refresher.Run(ctx); err != nil {
			return fmt.Errorf("cell refresh failed: %w", err)
		}
	}

	return nil
}

func statusCommand(c *cli.Context) error {
	db, err := bioindex.NewDatabase(c.String("db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	ids, err := db.TaxonRepository().AllTaxonIDs(ctx)
	if err != nil {
		return err
	}
	indexed, err := db.TextIndex().Stat(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Taxa: %d\n", len(ids))
	fmt.Printf("Indexed names: %d\n", indexed)

	for _, name := range c.StringSlice("source") {
		checkpoint, err := db.CheckpointRepository().LoadCheckpoint(ctx, name)
		if err != nil {
			return err
		}
		if checkpoint == nil {
			fmt.Printf("Source %s: never synced\n", name)
			continue
		}
		fmt.Printf("Source %s: cursor=%q page=%d updated=%s\n",
			name, checkpoint.Cursor, checkpoint.Page, checkpoint.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
