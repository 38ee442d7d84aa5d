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


package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/bioindex/ai"
	"github.com/poiesic/bioindex/core"
	"github.com/poiesic/bioindex/enrich"
	"github.com/poiesic/bioindex/resolve"
	"github.com/poiesic/bioindex/storage"
	"golang.org/x/time/rate"
)

// SourceState is the scheduling state of one registered source.
type SourceState int

const (
	// StateIdle means the source is waiting for its next interval tick.
	StateIdle SourceState = iota
	// StateRunning means a batch is in flight.
	StateRunning
	// StateBackoff means the last batch failed transiently and the
	// source is waiting out an exponential delay.
	StateBackoff
	// StateFailed means the source exceeded its failure budget or hit a
	// permanent error; it stays out of rotation until ResetSource.
	StateFailed
)

func (s SourceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Source describes one registered sync source.
type Source struct {
	// Name identifies the source; it is also the checkpoint key.
	Name string
	// Connector pulls batches for the source.
	Connector Connector
	// Interval between incremental sync runs. Default one minute.
	Interval time.Duration
	// RateLimit caps fetches per second. Zero means unlimited.
	RateLimit rate.Limit
}

// SourceStatus is a point-in-time view of one source's scheduling state.
type SourceStatus struct {
	Name                string
	State               SourceState
	NextRun             time.Time
	ConsecutiveFailures int
	LastError           string
}

// sourceRuntime is a Source plus its live scheduling state.
type sourceRuntime struct {
	Source
	limiter *rate.Limiter

	mu       sync.Mutex
	state    SourceState
	nextRun  time.Time
	failures int
	lastErr  error
}

// Scheduler drives registered sources: each due source pulls one
// bounded batch through its connector, pushes every record through the
// resolver, and advances its checkpoint only after the batch committed.
// Sources run as independent workers; one failed source never blocks
// the others.
type Scheduler struct {
	resolver    *resolve.Resolver
	checkpoints storage.CheckpointRepository
	queue       *enrich.Queue
	embedProc   *embeddingProcessor
	pool        *ants.Pool

	sourcesMu sync.RWMutex
	sources   map[string]*sourceRuntime

	tick           time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration
	maxFailures    int
	enrichFraction float64
	enrichBudget   int

	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler) error

// WithPoolSize sets the worker pool size for concurrent source runs.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) SchedulerOption {
	return func(s *Scheduler) error {
		if size < 1 {
			size = 1
		}
		if s.pool != nil {
			s.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		s.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithBackoff sets the transient-failure backoff window.
// Defaults are 5s base doubling up to a 5m cap, with ±25% jitter.
func WithBackoff(base, cap time.Duration) SchedulerOption {
	return func(s *Scheduler) error {
		s.backoffBase = base
		s.backoffCap = cap
		return nil
	}
}

// WithMaxConsecutiveFailures sets the failure budget before a source is
// marked failed. Default 5.
func WithMaxConsecutiveFailures(n int) SchedulerOption {
	return func(s *Scheduler) error {
		if n < 1 {
			n = 1
		}
		s.maxFailures = n
		return nil
	}
}

// WithEnrichmentQueue wires the serving layer's enrichment signals into
// scheduling. fraction bounds how much of a run's budget goes to
// enrichment re-fetch work instead of incremental sync.
func WithEnrichmentQueue(queue *enrich.Queue, fraction float64) SchedulerOption {
	return func(s *Scheduler) error {
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		s.queue = queue
		s.enrichFraction = fraction
		return nil
	}
}

// WithEmbedding enables async taxon embedding after each committed
// batch: names of touched taxa are embedded and stored for vector search.
func WithEmbedding(taxa storage.TaxonRepository, embedder ai.Embedder) SchedulerOption {
	return func(s *Scheduler) error {
		proc, err := newEmbeddingProcessor(taxa, embedder, s.logger)
		if err != nil {
			return err
		}
		s.embedProc = proc
		return nil
	}
}

// WithTickInterval sets the scheduler's clock resolution. Default 1s.
// Mainly useful in tests.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) error {
		if d <= 0 {
			return errors.New("tick interval must be positive")
		}
		s.tick = d
		return nil
	}
}

// NewScheduler creates a Scheduler over the resolver and checkpoint store.
func NewScheduler(resolver *resolve.Resolver, checkpoints storage.CheckpointRepository, opts ...SchedulerOption) (*Scheduler, error) {
	if resolver == nil {
		return nil, ErrResolverRequired
	}
	if checkpoints == nil {
		return nil, ErrCheckpointRepositoryRequired
	}

	s := &Scheduler{
		resolver:       resolver,
		checkpoints:    checkpoints,
		sources:        make(map[string]*sourceRuntime),
		tick:           time.Second,
		backoffBase:    5 * time.Second,
		backoffCap:     5 * time.Minute,
		maxFailures:    5,
		enrichFraction: 0.25,
		enrichBudget:   100,
		logger:         slog.Default(),
		stopCh:         make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			if s.pool != nil {
				s.pool.Release()
			}
			return nil, err
		}
	}

	if s.pool == nil {
		size := runtime.NumCPU() / 2
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return nil, err
		}
		s.pool = pool
	}
	return s, nil
}

// Register adds a source to the schedule. The first run is due
// immediately.
func (s *Scheduler) Register(src Source) error {
	if src.Name == "" {
		return errors.New("source name required")
	}
	if src.Connector == nil {
		return ErrConnectorRequired
	}
	if src.Interval <= 0 {
		src.Interval = time.Minute
	}
	limit := src.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}

	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()
	if _, exists := s.sources[src.Name]; exists {
		return ErrSourceExists
	}
	s.sources[src.Name] = &sourceRuntime{
		Source:  src,
		limiter: rate.NewLimiter(limit, 1),
		state:   StateIdle,
		nextRun: time.Now(),
	}
	return nil
}

// Start runs the scheduling loop until ctx is cancelled or Stop is
// called. It returns immediately; work happens on the pool.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.dispatchDue(ctx)
			}
		}
	}()
}

// Stop halts the scheduling loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.pool.Release()
}

// RunOnce synchronously runs a single batch for one source, outside the
// schedule. Used by the CLI's one-shot sync mode.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.sourcesMu.RLock()
	rt, ok := s.sources[name]
	s.sourcesMu.RUnlock()
	if !ok {
		return ErrUnknownSource
	}
	return s.runBatch(ctx, rt)
}

// ResetSource puts a failed source back into rotation.
func (s *Scheduler) ResetSource(name string) error {
	s.sourcesMu.RLock()
	rt, ok := s.sources[name]
	s.sourcesMu.RUnlock()
	if !ok {
		return ErrUnknownSource
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.state = StateIdle
	rt.failures = 0
	rt.lastErr = nil
	rt.nextRun = time.Now()
	return nil
}

// Status reports the scheduling state of every registered source.
func (s *Scheduler) Status() []SourceStatus {
	s.sourcesMu.RLock()
	defer s.sourcesMu.RUnlock()

	statuses := make([]SourceStatus, 0, len(s.sources))
	for _, rt := range s.sources {
		rt.mu.Lock()
		status := SourceStatus{
			Name:                rt.Name,
			State:               rt.state,
			NextRun:             rt.nextRun,
			ConsecutiveFailures: rt.failures,
		}
		if rt.lastErr != nil {
			status.LastError = rt.lastErr.Error()
		}
		rt.mu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}

// dispatchDue submits every due source to the pool.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now()
	s.sourcesMu.RLock()
	defer s.sourcesMu.RUnlock()

	for _, rt := range s.sources {
		rt.mu.Lock()
		due := (rt.state == StateIdle || rt.state == StateBackoff) && !now.Before(rt.nextRun)
		if due {
			rt.state = StateRunning
		}
		rt.mu.Unlock()
		if !due {
			continue
		}

		current := rt
		if err := s.pool.Submit(func() { s.runSource(ctx, current) }); err != nil {
			// Pool saturated or released; try again next tick.
			current.mu.Lock()
			current.state = StateIdle
			current.mu.Unlock()
		}
	}
}

// runSource runs one batch and applies the state transition.
func (s *Scheduler) runSource(ctx context.Context, rt *sourceRuntime) {
	err := s.runBatch(ctx, rt)
	now := time.Now()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch {
	case err == nil:
		rt.state = StateIdle
		rt.failures = 0
		rt.lastErr = nil
		rt.nextRun = now.Add(rt.Interval)

	case IsPermanent(err):
		rt.state = StateFailed
		rt.lastErr = err
		s.logger.Error("source failed permanently",
			"source", rt.Name,
			"error", err)

	default:
		rt.failures++
		rt.lastErr = err
		if rt.failures >= s.maxFailures {
			rt.state = StateFailed
			s.logger.Error("source exceeded failure budget",
				"source", rt.Name,
				"failures", rt.failures,
				"error", err)
			return
		}
		delay := s.backoffDelay(rt.failures)
		rt.state = StateBackoff
		rt.nextRun = now.Add(delay)
		s.logger.Warn("source backing off",
			"source", rt.Name,
			"failures", rt.failures,
			"delay", delay,
			"error", err)
	}
}

// backoffDelay is exponential with ±25% jitter, capped.
func (s *Scheduler) backoffDelay(failures int) time.Duration {
	delay := s.backoffBase
	for i := 1; i < failures && delay < s.backoffCap; i++ {
		delay *= 2
	}
	if delay > s.backoffCap {
		delay = s.backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}

// runBatch pulls and commits one batch for a source. Enrichment
// re-fetch work is interleaved ahead of incremental work, then the
// checkpoint advances only after everything committed.
func (s *Scheduler) runBatch(ctx context.Context, rt *sourceRuntime) error {
	touched := make(map[core.ID]bool)

	if err := s.runEnrichment(ctx, rt, touched); err != nil {
		return err
	}

	checkpoint, err := s.checkpoints.LoadCheckpoint(ctx, rt.Name)
	if err != nil {
		return err
	}

	if err := rt.limiter.Wait(ctx); err != nil {
		return err
	}
	records, next, err := rt.Connector.FetchBatch(ctx, checkpoint)
	if err != nil {
		return err
	}
	if len(records) == 0 && next == nil {
		return nil // caught up
	}

	if err := s.resolveRecords(ctx, rt.Name, records, touched); err != nil {
		return err
	}

	// The whole batch is committed; only now may the cursor move.
	if next != nil {
		next.Source = rt.Name
		if err := s.checkpoints.SaveCheckpoint(ctx, next); err != nil {
			return err
		}
	}

	s.submitEmbedding(ctx, touched)
	return nil
}

// runEnrichment drains queued "viewed but incomplete" signals and
// re-fetches the highest-priority entities through the connector, when
// it supports that. Entries over budget go back on the queue.
func (s *Scheduler) runEnrichment(ctx context.Context, rt *sourceRuntime, touched map[core.ID]bool) error {
	if s.queue == nil {
		return nil
	}
	fetcher, ok := rt.Connector.(EnrichmentFetcher)
	if !ok {
		return nil
	}

	entries, err := s.queue.DrainAndCompact()
	if err != nil {
		s.logger.Warn("enrichment drain failed", "error", err)
		return nil // enrichment is best effort
	}
	if len(entries) == 0 {
		return nil
	}

	sortByPriority(entries, time.Now())
	budget := int(s.enrichFraction * float64(s.enrichBudget))
	if budget < 1 {
		budget = 1
	}
	if budget < len(entries) {
		// Requeue what this run cannot afford.
		for _, entry := range entries[budget:] {
			s.queue.Append(entry)
		}
		entries = entries[:budget]
	}

	if err := rt.limiter.Wait(ctx); err != nil {
		return err
	}
	records, err := fetcher.FetchEntities(ctx, entries)
	if err != nil {
		// Put the signals back; the next run retries them.
		for _, entry := range entries {
			s.queue.Append(entry)
		}
		return err
	}

	s.logger.Info("enrichment re-fetch",
		"source", rt.Name,
		"entries", len(entries),
		"records", len(records))
	return s.resolveRecords(ctx, rt.Name, records, touched)
}

// resolveRecords pushes records through the resolver. Invalid records
// are skipped and logged; conflicts are surfaced, never guessed.
func (s *Scheduler) resolveRecords(ctx context.Context, source string, records []*core.NormalizedRecord, touched map[core.ID]bool) error {
	var conflicts int
	for _, rec := range records {
		res, err := s.resolver.Resolve(ctx, rec)
		if err != nil {
			if errors.Is(err, core.ErrInvalidRecord) {
				s.logger.Warn("skipping invalid record",
					"source", source,
					"external_id", rec.ExternalID,
					"error", err)
				continue
			}
			return err
		}
		switch res.Outcome {
		case resolve.OutcomeConflict:
			conflicts++
			s.logger.Info("resolution conflict",
				"source", source,
				"external_id", rec.ExternalID,
				"reason", res.Reason)
		default:
			touched[res.TaxonID] = true
		}
	}
	if conflicts > 0 {
		s.logger.Warn("batch had resolution conflicts",
			"source", source,
			"conflicts", conflicts,
			"records", len(records))
	}
	return nil
}

// submitEmbedding queues async embedding work for touched taxa.
// Failures cost vector-search freshness only.
func (s *Scheduler) submitEmbedding(ctx context.Context, touched map[core.ID]bool) {
	if s.embedProc == nil || len(touched) == 0 {
		return
	}
	ids := make([]core.ID, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	if err := s.pool.Submit(func() {
		if err := s.embedProc.process(ctx, ids...); err != nil {
			s.logger.Warn("embedding enrichment failed",
				"taxa", len(ids),
				"error", err)
		}
	}); err != nil {
		s.logger.Warn("embedding enrichment not scheduled", "error", err)
	}
}

// sortByPriority orders enrichment entries by repeat views plus a
// recency bonus, highest first.
func sortByPriority(entries []core.EnrichmentEntry, now time.Time) {
	priority := func(e core.EnrichmentEntry) float64 {
		age := now.Sub(e.ObservedAt).Hours()
		if age < 0 {
			age = 0
		}
		return float64(e.Views) + 1.0/(1.0+age)
	}
	// Insertion sort keeps equal-priority entries in entity-id order,
	// which DrainAndCompact already established.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && priority(entries[j]) > priority(entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
