// Package ingestion drives the sync pipeline: registered source
// connectors are scheduled independently, each run pulls one bounded
// batch, pushes every record through the resolver, and advances the
// per-source checkpoint only after the batch committed.
//
// Transient source failures back off exponentially; permanent ones (or
// an exhausted failure budget) take only that source out of rotation.
// Enrichment signals from the serving layer are drained before a run
// and interleaved as re-fetch work ahead of ordinary incremental sync.
// Taxon embedding runs asynchronously on the worker pool after commit;
// its failures are logged, never fatal.
package ingestion
