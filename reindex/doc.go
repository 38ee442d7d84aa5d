// Package reindex provides batch maintenance passes over the canonical
// store: regenerating taxon embedding vectors after a model change and
// recomputing spatial cell assignments after an indexing change.
//
// Passes support batch iteration, progress tracking and retry with
// exponential backoff. Regenerated vectors are normalized to unit
// length for cosine similarity search.
package reindex
