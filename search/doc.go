// Package search merges lexical and semantic search over taxa into one
// ranked response.
//
// A query fans out concurrently to a text backend (exact, prefix and
// fuzzy name matching) and a vector backend (embedding similarity),
// each under its own timeout. Matches are merged by taxon id: a hit
// confirmed by both backends gets a cross-validation boost, a hit from
// only one backend is discounted. When exactly one backend fails the
// response is served from the other and flagged Degraded; when both
// fail the search errors rather than returning silently empty results.
//
// Merged results are cached for a short TTL and concurrent identical
// queries collapse onto one upstream fan-out via singleflight.
package search
