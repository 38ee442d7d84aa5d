package search

import "github.com/poiesic/bioindex/core"

// SearchMonitor receives callbacks as a search moves through its
// stages. Implementations can use this for diagnostics or progress
// reporting. All methods may be called from different goroutines.
type SearchMonitor interface {
	// Start is called once with the normalized query.
	Start(query string)

	// CacheHit is called when a cached result is served.
	CacheHit(key string)

	// SharedFlight is called when the query was deduplicated onto a
	// concurrent identical request.
	SharedFlight(key string)

	// AfterTextSearch is called with the text backend's outcome.
	AfterTextSearch(matches []core.TextMatch, err error)

	// AfterVectorSearch is called with the vector backend's outcome.
	AfterVectorSearch(matches []core.SimilarityMatch, err error)

	// AfterMerge is called with the merged hit count and whether the
	// response is degraded.
	AfterMerge(hits int, degraded bool)

	// Finish is called once with the hydrated result.
	Finish(result *Result)
}

// noopMonitor ignores all callbacks.
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (m *noopMonitor) Start(string)                                  {}
func (m *noopMonitor) CacheHit(string)                               {}
func (m *noopMonitor) SharedFlight(string)                           {}
func (m *noopMonitor) AfterTextSearch([]core.TextMatch, error)       {}
func (m *noopMonitor) AfterVectorSearch([]core.SimilarityMatch, error) {}
func (m *noopMonitor) AfterMerge(int, bool)                          {}
func (m *noopMonitor) Finish(*Result)                                {}
