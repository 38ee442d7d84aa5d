package resolve

import "errors"

var (
	// ErrTaxonRepositoryRequired is returned when no taxon repository is provided.
	ErrTaxonRepositoryRequired = errors.New("taxon repository is required")

	// ErrEntityRepositoryRequired is returned when no entity repository is provided.
	ErrEntityRepositoryRequired = errors.New("entity repository is required")

	// ErrInvalidThresholds is returned when the review threshold is not
	// below the match threshold.
	ErrInvalidThresholds = errors.New("review threshold must be below match threshold")

	// ErrUnresolvedTaxon is returned when a satellite record cannot be
	// resolved to a taxon because resolution ended in conflict.
	ErrUnresolvedTaxon = errors.New("record taxon could not be resolved")
)
