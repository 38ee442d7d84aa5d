package ingestion

import "errors"

var (
	// ErrResolverRequired is returned when a resolver is not provided.
	ErrResolverRequired = errors.New("resolver required")

	// ErrCheckpointRepositoryRequired is returned when a checkpoint repository is not provided.
	ErrCheckpointRepositoryRequired = errors.New("checkpoint repository required")

	// ErrConnectorRequired is returned when a source is registered without a connector.
	ErrConnectorRequired = errors.New("source connector required")

	// ErrSourceExists is returned when a source name is registered twice.
	ErrSourceExists = errors.New("source already registered")

	// ErrUnknownSource is returned for operations on an unregistered source.
	ErrUnknownSource = errors.New("unknown source")

	// ErrSchedulerStopped is returned when work is submitted after Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)
