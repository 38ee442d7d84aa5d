// Package mock provides deterministic ai test doubles: embeddings are
// derived from a hash of the input text, so identical text always
// yields identical vectors without any external service.
package mock
