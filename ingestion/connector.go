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
	"fmt"

	"github.com/poiesic/bioindex/core"
)

// Connector pulls bounded batches of normalized records from a source.
// Implementations must be safe for use from the scheduler's worker pool.
type Connector interface {
	// FetchBatch returns the next batch after the checkpoint, together
	// with the checkpoint to persist once the batch is committed. A nil
	// checkpoint means start from the beginning. An empty batch means
	// the source is caught up.
	//
	// Failures must be classified: wrap with Transient for conditions
	// worth retrying (network, timeout, rate limit) and Permanent for
	// conditions that are not (malformed data, revoked credentials).
	FetchBatch(ctx context.Context, checkpoint *core.Checkpoint) ([]*core.NormalizedRecord, *core.Checkpoint, error)
}

// EnrichmentFetcher is an optional connector capability: re-fetching
// specific entities flagged by the enrichment queue. Connectors that
// don't implement it simply never receive enrichment work.
type EnrichmentFetcher interface {
	FetchEntities(ctx context.Context, entries []core.EnrichmentEntry) ([]*core.NormalizedRecord, error)
}

// TransientError marks a source failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a source failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent source error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is classified as retryable.
// Unclassified errors default to transient so an unannotated network
// hiccup doesn't take a source out of rotation.
func IsTransient(err error) bool {
	var permanent *PermanentError
	return !errors.As(err, &permanent)
}

// IsPermanent reports whether err is classified as not retryable.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
