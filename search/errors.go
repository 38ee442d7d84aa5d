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


package search

import "errors"

var (
	// ErrTextBackendRequired is returned when a text backend is not provided.
	ErrTextBackendRequired = errors.New("text backend required")

	// ErrVectorBackendRequired is returned when a vector backend is not provided.
	ErrVectorBackendRequired = errors.New("vector backend required")

	// ErrTaxonRepositoryRequired is returned when a taxon repository is not provided.
	ErrTaxonRepositoryRequired = errors.New("taxon repository required")

	// ErrAllBackendsFailed is returned when both fan-out backends fail;
	// a silently empty result is never served.
	ErrAllBackendsFailed = errors.New("all search backends failed")

	// ErrEmptyQuery is returned for queries that normalize to nothing.
	ErrEmptyQuery = errors.New("empty query")
)
