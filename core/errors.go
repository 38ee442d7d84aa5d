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


package core

import "errors"

// Domain validation errors
var (
	// ErrInvalidEntity indicates an Entity failed validation.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidRecord indicates a NormalizedRecord failed validation.
	ErrInvalidRecord = errors.New("invalid ingestion record")

	// ErrInvalidEntityType indicates an unrecognized EntityType value.
	ErrInvalidEntityType = errors.New("invalid entity type")

	// ErrInvalidInterval indicates ValidTo is earlier than ValidFrom.
	ErrInvalidInterval = errors.New("valid_to precedes valid_from")

	// ErrInvalidGeometry indicates coordinates outside WGS84 bounds.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrEmptyName indicates a required scientific name is empty.
	ErrEmptyName = errors.New("scientific name cannot be empty")

	// ErrEmptySource indicates the record source is empty.
	ErrEmptySource = errors.New("source cannot be empty")

	// ErrEmptyExternalID indicates the record's external identifier is empty.
	ErrEmptyExternalID = errors.New("external id cannot be empty")
)
