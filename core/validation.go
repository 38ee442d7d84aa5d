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

import "fmt"

// ValidateEntity validates an Entity according to domain rules.
//
// Validation rules:
//   - Type must be a known EntityType
//   - ValidTo, when set, must not precede ValidFrom (rejected, never clamped)
//   - Geometry coordinates, when present, must lie within WGS84 bounds
//
// NOT validated:
//   - Confidence (clamped to [0,1] by the store at write time)
//   - CellId (recomputed from geometry by the store, caller input ignored)
//   - ID (zero is filled in from content by the store)
func ValidateEntity(entity *Entity) error {
	if entity == nil {
		return fmt.Errorf("%w: entity is nil", ErrInvalidEntity)
	}

	if err := ValidateEntityType(entity.Type); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, err)
	}

	if !entity.ValidTo.IsZero() && entity.ValidTo.Before(entity.ValidFrom) {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, ErrInvalidInterval)
	}

	if entity.Geometry != nil {
		if err := ValidateGeometry(entity.Geometry); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEntity, err)
		}
	}

	return nil
}

// ValidateNormalizedRecord validates an ingestion record before it
// reaches the resolver. Connectors are expected to call this at their
// boundary so malformed upstream payloads never enter resolution.
func ValidateNormalizedRecord(record *NormalizedRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}

	if err := ValidateEntityType(record.Type); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	if record.Source == "" {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, ErrEmptySource)
	}

	if record.ExternalID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, ErrEmptyExternalID)
	}

	if record.ScientificName == "" {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, ErrEmptyName)
	}

	if record.Geometry != nil {
		if err := ValidateGeometry(record.Geometry); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
	}

	return nil
}

// ValidateEntityType validates that an EntityType has a known value.
func ValidateEntityType(t EntityType) error {
	if _, ok := entityTypeNames[t]; !ok {
		return fmt.Errorf("%w: value %d", ErrInvalidEntityType, t)
	}
	return nil
}

// ValidateGeometry checks coordinates against WGS84 bounds.
func ValidateGeometry(g *Geometry) error {
	if !validLatLng(g.Point) {
		return fmt.Errorf("%w: point lat=%f lng=%f", ErrInvalidGeometry, g.Point.Lat, g.Point.Lng)
	}
	for i, p := range g.Ring {
		if !validLatLng(p) {
			return fmt.Errorf("%w: ring[%d] lat=%f lng=%f", ErrInvalidGeometry, i, p.Lat, p.Lng)
		}
	}
	return nil
}

// ClampConfidence forces a confidence value into [0,1].
func ClampConfidence(c float32) float32 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func validLatLng(p LatLng) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
