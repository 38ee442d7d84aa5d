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


// Package geo computes hierarchical spatial-cell identifiers.
//
// A cell id encodes a quadtree cell over the WGS84 lat/lng plane:
// the cell's interleaved (Morton) coordinates in the high bits and its
// level in the low six bits. Cells at the same level tile the plane;
// a cell's children share its Morton prefix, so a coarse cell maps to
// a contiguous Morton range at any finer level. That property is what
// the entity store's cell index range-scans rely on.
//
// CellID is a pure function of geometry: recomputing it for identical
// input always yields the identical identifier.
package geo

import "github.com/poiesic/bioindex/core"

const (
	// MaxLevel is the deepest supported quadtree level. 28 levels of
	// 2-bit refinement plus the 6 level bits fit in a uint64.
	MaxLevel = 28

	// IndexLevel is the fixed resolution at which entities are indexed
	// (cells of roughly 600 m at the equator).
	IndexLevel = 16

	levelBits = 6
	levelMask = (1 << levelBits) - 1
)

// Bounds is a rectangular lat/lng area used for spatial queries.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// Contains reports whether the point lies inside the bounds.
func (b Bounds) Contains(p core.LatLng) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// CellID returns the cell identifier of the geometry at the given
// level. Polygon geometries are anchored at their ring centroid.
// Returns 0 for nil geometry.
func CellID(g *core.Geometry, level int) uint64 {
	if g == nil {
		return 0
	}
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	u, v := discretize(Anchor(g), level)
	return interleave(u, v, level)<<levelBits | uint64(level)
}

// Level extracts the quadtree level from a cell id.
func Level(id uint64) int {
	return int(id & levelMask)
}

// Morton extracts the interleaved cell coordinates from a cell id.
func Morton(id uint64) uint64 {
	return id >> levelBits
}

// Parent returns the enclosing cell one level up.
// The level-1 cell is its own parent.
func Parent(id uint64) uint64 {
	level := Level(id)
	if level <= 1 {
		return id
	}
	return (Morton(id) >> 2 << levelBits) | uint64(level-1)
}

// ContainsCell reports whether parent encloses child (or equals it).
func ContainsCell(parent, child uint64) bool {
	pl, cl := Level(parent), Level(child)
	if pl > cl {
		return false
	}
	return Morton(child)>>(2*(cl-pl)) == Morton(parent)
}

// MortonRange returns the half-open Morton range [lo, hi) that the
// cell covers at the (finer or equal) target level.
func MortonRange(id uint64, level int) (lo, hi uint64) {
	shift := 2 * (level - Level(id))
	if shift < 0 {
		shift = 0
	}
	lo = Morton(id) << shift
	hi = (Morton(id) + 1) << shift
	return
}

// maxCoverCells caps how many cells Cover may return; the level is
// coarsened until the bounds fit.
const maxCoverCells = 64

// Cover returns cell ids tiling the bounds. The requested level is
// coarsened as needed so that no more than maxCoverCells are returned,
// which keeps large query boxes cheap at the cost of over-fetching.
func Cover(b Bounds, level int) []uint64 {
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}

	for ; level > 1; level-- {
		u0, v0 := discretize(core.LatLng{Lat: b.MinLat, Lng: b.MinLng}, level)
		u1, v1 := discretize(core.LatLng{Lat: b.MaxLat, Lng: b.MaxLng}, level)
		if (u1-u0+1)*(v1-v0+1) <= maxCoverCells {
			break
		}
	}

	u0, v0 := discretize(core.LatLng{Lat: b.MinLat, Lng: b.MinLng}, level)
	u1, v1 := discretize(core.LatLng{Lat: b.MaxLat, Lng: b.MaxLng}, level)

	cells := make([]uint64, 0, (u1-u0+1)*(v1-v0+1))
	for u := u0; u <= u1; u++ {
		for v := v0; v <= v1; v++ {
			cells = append(cells, interleave(u, v, level)<<levelBits|uint64(level))
		}
	}
	return cells
}

// Anchor returns the point that positions the geometry: the point
// itself, or the centroid of the polygon ring when one is present.
func Anchor(g *core.Geometry) core.LatLng {
	if len(g.Ring) == 0 {
		return g.Point
	}
	var lat, lng float64
	for _, p := range g.Ring {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(g.Ring))
	return core.LatLng{Lat: lat / n, Lng: lng / n}
}

// discretize maps a coordinate onto the 2^level x 2^level grid.
func discretize(p core.LatLng, level int) (u, v uint64) {
	side := float64(uint64(1) << level)
	u = clampCell((p.Lng+180)/360*side, level)
	v = clampCell((p.Lat+90)/180*side, level)
	return
}

func clampCell(f float64, level int) uint64 {
	max := (uint64(1) << level) - 1
	if f < 0 {
		return 0
	}
	c := uint64(f)
	if c > max {
		return max
	}
	return c
}

// interleave builds the Morton code of (u, v), u bits in the even
// positions, most significant pair first.
func interleave(u, v uint64, level int) uint64 {
	var m uint64
	for i := level - 1; i >= 0; i-- {
		m = m<<1 | (u>>uint(i))&1
		m = m<<1 | (v>>uint(i))&1
	}
	return m
}
