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

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
)

// Hand-written MUS serializers for the persisted record types.
// Field order is part of the storage format; append new fields at the
// end and never reorder. Map keys are marshaled in sorted order so a
// record's bytes are deterministic.

// ErrNegativeLength indicates a corrupted length prefix.
var ErrNegativeLength = errors.New("negative length prefix")

// IDMUS serializes IDs.
var IDMUS = idMUS{}

type idMUS struct{}

func (idMUS) Marshal(v ID, bs []byte) (n int) {
	return varint.Uint64.Marshal(uint64(v), bs)
}

func (idMUS) Unmarshal(bs []byte) (v ID, n int, err error) {
	u, n, err := varint.Uint64.Unmarshal(bs)
	return ID(u), n, err
}

func (idMUS) Size(v ID) (n int) {
	return varint.Uint64.Size(uint64(v))
}

// EntityMUS serializes canonical entities.
var EntityMUS = entityMUS{}

type entityMUS struct{}

func (entityMUS) Marshal(v Entity, bs []byte) (n int) {
	n = IDMUS.Marshal(v.Id, bs)
	n += varint.Int.Marshal(int(v.Type), bs[n:])
	n += IDMUS.Marshal(v.TaxonId, bs[n:])
	n += marshalGeometry(v.Geometry, bs[n:])
	n += marshalStringMap(v.State, bs[n:])
	n += marshalTime(v.ObservedAt, bs[n:])
	n += marshalTime(v.ValidFrom, bs[n:])
	n += marshalTime(v.ValidTo, bs[n:])
	n += raw.Float32.Marshal(v.Confidence, bs[n:])
	n += ord.String.Marshal(v.Source, bs[n:])
	n += marshalStringMap(v.Properties, bs[n:])
	n += varint.Uint64.Marshal(v.CellId, bs[n:])
	n += marshalTime(v.CreatedAt, bs[n:])
	n += marshalTime(v.UpdatedAt, bs[n:])
	return
}

func (entityMUS) Unmarshal(bs []byte) (v Entity, n int, err error) {
	var n1 int
	if v.Id, n, err = IDMUS.Unmarshal(bs); err != nil {
		return
	}
	var typ int
	if typ, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	v.Type = EntityType(typ)
	n += n1
	if v.TaxonId, n1, err = IDMUS.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.Geometry, n1, err = unmarshalGeometry(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.State, n1, err = unmarshalStringMap(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.ObservedAt, n1, err = unmarshalTime(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.ValidFrom, n1, err = unmarshalTime(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.ValidTo, n1, err = unmarshalTime(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.Confidence, n1, err = raw.Float32.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.Source, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.Properties, n1, err = unmarshalStringMap(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.CellId, n1, err = varint.Uint64.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.CreatedAt, n1, err = unmarshalTime(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.UpdatedAt, n1, err = unmarshalTime(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	return
}

func (entityMUS) Size(v Entity) (n int) {
	n = IDMUS.Size(v.Id)
	n += varint.Int.Size(int(v.Type))
	n += IDMUS.Size(v.TaxonId)
	n += sizeGeometry(v.Geometry)
	n += sizeStringMap(v.State)
	n += sizeTime(v.ObservedAt)
	n += sizeTime(v.ValidFrom)
	n += sizeTime(v.ValidTo)
	n += raw.Float32.Size(v.Confidence)
	n += ord.String.Size(v.Source)
	n += sizeStringMap(v.Properties)
	n += varint.Uint64.Size(v.CellId)
	n += sizeTime(v.CreatedAt)
	n += sizeTime(v.UpdatedAt)
	return
}

// TaxonMUS serializes canonical taxa.
var TaxonMUS = taxonMUS{}

type taxonMUS struct{}

func (taxonMUS) Marshal(v Taxon, bs []byte) (n int) {
	n = IDMUS.Marshal(v.Id, bs)
	n += ord.String.Marshal(v.ScientificName, bs[n:])
	n += ord.String.Marshal(v.CanonicalName, bs[n:])
	n += ord.String.Marshal(v.Author, bs[n:])
	n += ord.String.Marshal(v.Rank, bs[n:])
	n += ord.String.Marshal(v.Source, bs[n:])
	n += varint.Int.Marshal(len(v.ExternalIDs), bs[n:])
	for _, e := range v.ExternalIDs {
		n += ord.String.Marshal(e.Source, bs[n:])
		n += ord.String.Marshal(e.Value, bs[n:])
	}
	n += varint.Int.Marshal(len(v.Synonyms), bs[n:])
	for _, s := range v.Synonyms {
		n += ord.String.Marshal(s.Name, bs[n:])
		n += ord.String.Marshal(s.Source, bs[n:])
	}
	n += marshalVector(v.Vector, bs[n:])
	n += marshalTime(v.InsertedAt, bs[n:])
	n += marshalTime(v.UpdatedAt, bs[n:])
	return
}

func (taxonMUS) Unmarshal(bs []byte) (v Taxon, n int, err error) {
	var n1 int
	if v.Id, n, err = IDMUS.Unmarshal(bs); err != nil {
		return
	}
	for _, dst := range []*string{&v.ScientificName, &v.CanonicalName, &v.Author, &v.Rank, &v.Source} {
		if *dst, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
			return v, n + n1, err
		}
		n += n1
	}
	var count int
	if count, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if count < 0 {
		return v, n, ErrNegativeLength
	}
	if count > 0 {
		v.ExternalIDs = make([]ExternalID, count)
		for i := range v.ExternalIDs {
			if v.ExternalIDs[i].Source, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
				return v, n + n1, err
			}
			n += n1
			if v.ExternalIDs[i].Value, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
				return v, n + n1, err
			}
			n += n1
		}
	}
	if count, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if count < 0 {
		return v, n, ErrNegativeLength
	}
	if count > 0 {
		v.Synonyms = make([]Synonym, count)
		for i := range v.Synonyms {
			if v.Synonyms[i].Name, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
				return v, n + n1, err
			}
			n += n1
			if v.Synonyms[i].Source, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
				return v, n + n1, err
			}
			n += n1
		}
	}
	if v.Vector, n1, err = unmarshalVector(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.InsertedAt, n1, err = unmarshalTime(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.UpdatedAt, n1, err = unmarshalTime(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	return
}

func (taxonMUS) Size(v Taxon) (n int) {
	n = IDMUS.Size(v.Id)
	n += ord.String.Size(v.ScientificName)
	n += ord.String.Size(v.CanonicalName)
	n += ord.String.Size(v.Author)
	n += ord.String.Size(v.Rank)
	n += ord.String.Size(v.Source)
	n += varint.Int.Size(len(v.ExternalIDs))
	for _, e := range v.ExternalIDs {
		n += ord.String.Size(e.Source)
		n += ord.String.Size(e.Value)
	}
	n += varint.Int.Size(len(v.Synonyms))
	for _, s := range v.Synonyms {
		n += ord.String.Size(s.Name)
		n += ord.String.Size(s.Source)
	}
	n += sizeVector(v.Vector)
	n += sizeTime(v.InsertedAt)
	n += sizeTime(v.UpdatedAt)
	return
}

// CheckpointMUS serializes sync checkpoints.
var CheckpointMUS = checkpointMUS{}

type checkpointMUS struct{}

func (checkpointMUS) Marshal(v Checkpoint, bs []byte) (n int) {
	n = ord.String.Marshal(v.Source, bs)
	n += ord.String.Marshal(v.Cursor, bs[n:])
	n += varint.Int64.Marshal(v.Page, bs[n:])
	n += marshalTime(v.UpdatedAt, bs[n:])
	return
}

func (checkpointMUS) Unmarshal(bs []byte) (v Checkpoint, n int, err error) {
	var n1 int
	if v.Source, n, err = ord.String.Unmarshal(bs); err != nil {
		return
	}
	if v.Cursor, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.Page, n1, err = varint.Int64.Unmarshal(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	if v.UpdatedAt, n1, err = unmarshalTime(bs[n:]); err != nil {
		return v, n + n1, err
	}
	n += n1
	return
}

func (checkpointMUS) Size(v Checkpoint) (n int) {
	n = ord.String.Size(v.Source)
	n += ord.String.Size(v.Cursor)
	n += varint.Int64.Size(v.Page)
	n += sizeTime(v.UpdatedAt)
	return
}

// time is stored as a presence flag plus Unix microseconds, so the
// zero value (open validity interval) survives a round trip.

func marshalTime(v time.Time, bs []byte) (n int) {
	set := !v.IsZero()
	n = ord.Bool.Marshal(set, bs)
	if set {
		n += varint.Int64.Marshal(v.UnixMicro(), bs[n:])
	}
	return
}

func unmarshalTime(bs []byte) (v time.Time, n int, err error) {
	set, n, err := ord.Bool.Unmarshal(bs)
	if err != nil || !set {
		return
	}
	micro, n1, err := varint.Int64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v = time.UnixMicro(micro).UTC()
	return
}

func sizeTime(v time.Time) (n int) {
	n = ord.Bool.Size(!v.IsZero())
	if !v.IsZero() {
		n += varint.Int64.Size(v.UnixMicro())
	}
	return
}

func marshalStringMap(m map[string]string, bs []byte) (n int) {
	keys := slices.Sorted(maps.Keys(m))
	n = varint.Int.Marshal(len(keys), bs)
	for _, k := range keys {
		n += ord.String.Marshal(k, bs[n:])
		n += ord.String.Marshal(m[k], bs[n:])
	}
	return
}

func unmarshalStringMap(bs []byte) (m map[string]string, n int, err error) {
	count, n, err := varint.Int.Unmarshal(bs)
	if err != nil {
		return
	}
	if count < 0 {
		return nil, n, ErrNegativeLength
	}
	if count == 0 {
		return
	}
	m = make(map[string]string, count)
	var n1 int
	for i := 0; i < count; i++ {
		var k, v string
		if k, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
			return m, n + n1, err
		}
		n += n1
		if v, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
			return m, n + n1, err
		}
		n += n1
		m[k] = v
	}
	return
}

func sizeStringMap(m map[string]string) (n int) {
	n = varint.Int.Size(len(m))
	for k, v := range m {
		n += ord.String.Size(k)
		n += ord.String.Size(v)
	}
	return
}

func marshalVector(v []float32, bs []byte) (n int) {
	n = varint.Int.Marshal(len(v), bs)
	for _, f := range v {
		n += raw.Float32.Marshal(f, bs[n:])
	}
	return
}

func unmarshalVector(bs []byte) (v []float32, n int, err error) {
	count, n, err := varint.Int.Unmarshal(bs)
	if err != nil {
		return
	}
	if count < 0 {
		return nil, n, ErrNegativeLength
	}
	if count == 0 {
		return
	}
	v = make([]float32, count)
	var n1 int
	for i := range v {
		if v[i], n1, err = raw.Float32.Unmarshal(bs[n:]); err != nil {
			return v, n + n1, err
		}
		n += n1
	}
	return
}

func sizeVector(v []float32) (n int) {
	n = varint.Int.Size(len(v))
	for _, f := range v {
		n += raw.Float32.Size(f)
	}
	return
}

func marshalGeometry(g *Geometry, bs []byte) (n int) {
	n = ord.Bool.Marshal(g != nil, bs)
	if g == nil {
		return
	}
	n += raw.Float64.Marshal(g.Point.Lat, bs[n:])
	n += raw.Float64.Marshal(g.Point.Lng, bs[n:])
	n += varint.Int.Marshal(len(g.Ring), bs[n:])
	for _, p := range g.Ring {
		n += raw.Float64.Marshal(p.Lat, bs[n:])
		n += raw.Float64.Marshal(p.Lng, bs[n:])
	}
	return
}

func unmarshalGeometry(bs []byte) (g *Geometry, n int, err error) {
	set, n, err := ord.Bool.Unmarshal(bs)
	if err != nil || !set {
		return
	}
	g = &Geometry{}
	var n1 int
	if g.Point.Lat, n1, err = raw.Float64.Unmarshal(bs[n:]); err != nil {
		return g, n + n1, err
	}
	n += n1
	if g.Point.Lng, n1, err = raw.Float64.Unmarshal(bs[n:]); err != nil {
		return g, n + n1, err
	}
	n += n1
	var count int
	if count, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return g, n + n1, err
	}
	n += n1
	if count < 0 {
		return g, n, ErrNegativeLength
	}
	if count > 0 {
		g.Ring = make([]LatLng, count)
		for i := range g.Ring {
			if g.Ring[i].Lat, n1, err = raw.Float64.Unmarshal(bs[n:]); err != nil {
				return g, n + n1, err
			}
			n += n1
			if g.Ring[i].Lng, n1, err = raw.Float64.Unmarshal(bs[n:]); err != nil {
				return g, n + n1, err
			}
			n += n1
		}
	}
	return
}

func sizeGeometry(g *Geometry) (n int) {
	n = ord.Bool.Size(g != nil)
	if g == nil {
		return
	}
	n += raw.Float64.Size(g.Point.Lat)
	n += raw.Float64.Size(g.Point.Lng)
	n += varint.Int.Size(len(g.Ring))
	for range g.Ring {
		n += 2 * raw.Float64.Size(0)
	}
	return
}
