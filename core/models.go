package core

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for domain entities.
// It is derived from record content so that independent writers
// computing an ID for the same logical entity agree on it.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// EntityIDFrom derives the deterministic ID for a source record, so a
// retried ingestion of the same record upserts instead of duplicating.
func EntityIDFrom(t EntityType, source, externalID string) ID {
	return IDFromContent(t.String() + "|" + source + "|" + externalID)
}

// EntityType identifies the kind of canonical entity.
type EntityType int

const (
	// EntityTypeTaxon is a named organism.
	EntityTypeTaxon EntityType = iota + 1
	// EntityTypeObservation is a sighting of a taxon at a place and time.
	EntityTypeObservation
	// EntityTypeCompound is a chemical compound produced by a taxon.
	EntityTypeCompound
	// EntityTypeSequence is a genetic sequence attributed to a taxon.
	EntityTypeSequence
)

var entityTypeNames = map[EntityType]string{
	EntityTypeTaxon:       "taxon",
	EntityTypeObservation: "observation",
	EntityTypeCompound:    "compound",
	EntityTypeSequence:    "sequence",
}

func (t EntityType) String() string {
	if name, ok := entityTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseEntityType parses the wire name of an entity type.
// Returns 0 for unrecognized names.
func ParseEntityType(name string) EntityType {
	for t, n := range entityTypeNames {
		if n == name {
			return t
		}
	}
	return 0
}

// LatLng is a geographic coordinate in degrees.
type LatLng struct {
	Lat float64
	Lng float64
}

// Geometry is the spatial shape of an entity: a point, optionally
// extended with a polygon ring. The point anchors spatial indexing.
type Geometry struct {
	Point LatLng
	Ring  []LatLng
}

// Entity is the unified record produced by resolution.
// A zero ValidTo means the version is still valid.
type Entity struct {
	Id         ID
	Type       EntityType
	TaxonId    ID // owning taxon for satellite records; zero for taxa themselves
	Geometry   *Geometry
	State      map[string]string
	ObservedAt time.Time
	ValidFrom  time.Time
	ValidTo    time.Time
	Confidence float32
	Source     string
	Properties map[string]string
	CellId     uint64 // derived from Geometry, never trusted from callers
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Open reports whether this version is still valid.
func (e *Entity) Open() bool {
	return e.ValidTo.IsZero()
}

// ExternalID is a source-specific key for a taxon, unique per source.
type ExternalID struct {
	Source string
	Value  string
}

// Synonym is an alternate name for a taxon with its originating source.
type Synonym struct {
	Name   string
	Source string
}

// Taxon is the canonical record for a named organism, merged across sources.
type Taxon struct {
	Id             ID
	ScientificName string // name as written by the authoritative source
	CanonicalName  string // authorship stripped, whitespace collapsed
	Author         string
	Rank           string
	Source         string
	ExternalIDs    []ExternalID
	Synonyms       []Synonym
	Vector         []float32 // embedding for semantic search (populated by processors)
	InsertedAt     time.Time
	UpdatedAt      time.Time
}

// Key returns the identity tuple "(canonical_name,rank)" used for
// deterministic ID generation. The canonical name is case-folded so
// sources disagreeing on capitalization still collide.
func (t *Taxon) Key() string {
	return TaxonKey(t.CanonicalName, t.Rank)
}

// TaxonKey builds the identity tuple for a canonical name and rank.
func TaxonKey(canonicalName, rank string) string {
	return "(" + FoldName(canonicalName) + "," + rank + ")"
}

// Description renders the taxon as a short natural-language phrase,
// the input for embedding generation: canonical name, rank, author and
// synonyms, so semantically close names land close in vector space.
func (t *Taxon) Description() string {
	var b strings.Builder
	b.WriteString(t.CanonicalName)
	if t.Rank != "" {
		b.WriteString(", a ")
		b.WriteString(t.Rank)
	}
	if t.Author != "" {
		b.WriteString(", described by ")
		b.WriteString(t.Author)
	}
	if len(t.Synonyms) > 0 {
		b.WriteString(", also known as ")
		for i, syn := range t.Synonyms {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(syn.Name)
		}
	}
	return b.String()
}

// MissingAttributes lists the attribute names this taxon lacks. The
// serving layer uses a non-empty result to flag the taxon for
// enrichment when it is viewed.
func (t *Taxon) MissingAttributes() []string {
	var missing []string
	if t.Author == "" {
		missing = append(missing, "author")
	}
	if t.Rank == "" {
		missing = append(missing, "rank")
	}
	if len(t.Vector) == 0 {
		missing = append(missing, "vector")
	}
	return missing
}

// HasExternalID reports whether the taxon already carries the identifier.
func (t *Taxon) HasExternalID(source, value string) bool {
	for _, e := range t.ExternalIDs {
		if e.Source == source && e.Value == value {
			return true
		}
	}
	return false
}

// HasSynonym reports whether the taxon already carries the synonym name.
func (t *Taxon) HasSynonym(name string) bool {
	for _, s := range t.Synonyms {
		if s.Name == name {
			return true
		}
	}
	return false
}

// NormalizedRecord is the common ingestion record shape produced by
// source connectors. Type-specific fields travel in Fields and become
// the entity's properties after resolution.
type NormalizedRecord struct {
	Source          string
	ExternalID      string
	Type            EntityType
	ScientificName  string
	Author          string
	Rank            string
	TaxonExternalID string // satellite records: the taxon's id in the source's vocabulary
	Geometry        *Geometry
	ObservedAt      time.Time
	Confidence      float32
	Fields          map[string]string
}

// TaxonRef returns the external identifier naming this record's taxon
// in the source's vocabulary. For taxon records that is the record's
// own identifier; satellite records carry a separate reference, which
// may be empty when the source only names the taxon by string.
func (r *NormalizedRecord) TaxonRef() (source, externalID string) {
	if r.Type == EntityTypeTaxon {
		return r.Source, r.ExternalID
	}
	return r.Source, r.TaxonExternalID
}

// Checkpoint is the durable per-source cursor for incremental sync.
// Cursor is opaque to everything except the source's connector.
type Checkpoint struct {
	Source    string
	Cursor    string
	Page      int64
	UpdatedAt time.Time
}

// EnrichmentEntry is a "viewed but incomplete" signal from the serving
// layer. Views is populated by queue compaction, never by writers.
type EnrichmentEntry struct {
	EntityId   ID        `json:"entity_id"`
	Name       string    `json:"name"`
	ObservedAt time.Time `json:"observed_at"`
	Missing    []string  `json:"missing"`
	Views      int       `json:"-"`
}

// TextMatchKind classifies how the text backend matched a query.
type TextMatchKind int

const (
	// MatchExact is a full case-insensitive name match.
	MatchExact TextMatchKind = iota + 1
	// MatchPrefix is a name prefix match.
	MatchPrefix
	// MatchFuzzy is a substring or trigram match.
	MatchFuzzy
)

// TextMatch is a scored hit from the relational text backend.
type TextMatch struct {
	TaxonId ID
	Kind    TextMatchKind
	Score   float32
}

// SimilarityMatch is a scored hit from vector similarity search.
type SimilarityMatch struct {
	TaxonId ID
	Score   float32
}
