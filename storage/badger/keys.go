package badger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/poiesic/bioindex/core"
)

// Key prefixes for different data types
const (
	entityRecordPrefix  = "entrec"
	entityCellPrefix    = "entcell"
	entityTimePrefix    = "enttime"
	entityTaxonPrefix   = "enttax"
	entityHistoryPrefix = "enthist"
	taxonRecordPrefix   = "taxrec"
	taxonExtIDPrefix    = "taxext"
	taxonNamePrefix     = "taxname"
	checkpointPrefix    = "synccp"
)

// makeEntityKey generates a key for the current version of an entity.
func makeEntityKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", entityRecordPrefix, id))
}

// makeEntityHistoryKey generates a key for a closed entity version.
// Format: prefix:id:closedAt, both BigEndian so versions sort in
// closing order under the entity's prefix.
func makeEntityHistoryKey(id core.ID, closedAt time.Time) []byte {
	prefix := []byte(entityHistoryPrefix + ":")
	buf := make([]byte, len(prefix)+16)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(closedAt.UnixMicro()))
	return buf
}

// makePartialEntityHistoryKey generates the scan prefix for one
// entity's history.
func makePartialEntityHistoryKey(id core.ID) []byte {
	prefix := []byte(entityHistoryPrefix + ":")
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// makeEntityCellKey generates a composite key for the spatial index.
// Format: prefix:morton:id, BigEndian so cells of one Morton range are
// contiguous.
func makeEntityCellKey(morton uint64, id core.ID) []byte {
	prefix := []byte(entityCellPrefix + ":")
	buf := make([]byte, len(prefix)+16)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], morton)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// makePartialEntityCellKey generates a partial key for Morton range scans.
func makePartialEntityCellKey(morton uint64) []byte {
	prefix := []byte(entityCellPrefix + ":")
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], morton)
	return buf
}

// makeEntityTimeKey generates a composite key for the observed_at index.
// Format: prefix:timestamp:id
func makeEntityTimeKey(observedAt time.Time, id core.ID) []byte {
	prefix := []byte(entityTimePrefix + ":")
	buf := make([]byte, len(prefix)+16)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(observedAt.UnixMicro()))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// makePartialEntityTimeKey generates a partial key for time range queries.
func makePartialEntityTimeKey(observedAt time.Time) []byte {
	prefix := []byte(entityTimePrefix + ":")
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(observedAt.UnixMicro()))
	return buf
}

// makeEntityTaxonKey generates a composite key linking a satellite
// entity to its owning taxon. Format: prefix:taxonID:entityID
func makeEntityTaxonKey(taxonID, entityID core.ID) []byte {
	prefix := []byte(entityTaxonPrefix + ":")
	buf := make([]byte, len(prefix)+16)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(taxonID))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(entityID))
	return buf
}

// makePartialEntityTaxonKey generates a partial key for per-taxon scans.
func makePartialEntityTaxonKey(taxonID core.ID) []byte {
	prefix := []byte(entityTaxonPrefix + ":")
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(taxonID))
	return buf
}

// makeTaxonKey generates a key for a taxon by ID.
func makeTaxonKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", taxonRecordPrefix, id))
}

// makeTaxonExtIDKey generates the external-identifier index key.
// This key is the uniqueness constraint for (source, external_id).
func makeTaxonExtIDKey(source, value string) []byte {
	return []byte(taxonExtIDPrefix + ":" + source + ":" + value)
}

// makeTaxonNameKey generates the (rank, folded canonical name) index key.
func makeTaxonNameKey(rank, foldedName string) []byte {
	return []byte(taxonNamePrefix + ":" + rank + ":" + foldedName)
}

// makePartialTaxonNameKey generates the scan prefix for all names at a rank.
func makePartialTaxonNameKey(rank string) []byte {
	return []byte(taxonNamePrefix + ":" + rank + ":")
}

// makeCheckpointKey generates a key for per-source sync checkpoints.
func makeCheckpointKey(source string) []byte {
	return []byte(checkpointPrefix + ":" + source)
}
