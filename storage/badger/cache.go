package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// cacheKeyPrefix namespaces cache entries away from the record and
// index key spaces.
const cacheKeyPrefix = "cache:"

// TTLCache is a byte cache on top of the badger backend, using badger's
// native entry expiry. Expired entries read as absent.
type TTLCache struct {
	backend *Backend
}

// NewTTLCache creates a cache over an open backend.
func NewTTLCache(backend *Backend) (*TTLCache, error) {
	if backend == nil {
		return nil, errors.New("backend required")
	}
	return &TTLCache{backend: backend}, nil
}

// Get returns the cached value and whether it was present.
func (c *TTLCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.backend.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(cacheKeyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// SetTTL stores a value that expires after ttl.
func (c *TTLCache) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.backend.db.Update(func(tx *badger.Txn) error {
		entry := badger.NewEntry([]byte(cacheKeyPrefix+key), value).WithTTL(ttl)
		return tx.SetEntry(entry)
	})
}
