package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

// Cache wraps Otter for caching execute results of prepared statements.
// Entries are keyed by (stable statement id, parameter values) so the same
// statement executed with different parameters caches separately. TTLs come
// from the statement's cache_ttl policy; the cache never influences
// descriptor lifetime.
type Cache struct {
	store otter.CacheWithVariableTTL[string, []byte]
}

// New creates a new cache with the specified max size
func New(maxSize int) (*Cache, error) {
	store, err := otter.MustBuilder[string, []byte](maxSize).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	return &Cache{store: store}, nil
}

// ExecuteKey builds the cache key for one execution of a prepared
// statement. The statement id is length-free (fixed 4 bytes); each argument
// is length-prefixed so adjacent values cannot run into each other.
func ExecuteKey(statementID uint32, args []any) string {
	key := make([]byte, 4, 64)
	binary.LittleEndian.PutUint32(key, statementID)
	for _, arg := range args {
		var s string
		switch v := arg.(type) {
		case nil:
			s = "\x00nil"
		case []byte:
			s = string(v)
		case string:
			s = v
		default:
			s = fmt.Sprintf("%v", v)
		}
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
		key = append(key, l[:]...)
		key = append(key, s...)
	}
	return string(key)
}

// Get retrieves a cached result by key
func (c *Cache) Get(key string) ([]byte, bool) {
	return c.store.Get(key)
}

// Set stores a result with the specified TTL
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.store.Set(key, value, ttl)
}

// Delete removes an entry from the cache
func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}

// Close releases the cache's resources
func (c *Cache) Close() {
	c.store.Close()
}
