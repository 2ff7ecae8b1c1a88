// Package intentcache is a bounded, TTL'd cache for interpretation
// results. Eviction follows insertion order, not read recency: the memory
// bound matters more than hit rate, and the oldest-created entry is the
// one whose TTL runs out first anyway. Values are deep-copied on both
// write and read so a caller mutating a result can never corrupt the
// cached copy.
package intentcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/copystructure"
	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Cache is a bounded FIFO-evicting cache. The zero value is not usable;
// construct with New.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   []string // insertion order, oldest first
	maxSize int
	now     func() time.Time

	group singleflight.Group
}

// New creates a cache holding at most maxSize entries.
func New[V any](maxSize int) *Cache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache[V]{
		entries: make(map[string]*entry[V]),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// NewWithNow creates a cache using the given time source.
func NewWithNow[V any](maxSize int, now func() time.Time) *Cache[V] {
	c := New[V](maxSize)
	c.now = now
	return c
}

// Key derives a deterministic cache key from normalized message text and
// a conversation fingerprint. The fingerprint excludes volatile context
// fields so identical phrasing by the same user reuses cached intents.
func Key(text, fingerprint string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(fingerprint + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// Get returns a deep copy of the cached value, or ok=false when the key
// is absent or expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.remove(key)
		var zero V
		return zero, false
	}
	return deepCopy(e.value), true
}

// Set stores a deep copy of value under key. Entries are immutable once
// created: setting an existing key replaces the entry wholesale.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value, ttl)
}

func (c *Cache[V]) set(key string, value V, ttl time.Duration) {
	if _, ok := c.entries[key]; ok {
		c.remove(key)
	}
	if len(c.entries) >= c.maxSize {
		// Evict the oldest-created entry; a just-inserted entry is by
		// construction never at the head.
		c.remove(c.order[0])
	}
	now := c.now()
	c.entries[key] = &entry[V]{
		value:     deepCopy(value),
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	c.order = append(c.order, key)
}

// remove drops key from entries and its position in insertion order.
// Caller holds c.mu.
func (c *Cache[V]) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Len returns the number of live entries, counting expired ones until
// they are lazily collected.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrCompute returns the cached value for key, or runs compute once and
// caches its result for ttl. Concurrent callers with the same key share a
// single compute invocation; each still receives an isolated copy.
// Compute failures propagate and are never cached.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have stored
		// the value between our miss and the flight starting.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return deepCopy(v.(V)), nil
}

func deepCopy[V any](v V) V {
	cp, err := copystructure.Copy(v)
	if err != nil {
		// Cached values are plain data structures; Copy only fails on
		// unsupported kinds like channels.
		return v
	}
	return cp.(V)
}
