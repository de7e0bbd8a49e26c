// Package cache holds the last-applied state of every remote item.
package cache

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"

	"confsync/internal/remote"
)

// Cache maps item keys to the last item applied locally. It is safe for
// concurrent use; readers never block each other.
type Cache struct {
	mu    sync.RWMutex
	items map[remote.Key]remote.Item
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{items: make(map[remote.Key]remote.Item)}
}

// Get returns a copy of the item cached under key.
func (c *Cache) Get(key remote.Key) (remote.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[key]
	if !ok {
		return remote.Item{}, false
	}
	return it.Clone(), true
}

// Put stores a copy of item under its key, replacing any previous entry.
func (c *Cache) Put(item remote.Item) {
	item = item.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.Key()] = item
}

// Delete removes key. It reports whether the key was present.
func (c *Cache) Delete(key remote.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

func (c *Cache) Has(key remote.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns every cached key sorted by category, then name.
func (c *Cache) Keys() []remote.Key {
	c.mu.RLock()
	keys := slices.Collect(maps.Keys(c.items))
	c.mu.RUnlock()
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Snapshot returns a deep copy of the cache contents.
func (c *Cache) Snapshot() map[remote.Key]remote.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[remote.Key]remote.Item, len(c.items))
	for k, it := range c.items {
		out[k] = it.Clone()
	}
	return out
}

// Status returns the cached modification time of every key, the local
// side of a diff.
func (c *Cache) Status() map[remote.Key]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[remote.Key]time.Time, len(c.items))
	for k, it := range c.items {
		out[k] = it.ModifiedTime
	}
	return out
}

func compareKeys(a, b remote.Key) int {
	return cmp.Or(cmp.Compare(a.Category, b.Category), cmp.Compare(a.Name, b.Name))
}
