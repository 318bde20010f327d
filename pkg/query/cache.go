package query

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zeebo/xxh3"

	"github.com/vjranagit/timeglass/pkg/types"
)

// Cache is an LRU cache of record listings with a per-entry TTL.
type Cache struct {
	capacity int
	lru      *expirable.LRU[uint64, []types.ProfilingRecord]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// NewCache creates a cache holding at most capacity listings for ttl each.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		lru:      expirable.NewLRU[uint64, []types.ProfilingRecord](capacity, nil, ttl),
	}
}

// Get returns a copy of the cached listing for p.
func (c *Cache) Get(p Params) ([]types.ProfilingRecord, bool) {
	records, ok := c.lru.Get(cacheKey(p))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return append(make([]types.ProfilingRecord, 0, len(records)), records...), true
}

// Put stores a listing for p, evicting the least recently used entry when full.
func (c *Cache) Put(p Params, records []types.ProfilingRecord) {
	c.lru.Add(cacheKey(p), append([]types.ProfilingRecord{}, records...))
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Size returns the number of entries, including expired ones not yet
// reclaimed.
func (c *Cache) Size() int {
	return c.lru.Len()
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Size:     c.lru.Len(),
		Capacity: c.capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}

// cacheKey hashes the fields that select a listing.
func cacheKey(p Params) uint64 {
	var b strings.Builder
	b.WriteString(strconv.Itoa(p.Limit))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(p.Offset))
	b.WriteByte('|')
	writeTime(&b, p.StartTime)
	b.WriteByte('|')
	writeTime(&b, p.EndTime)
	b.WriteByte('|')
	b.WriteString(p.Method)
	b.WriteByte('|')
	b.WriteString(strings.ToLower(p.PathContains))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(p.StatusCode))
	return xxh3.HashString(b.String())
}

func writeTime(b *strings.Builder, t *time.Time) {
	if t == nil {
		b.WriteByte('-')
		return
	}
	b.WriteString(strconv.FormatInt(t.UnixNano(), 10))
}
