// Package cache implements the bounded single-record read cache that sits in
// front of the coordinator's read path. It maps a document id to the last
// materialized view with LRU eviction, a per-entry TTL checked lazily on
// access, and an optional background sweeper.
//
// A single mutex protects the map and the recency list; every critical
// section is O(1) and never encloses backend I/O. The cache never initiates
// backend calls: a miss returns absent and the caller performs the backing
// read.
package cache

import (
	"container/list"
	"sync"
	"time"

	"polystore.evalgo.org/model"
)

// Config controls capacity and expiry.
type Config struct {
	// MaxSize is the LRU capacity in entries. <= 0 means 1000.
	MaxSize int
	// MaxBytes bounds the estimated resident size. 0 disables the byte budget.
	MaxBytes int64
	// DefaultTTL applies to entries stored without an explicit TTL.
	// 0 disables expiry for those entries.
	DefaultTTL time.Duration
	// SweepInterval is the background sweep period. 0 disables the sweeper.
	SweepInterval time.Duration
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
	Entries       int
	Bytes         int64
	HitRate       float64
	AvgAccessTime time.Duration
}

type entry struct {
	id         string
	view       *model.MaterializedView
	size       int64
	ttl        time.Duration
	createdAt  time.Time
	lastAccess time.Time
	accesses   uint64
	elem       *list.Element
}

// Cache is a thread-safe LRU+TTL map from document id to materialized view.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	bytes   int64

	maxSize    int
	maxBytes   int64
	defaultTTL time.Duration

	hits          uint64
	misses        uint64
	evictions     uint64
	invalidations uint64
	accessNanos   int64
	accessOps     uint64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a cache and starts the sweeper when configured.
func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxSize:    cfg.MaxSize,
		maxBytes:   cfg.MaxBytes,
		defaultTTL: cfg.DefaultTTL,
	}
	if cfg.SweepInterval > 0 {
		c.stopSweep = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweep(cfg.SweepInterval)
	}
	return c
}

// Get returns the cached view for id, or nil when absent or expired.
// Expired entries encountered here are removed and counted as misses.
func (c *Cache) Get(id string) (*model.MaterializedView, bool) {
	start := time.Now()
	c.mu.Lock()
	defer func() {
		c.accessNanos += time.Since(start).Nanoseconds()
		c.accessOps++
		c.mu.Unlock()
	}()

	e, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expired(e, time.Now()) {
		c.remove(e)
		c.evictions++
		c.misses++
		return nil, false
	}

	e.lastAccess = time.Now()
	e.accesses++
	c.lru.MoveToFront(e.elem)
	c.hits++
	return e.view, true
}

// Put stores a view under id with the default TTL.
func (c *Cache) Put(id string, view *model.MaterializedView) {
	c.PutTTL(id, view, c.defaultTTL)
}

// PutTTL stores a view with an explicit TTL; 0 disables expiry for the entry.
func (c *Cache) PutTTL(id string, view *model.MaterializedView, ttl time.Duration) {
	size := view.EstimatedSize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[id]; ok {
		c.remove(old)
	}

	now := time.Now()
	e := &entry{
		id:         id,
		view:       view,
		size:       size,
		ttl:        ttl,
		createdAt:  now,
		lastAccess: now,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
	c.bytes += size

	for len(c.entries) > c.maxSize || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.remove(back.Value.(*entry))
		c.evictions++
	}
}

// Invalidate drops the entry for id. Returns true when an entry was present.
func (c *Cache) Invalidate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	c.remove(e)
	c.invalidations++
	return true
}

// InvalidatePattern drops every entry whose id matches the predicate and
// returns how many were dropped.
func (c *Cache) InvalidatePattern(match func(id string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dropped int
	for id, e := range c.entries {
		if match(id) {
			c.remove(e)
			c.invalidations++
			dropped++
		}
	}
	return dropped
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.lru.Init()
	c.bytes = 0
	c.invalidations += uint64(n)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
		Entries:       len(c.entries),
		Bytes:         c.bytes,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.accessOps > 0 {
		s.AvgAccessTime = time.Duration(c.accessNanos / int64(c.accessOps))
	}
	return s
}

// Close stops the background sweeper. Safe to call when none is running.
func (c *Cache) Close() {
	if c.stopSweep == nil {
		return
	}
	close(c.stopSweep)
	<-c.sweepDone
	c.stopSweep = nil
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
}

// remove unlinks an entry. Caller holds the lock.
func (c *Cache) remove(e *entry) {
	delete(c.entries, e.id)
	c.lru.Remove(e.elem)
	c.bytes -= e.size
}

func (c *Cache) sweep(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for _, e := range c.entries {
				if c.expired(e, now) {
					c.remove(e)
					c.evictions++
				}
			}
			c.mu.Unlock()
		}
	}
}
