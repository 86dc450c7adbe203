package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polystore.evalgo.org/model"
)

func view(id string, payload int) *model.MaterializedView {
	return &model.MaterializedView{
		Document: model.Document{ID: id},
		Payload:  make([]byte, payload),
	}
}

func TestCacheHitMiss(t *testing.T) {
	c := New(Config{MaxSize: 10})
	defer c.Close()

	_, ok := c.Get("absent")
	assert.False(t, ok)

	c.Put("doc-1", view("doc-1", 100))
	got, ok := c.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "doc-1", got.Document.ID)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, 1, stats.Entries)
}

func TestCacheLRUEviction(t *testing.T) {
	c := New(Config{MaxSize: 3})
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("doc-%d", i), view(fmt.Sprintf("doc-%d", i), 10))
	}

	// Touch doc-0 so doc-1 becomes least recently used.
	_, ok := c.Get("doc-0")
	require.True(t, ok)

	c.Put("doc-3", view("doc-3", 10))

	_, ok = c.Get("doc-1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("doc-0")
	assert.True(t, ok)
	_, ok = c.Get("doc-3")
	assert.True(t, ok)

	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCacheByteBudget(t *testing.T) {
	// Each view is ~256 bytes of overhead plus the payload. Budget fits two
	// large entries but not three.
	c := New(Config{MaxSize: 100, MaxBytes: 3000})
	defer c.Close()

	c.Put("doc-0", view("doc-0", 1000))
	c.Put("doc-1", view("doc-1", 1000))
	c.Put("doc-2", view("doc-2", 1000))

	stats := c.Stats()
	assert.Less(t, stats.Bytes, int64(3001))
	assert.Less(t, stats.Entries, 3)

	_, ok := c.Get("doc-0")
	assert.False(t, ok, "oldest entry should have been evicted for the byte budget")
}

func TestCacheTTLLazyExpiry(t *testing.T) {
	c := New(Config{MaxSize: 10})
	defer c.Close()

	c.PutTTL("doc-1", view("doc-1", 10), 20*time.Millisecond)

	_, ok := c.Get("doc-1")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	_, ok = c.Get("doc-1")
	assert.False(t, ok, "expired entry must not be served")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0, stats.Entries)
}

func TestCacheZeroTTLNeverExpires(t *testing.T) {
	c := New(Config{MaxSize: 10})
	defer c.Close()

	c.PutTTL("doc-1", view("doc-1", 10), 0)
	time.Sleep(10 * time.Millisecond)

	_, ok := c.Get("doc-1")
	assert.True(t, ok)
}

func TestCacheSweeper(t *testing.T) {
	c := New(Config{MaxSize: 10, SweepInterval: 10 * time.Millisecond})
	defer c.Close()

	c.PutTTL("doc-1", view("doc-1", 10), 15*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.Stats().Entries == 0
	}, time.Second, 5*time.Millisecond, "sweeper should remove the expired entry without an access")

	// Removed by the sweeper, not by a Get: no miss was counted.
	assert.Equal(t, uint64(0), c.Stats().Misses)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCacheInvalidate(t *testing.T) {
	c := New(Config{MaxSize: 10})
	defer c.Close()

	c.Put("doc-1", view("doc-1", 10))
	assert.True(t, c.Invalidate("doc-1"))
	assert.False(t, c.Invalidate("doc-1"))

	_, ok := c.Get("doc-1")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Invalidations)
}

func TestCacheInvalidatePattern(t *testing.T) {
	c := New(Config{MaxSize: 10})
	defer c.Close()

	c.Put("tenant-a/doc-1", view("doc-1", 10))
	c.Put("tenant-a/doc-2", view("doc-2", 10))
	c.Put("tenant-b/doc-3", view("doc-3", 10))

	dropped := c.InvalidatePattern(func(id string) bool {
		return strings.HasPrefix(id, "tenant-a/")
	})
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestCacheClear(t *testing.T) {
	c := New(Config{MaxSize: 10})
	defer c.Close()

	c.Put("doc-1", view("doc-1", 10))
	c.Put("doc-2", view("doc-2", 10))
	c.Clear()

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Bytes)
	assert.Equal(t, uint64(2), stats.Invalidations)
}

func TestCachePutReplacesEntry(t *testing.T) {
	c := New(Config{MaxSize: 10})
	defer c.Close()

	c.Put("doc-1", view("doc-1", 10))
	c.Put("doc-1", view("doc-1", 2000))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Greater(t, stats.Bytes, int64(2000))
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(Config{MaxSize: 100})
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("doc-%d", i%50)
				switch i % 3 {
				case 0:
					c.Put(id, view(id, 10))
				case 1:
					c.Get(id)
				default:
					c.Invalidate(id)
				}
			}
		}(g)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Entries, 100)
}
