package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/metrics"
)

// Record is a decoded asset held by the cache. The scene graph is shared read-only.
type Record struct {
	Key          asset.Key         `json:"key"`
	Scene        *asset.SceneGraph `json:"-"`
	Stats        asset.Stats       `json:"stats"`
	Metadata     asset.Metadata    `json:"metadata"`
	LastAccessed time.Time         `json:"last_accessed"`
	Priority     asset.Priority    `json:"priority"`
	SizeBytes    int64             `json:"size_bytes"`
}

// Stats summarizes cache usage. TotalBytes never exceeds BudgetBytes.
type Stats struct {
	TotalBytes  int64 `json:"total_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
	EntryCount  int   `json:"entry_count"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Refused     int64 `json:"refused"`
}

// HitRate returns hits / (hits + misses), zero before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	record Record
	// accessSeq and insertSeq are logical clocks; eviction order never depends on wall time.
	accessSeq uint64
	insertSeq uint64
}

// Cache is a byte-budgeted store of decoded assets. Eviction removes the lowest
// priority entries first and the least recently used within a priority.
type Cache struct {
	mu      sync.Mutex
	entries map[asset.Key]*entry
	budget  int64
	total   int64
	seq     uint64

	hits      int64
	misses    int64
	evictions int64
	refused   int64

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics exports cache counters through m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides the wall clock used for LastAccessed.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for eviction and refusal messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a cache holding at most budgetBytes.
func New(budgetBytes int64, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[asset.Key]*entry),
		budget:  budgetBytes,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the record for key and marks it as recently used.
func (c *Cache) Get(key asset.Key) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.metrics.CacheLookup(false)
		return Record{}, false
	}
	c.hits++
	c.metrics.CacheLookup(true)
	c.seq++
	e.accessSeq = c.seq
	e.record.LastAccessed = c.now()
	return e.record, true
}

// Has reports whether key is cached without touching recency or counters.
func (c *Cache) Has(key asset.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Put stores a decoded asset. When the budget would be exceeded, entries with a
// priority at or below the incoming one are evicted. If the record cannot fit even
// then, nothing is evicted and asset.ErrCacheFull is returned.
func (c *Cache) Put(key asset.Key, scene *asset.SceneGraph, stats asset.Stats, meta asset.Metadata, priority asset.Priority) error {
	if err := key.Validate(); err != nil {
		return err
	}
	size := stats.ByteSize
	if size <= 0 {
		size = scene.EstimateSize()
	}
	if size <= 0 {
		return fmt.Errorf("cannot cache %s: unknown size", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var replaced int64
	if old, ok := c.entries[key]; ok {
		replaced = old.record.SizeBytes
	}

	needed := c.total - replaced + size - c.budget
	var victims []*entry
	if needed > 0 {
		var freed int64
		for _, e := range c.evictionOrderLocked() {
			if e.record.Key == key {
				continue
			}
			if e.record.Priority > priority {
				break
			}
			victims = append(victims, e)
			freed += e.record.SizeBytes
			if freed >= needed {
				break
			}
		}
		if freed < needed {
			c.refused++
			c.metrics.CacheRefusal()
			c.logger.Debug("cache refused insert",
				"key", key, "size", humanize.IBytes(uint64(size)), "priority", priority,
				"total", humanize.IBytes(uint64(c.total)), "budget", humanize.IBytes(uint64(c.budget)))
			return fmt.Errorf("insert %s (%d bytes): %w", key, size, asset.ErrCacheFull)
		}
	}

	for _, v := range victims {
		c.removeLocked(v.record.Key)
		c.evictions++
		c.logger.Debug("cache evicted", "key", v.record.Key, "priority", v.record.Priority, "size", humanize.IBytes(uint64(v.record.SizeBytes)))
	}
	c.metrics.CacheEvicted(len(victims))

	if replaced > 0 {
		c.removeLocked(key)
	}

	c.seq++
	c.entries[key] = &entry{
		record: Record{
			Key:          key,
			Scene:        scene,
			Stats:        stats,
			Metadata:     meta,
			LastAccessed: c.now(),
			Priority:     priority,
			SizeBytes:    size,
		},
		accessSeq: c.seq,
		insertSeq: c.seq,
	}
	c.total += size
	c.metrics.CacheUsage(c.total, len(c.entries))
	return nil
}

// Remove deletes key from the cache.
func (c *Cache) Remove(key asset.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.removeLocked(key)
	c.metrics.CacheUsage(c.total, len(c.entries))
	return true
}

// Clear drops every record. Hit and miss counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[asset.Key]*entry)
	c.total = 0
	c.metrics.CacheUsage(0, 0)
}

// Promote changes the eviction priority of a cached record.
func (c *Cache) Promote(key asset.Key, priority asset.Priority) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.record.Priority = priority
	return true
}

// Stats returns a consistent snapshot of usage counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalBytes:  c.total,
		BudgetBytes: c.budget,
		EntryCount:  len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Refused:     c.refused,
	}
}

// Keys returns cached keys in eviction order, next victim first.
func (c *Cache) Keys() []asset.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	order := c.evictionOrderLocked()
	keys := make([]asset.Key, len(order))
	for i, e := range order {
		keys[i] = e.record.Key
	}
	return keys
}

// RecordInfo describes a cached record without its scene graph.
type RecordInfo struct {
	Key          asset.Key      `json:"key"`
	Priority     asset.Priority `json:"priority"`
	SizeBytes    int64          `json:"size_bytes"`
	Triangles    int            `json:"triangles"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// Snapshot lists cached records in eviction order.
func (c *Cache) Snapshot() []RecordInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	order := c.evictionOrderLocked()
	infos := make([]RecordInfo, len(order))
	for i, e := range order {
		infos[i] = RecordInfo{
			Key:          e.record.Key,
			Priority:     e.record.Priority,
			SizeBytes:    e.record.SizeBytes,
			Triangles:    e.record.Stats.Triangles,
			LastAccessed: e.record.LastAccessed,
		}
	}
	return infos
}

func (c *Cache) removeLocked(key asset.Key) {
	e := c.entries[key]
	c.total -= e.record.SizeBytes
	delete(c.entries, key)
}

func (c *Cache) evictionOrderLocked() []*entry {
	order := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		order = append(order, e)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.record.Priority != b.record.Priority {
			return a.record.Priority < b.record.Priority
		}
		if a.accessSeq != b.accessSeq {
			return a.accessSeq < b.accessSeq
		}
		return a.insertSeq < b.insertSeq
	})
	return order
}
