package buildopt

import (
	"os"
	"sync"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

// CacheKey identifies one cache entry by its source and output paths.
type CacheKey struct {
	SourcePath string
	OutputPath string
}

// CacheEntry is a content-addressed build-artifact record, evicted by
// creation timestamp rather than access recency — an intentionally
// unusual rule worth preserving exactly.
type CacheEntry struct {
	SourceHash        string
	DefinesHash       string
	ToolchainVersion  string
	CompileDurationNs int64
	CreatedAtNs       int64
	Valid             bool
}

// Cache is the build optimizer's content-addressed artifact cache.
// Eviction is strictly by creation timestamp rather than access
// recency: FIFO-by-creation rather than conventional access-order LRU.
type Cache struct {
	mu             sync.RWMutex
	entries        map[CacheKey]*CacheEntry
	creation       []CacheKey // ordered oldest-first by CreatedAtNs
	outputToSource map[string]string
	maxEntries     int
	hits           int64
	misses         int64
	collisions     int64
}

// NewCache constructs a Cache bounded to maxEntries. A negative
// maxEntries disables the bound (capacity enforced only by the host's
// byte-size accounting elsewhere); zero makes Update reject every new
// entry with OutOfMemory.
func NewCache(maxEntries int) *Cache {
	return &Cache{
		entries:        make(map[CacheKey]*CacheEntry),
		outputToSource: make(map[string]string),
		maxEntries:     maxEntries,
	}
}

// Lookup checks for a usable artifact: a hit requires the entry to
// exist, be valid, have a matching source hash, and have an output
// file that still exists on disk.
func (c *Cache) Lookup(key CacheKey, currentSourceHash string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || !entry.Valid || entry.SourceHash != currentSourceHash {
		c.misses++
		return CacheEntry{}, false
	}
	if _, err := os.Stat(key.OutputPath); err != nil {
		c.misses++
		return CacheEntry{}, false
	}
	c.hits++
	return *entry, true
}

// Update replaces an existing entry or inserts a new one, evicting the oldest-by-creation entry
// when at capacity. Rejects the update with ErrHashCollision if
// output_path is already claimed by a different source_path — two
// sources must never share one output's cache slot.
func (c *Cache) Update(key CacheKey, sourceHash, definesHash, toolchainVersion string, compileDurationNs int64, now clock.Clock) (CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if claimedBy, exists := c.outputToSource[key.OutputPath]; exists && claimedBy != key.SourcePath {
		c.collisions++
		return CacheEntry{}, pkgerr.New(pkgerr.HashCollision, "output "+key.OutputPath+" already cached for a different source")
	}

	if existing, exists := c.entries[key]; exists {
		existing.SourceHash = sourceHash
		existing.DefinesHash = definesHash
		existing.ToolchainVersion = toolchainVersion
		existing.CompileDurationNs = compileDurationNs
		existing.CreatedAtNs = now.NowNano()
		existing.Valid = true
		c.touchCreationOrder(key)
		return *existing, nil
	}

	if c.maxEntries == 0 {
		return CacheEntry{}, pkgerr.New(pkgerr.OutOfMemory, "cache capacity is zero")
	}
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	entry := &CacheEntry{
		SourceHash:        sourceHash,
		DefinesHash:       definesHash,
		ToolchainVersion:  toolchainVersion,
		CompileDurationNs: compileDurationNs,
		CreatedAtNs:       now.NowNano(),
		Valid:             true,
	}
	c.entries[key] = entry
	c.creation = append(c.creation, key)
	c.outputToSource[key.OutputPath] = key.SourcePath
	return *entry, nil
}

// Invalidate marks an entry invalid without removing it, so a
// subsequent build can still observe "previously cached but stale".
func (c *Cache) Invalidate(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, exists := c.entries[key]; exists {
		entry.Valid = false
	}
}

// evictOldest removes the entry with the smallest CreatedAtNs,
// exactly "LRU by creation_timestamp" — not access time.
func (c *Cache) evictOldest() {
	if len(c.creation) == 0 {
		return
	}
	oldest := c.creation[0]
	c.creation = c.creation[1:]
	delete(c.entries, oldest)
	delete(c.outputToSource, oldest.OutputPath)
}

// touchCreationOrder re-stamps key's position in the creation-order
// slice after an Update refreshes its CreatedAtNs, preserving the
// invariant that creation is sorted oldest-first.
func (c *Cache) touchCreationOrder(key CacheKey) {
	for i, k := range c.creation {
		if k == key {
			c.creation = append(c.creation[:i], c.creation[i+1:]...)
			break
		}
	}
	c.creation = append(c.creation, key)
}

// Stats reports the cache's observable counters, including hit rate.
type Stats struct {
	Entries        int
	Hits           int64
	Misses         int64
	HitRatePercent float64
	Collisions     int64
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = 100 * float64(c.hits) / float64(total)
	}
	return Stats{
		Entries:        len(c.entries),
		Hits:           c.hits,
		Misses:         c.misses,
		HitRatePercent: rate,
		Collisions:     c.collisions,
	}
}

// Len reports the current entry count, for exactness assertions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
