package semantic

import (
	"fmt"
	"sync"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/domain"
	"modelgate/internal/telemetry"
)

// Cache is the struct-of-arrays semantic cache described by spec §4.1:
// an in-process column-major embedding matrix, a parallel metadata
// slice, and a single RWMutex guarding both, since a lookup reads the
// matrix and a miss writes it. There is no per-entry locking; the
// number of entries is bounded (config.MaxEntries), so contention stays
// cheap relative to an inference call.
type Cache struct {
	mu sync.RWMutex

	dim               int
	maxEntries        int
	threshold         float32
	hitProtectionSecs int64

	mat      *matrix
	entries  []*domain.CacheEntry // nil where the slot is free
	nEntries int
	byHash   map[string]int // prompt hash -> column, exact-match fast path

	metrics *telemetry.Metrics

	hits   int64
	misses int64
}

// New creates an empty cache sized per cfg.
func New(cfg config.CacheConfig, metrics *telemetry.Metrics) *Cache {
	return &Cache{
		dim:               cfg.Dimension,
		maxEntries:        cfg.MaxEntries,
		threshold:         cfg.SimilarityThreshold,
		hitProtectionSecs: cfg.HitProtectionSecs,
		mat:               newMatrix(cfg.Dimension, cfg.MaxEntries),
		entries:           make([]*domain.CacheEntry, cfg.MaxEntries),
		byHash:            make(map[string]int, cfg.MaxEntries),
		metrics:           metrics,
	}
}

// LookupResult is the outcome of a Lookup call.
type LookupResult struct {
	Hit        bool
	Response   string
	Similarity float32
}

// Lookup checks for a semantically similar prior prompt. vec is the
// query embedding (already generated by the caller) and promptHash is
// the exact-match key for the literal prompt string — an exact hit is
// always reported with similarity 1.0 without running the cosine scan.
func (c *Cache) Lookup(promptHash string, vec []float32) LookupResult {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if col, ok := c.byHash[promptHash]; ok {
		entry := c.entries[col]
		if entry != nil {
			c.recordHit(col, entry)
			c.observeLookup(start, true)
			return LookupResult{Hit: true, Response: entry.Response, Similarity: 1.0}
		}
	}

	qNorm := norm(vec)
	bestCol := -1
	var bestSim float32

	for col := 0; col < c.maxEntries; col++ {
		if c.entries[col] == nil {
			continue
		}
		sim := c.mat.cosineSimilarity(vec, qNorm, col)
		if sim > bestSim {
			bestSim = sim
			bestCol = col
		}
	}

	if bestCol >= 0 && bestSim >= c.threshold {
		entry := c.entries[bestCol]
		c.recordHit(bestCol, entry)
		c.observeLookup(start, true)
		return LookupResult{Hit: true, Response: entry.Response, Similarity: bestSim}
	}

	c.observeLookup(start, false)
	return LookupResult{Hit: false}
}

func (c *Cache) recordHit(col int, entry *domain.CacheEntry) {
	entry.HitCount++
	entry.LastHitAt = time.Now()
	c.hits++
	_ = col
}

func (c *Cache) observeLookup(start time.Time, hit bool) {
	elapsed := time.Since(start)
	if c.metrics == nil {
		if !hit {
			c.misses++
		}
		return
	}
	if hit {
		c.metrics.RecordCacheHit(elapsed)
	} else {
		c.misses++
		c.metrics.RecordCacheMiss(elapsed)
	}
}

// Insert adds a new entry, evicting the lowest-scoring occupied slot
// (spec §4.1's hit-weighted eviction: created_at + hit_count*H) once the
// cache is at capacity.
func (c *Cache) Insert(promptHash, preview, response string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("semantic: cannot insert empty embedding")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	col := c.findFreeSlot()
	if col < 0 {
		col = c.evict()
	}

	entry := &domain.CacheEntry{
		PromptHash:    promptHash,
		PromptPreview: preview,
		Response:      response,
		CreatedAt:     time.Now(),
		LastHitAt:     time.Now(),
		HitCount:      0,
	}

	if old := c.entries[col]; old != nil {
		delete(c.byHash, old.PromptHash)
	} else {
		c.nEntries++
	}

	c.mat.set(col, vec)
	c.entries[col] = entry
	c.byHash[promptHash] = col

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(c.nEntries))
	}
	return nil
}

func (c *Cache) findFreeSlot() int {
	for col, e := range c.entries {
		if e == nil {
			return col
		}
	}
	return -1
}

// evict returns the column with the lowest
// created_at.Unix() + hit_count*H score, ties broken toward the lowest
// index (deterministic, since neither source specifies a tie-break).
func (c *Cache) evict() int {
	bestCol := 0
	var bestScore float64 = -1

	for col, e := range c.entries {
		if e == nil {
			continue
		}
		score := float64(e.CreatedAt.Unix()) + float64(e.HitCount)*float64(c.hitProtectionSecs)
		if bestScore < 0 || score < bestScore {
			bestScore = score
			bestCol = col
		}
	}

	if old := c.entries[bestCol]; old != nil {
		delete(c.byHash, old.PromptHash)
	}
	c.mat.clear(bestCol)
	if c.metrics != nil {
		c.metrics.CacheEvictions.Inc()
	}
	return bestCol
}

// Invalidate removes the entry for a specific prompt hash, or every
// entry when promptHash is empty.
func (c *Cache) Invalidate(promptHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if promptHash == "" {
		for col := range c.entries {
			c.entries[col] = nil
			c.mat.clear(col)
		}
		c.byHash = make(map[string]int, c.maxEntries)
		c.nEntries = 0
	} else if col, ok := c.byHash[promptHash]; ok {
		c.entries[col] = nil
		c.mat.clear(col)
		delete(c.byHash, promptHash)
		c.nEntries--
	}

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(c.nEntries))
	}
}

// Stats reports current occupancy and hit/miss counters.
type Stats struct {
	Entries    int
	Capacity   int
	Hits       int64
	Misses     int64
	HitRatePct float64
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total) * 100
	}

	return Stats{
		Entries:    c.nEntries,
		Capacity:   c.maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		HitRatePct: rate,
	}
}
