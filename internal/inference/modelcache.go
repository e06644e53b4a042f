package inference

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingEngine wraps an Engine with an in-memory LRU over Embed calls,
// the single-process analogue of the teacher's ModelCacheService: that
// service memoized tenant/provider model-ID resolutions to cut
// round-trips, this memoizes embedding calls for repeated text, which
// the semantic cache and retrieval store both issue on every request.
type CachingEngine struct {
	inner Engine
	cache *lru.Cache[string, []float32]
}

// NewCachingEngine wraps inner with an LRU of the given capacity. A
// non-positive size disables caching and calls through directly.
func NewCachingEngine(inner Engine, size int) *CachingEngine {
	if size <= 0 {
		size = 1
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachingEngine{inner: inner, cache: cache}
}

// Loaded delegates to the wrapped engine.
func (c *CachingEngine) Loaded() bool { return c.inner.Loaded() }

// Generate delegates to the wrapped engine; generation is not
// memoized since the semantic cache already owns response reuse.
func (c *CachingEngine) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return c.inner.Generate(ctx, req)
}

// Embed returns a cached vector for text when present, otherwise calls
// through to the wrapped engine and stores the result.
func (c *CachingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, vec)
	return vec, nil
}
