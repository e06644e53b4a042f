package semantic

import (
	"testing"

	"modelgate/internal/config"
)

func testCache(maxEntries int) *Cache {
	cfg := config.CacheConfig{
		Dimension:           8,
		MaxEntries:          maxEntries,
		SimilarityThreshold: 0.9,
		HitProtectionSecs:   3600,
	}
	return New(cfg, nil)
}

func unitVec(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := testCache(4)
	res := c.Lookup("abc", unitVec(8, 0))
	if res.Hit {
		t.Fatal("expected miss on empty cache")
	}
}

func TestInsertThenExactHashHit(t *testing.T) {
	c := testCache(4)
	vec := unitVec(8, 0)
	if err := c.Insert("h1", "prompt", "the answer", vec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	res := c.Lookup("h1", vec)
	if !res.Hit || res.Response != "the answer" || res.Similarity != 1.0 {
		t.Fatalf("expected exact hash hit, got %+v", res)
	}
}

func TestLookupSimilarVectorAboveThreshold(t *testing.T) {
	c := testCache(4)
	vec := unitVec(8, 0)
	c.Insert("h1", "prompt", "cached", vec)

	// a near-identical vector (same direction, different magnitude) has
	// cosine similarity 1.0 regardless of threshold
	near := []float32{2, 0, 0, 0, 0, 0, 0, 0}
	res := c.Lookup("different-hash", near)
	if !res.Hit {
		t.Fatal("expected cosine-similarity hit")
	}
}

func TestLookupBelowThresholdMisses(t *testing.T) {
	c := testCache(4)
	c.Insert("h1", "prompt", "cached", unitVec(8, 0))

	orthogonal := unitVec(8, 1)
	res := c.Lookup("other-hash", orthogonal)
	if res.Hit {
		t.Fatalf("expected miss for orthogonal vector, got similarity %f", res.Similarity)
	}
}

func TestEvictionPicksLowestScore(t *testing.T) {
	c := testCache(2)
	c.Insert("old", "p1", "r1", unitVec(8, 0))
	c.Insert("new", "p2", "r2", unitVec(8, 1))

	// cache is full; a third insert must evict one of the two
	c.Insert("third", "p3", "r3", unitVec(8, 2))

	if c.Stats().Entries != 2 {
		t.Fatalf("expected capacity-bounded entry count of 2, got %d", c.Stats().Entries)
	}
}

func TestInvalidateSingle(t *testing.T) {
	c := testCache(4)
	vec := unitVec(8, 0)
	c.Insert("h1", "p", "r", vec)
	c.Invalidate("h1")

	res := c.Lookup("h1", vec)
	if res.Hit {
		t.Fatal("expected miss after invalidating the only matching entry")
	}
}

func TestInvalidateAll(t *testing.T) {
	c := testCache(4)
	c.Insert("h1", "p1", "r1", unitVec(8, 0))
	c.Insert("h2", "p2", "r2", unitVec(8, 1))
	c.Invalidate("")

	if c.Stats().Entries != 0 {
		t.Fatalf("expected 0 entries after invalidate-all, got %d", c.Stats().Entries)
	}
}

// TestHitIdempotence covers invariant I2: repeated hits on the same
// entry must not change its cached response.
func TestHitIdempotence(t *testing.T) {
	c := testCache(4)
	vec := unitVec(8, 0)
	c.Insert("h1", "p", "r1", vec)

	for i := 0; i < 5; i++ {
		res := c.Lookup("h1", vec)
		if res.Response != "r1" {
			t.Fatalf("response changed across repeated hits: %q", res.Response)
		}
	}
}

func TestInsertEmptyEmbeddingRejected(t *testing.T) {
	c := testCache(4)
	if err := c.Insert("h1", "p", "r", nil); err == nil {
		t.Fatal("expected error inserting empty embedding")
	}
}
