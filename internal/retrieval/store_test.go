package retrieval

import (
	"context"
	"errors"
	"testing"

	"modelgate/internal/config"
	"modelgate/internal/domain"
)

type fakeEmbedder struct {
	vecFor map[string][]float32
	failOn map[string]bool
}

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.failOn[text] {
		return nil, errors.New("embedding backend unavailable")
	}
	if v, ok := f.vecFor[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 0}, nil
}

func testStore() *Store {
	return New(config.RetrievalConfig{
		Enabled:   true,
		TopK:      2,
		Threshold: 0.5,
		ChunkSize: 1000,
	}, nil)
}

func TestAddAndSearch(t *testing.T) {
	s := testStore()
	emb := fakeEmbedder{vecFor: map[string][]float32{
		"paris is the capital of france": {1, 0, 0, 0},
	}}

	n, err := s.Add(context.Background(), domain.Document{ID: "d1", Content: "paris is the capital of france"}, emb)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 chunk added, got %d", n)
	}

	results := s.Search([]float32{1, 0, 0, 0})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Similarity < 0.99 {
		t.Fatalf("expected near-1.0 similarity, got %f", results[0].Similarity)
	}
}

func TestSearchBelowThresholdExcluded(t *testing.T) {
	s := testStore()
	emb := fakeEmbedder{vecFor: map[string][]float32{"x": {1, 0, 0, 0}}}
	s.Add(context.Background(), domain.Document{ID: "d1", Content: "x"}, emb)

	results := s.Search([]float32{0, 1, 0, 0}) // orthogonal
	if len(results) != 0 {
		t.Fatalf("expected no results below threshold, got %d", len(results))
	}
}

func TestSearchRespectsTopK(t *testing.T) {
	s := testStore()
	emb := fakeEmbedder{vecFor: map[string][]float32{
		"a": {1, 0, 0, 0},
		"b": {1, 0.01, 0, 0},
		"c": {1, 0.02, 0, 0},
	}}
	s.Add(context.Background(), domain.Document{ID: "d1", Content: "a"}, emb)
	s.Add(context.Background(), domain.Document{ID: "d1", Content: "b"}, emb)
	s.Add(context.Background(), domain.Document{ID: "d1", Content: "c"}, emb)

	results := s.Search([]float32{1, 0, 0, 0})
	if len(results) != 2 {
		t.Fatalf("expected topK=2 results, got %d", len(results))
	}
}

func TestClearRemovesAllChunks(t *testing.T) {
	s := testStore()
	emb := fakeEmbedder{vecFor: map[string][]float32{"a": {1, 0, 0, 0}}}
	s.Add(context.Background(), domain.Document{ID: "d1", Content: "a"}, emb)
	s.Clear()

	if s.Count() != 0 {
		t.Fatalf("expected 0 chunks after clear, got %d", s.Count())
	}
}

func TestAddSkipsFailedChunkButKeepsTheRest(t *testing.T) {
	s := New(config.RetrievalConfig{Enabled: true, TopK: 2, Threshold: 0.5, ChunkSize: 2}, nil)
	emb := fakeEmbedder{
		vecFor: map[string][]float32{"cd": {1, 0, 0, 0}},
		failOn: map[string]bool{"ab": true},
	}

	n, err := s.Add(context.Background(), domain.Document{ID: "d1", Content: "abcd"}, emb)
	if err != nil {
		t.Fatalf("add should not abort on a single chunk embedding failure: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 surviving chunk, got %d", n)
	}
	if s.Count() != 1 {
		t.Fatalf("expected the successfully embedded chunk to still be stored, got %d", s.Count())
	}
}

func TestSplitIntoChunks(t *testing.T) {
	chunks := splitIntoChunks("abcdefghij", 4)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "abcd" || chunks[2] != "ij" {
		t.Fatalf("unexpected chunking: %v", chunks)
	}
}
