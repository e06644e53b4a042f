// Package retrieval implements the document retrieval store (spec §4.2):
// an append-only chunk store searched by cosine similarity, used to
// ground generation with retrieved context before dispatch.
package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/domain"
	"modelgate/internal/telemetry"
)

// chunkRecord pairs a stored chunk with its embedding.
type chunkRecord struct {
	chunk domain.RetrievalChunk
	vec   []float32
}

// Store is an in-process, append-only document chunk store. Unlike the
// semantic cache it has no fixed capacity or eviction policy — documents
// are added deliberately via the ingestion boundary, not as a side
// effect of every request.
type Store struct {
	mu sync.RWMutex

	chunkSize int
	topK      int
	threshold float32

	records []chunkRecord
	metrics *telemetry.Metrics

	// persistHook, when set, is fired (off the request path) after every
	// Add and Clear so a configured snapshot store stays in sync with
	// the in-memory state.
	persistHook func()
}

// New creates an empty retrieval store sized per cfg.
func New(cfg config.RetrievalConfig, metrics *telemetry.Metrics) *Store {
	return &Store{
		chunkSize: cfg.ChunkSize,
		topK:      cfg.TopK,
		threshold: cfg.Threshold,
		metrics:   metrics,
	}
}

// SetPersistHook registers a callback fired asynchronously after every
// Add and Clear call, giving the caller a chance to flush a snapshot.
func (s *Store) SetPersistHook(hook func()) {
	s.persistHook = hook
}

// Embedder generates an embedding for a chunk of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Add chunks doc.Content into chunkSize-rune windows, embeds each chunk,
// and appends it to the store. A chunk whose embedding fails is logged
// and dropped silently rather than aborting the whole call, so one bad
// chunk in a large document does not discard every chunk already
// embedded.
func (s *Store) Add(ctx context.Context, doc domain.Document, embedder Embedder) (int, error) {
	chunks := splitIntoChunks(doc.Content, s.chunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}

	records := make([]chunkRecord, 0, len(chunks))
	for _, text := range chunks {
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			slog.Error("failed to embed document chunk, dropping it", "document_id", doc.ID, "error", err)
			continue
		}
		records = append(records, chunkRecord{
			chunk: domain.RetrievalChunk{
				DocumentID: doc.ID,
				Text:       text,
				AddedAt:    time.Now(),
			},
			vec: vec,
		})
	}

	s.mu.Lock()
	for _, r := range records {
		r.chunk.Index = len(s.records)
		s.records = append(s.records, r)
	}
	if s.metrics != nil {
		s.metrics.RetrievalChunks.Set(float64(len(s.records)))
	}
	s.mu.Unlock()

	if s.persistHook != nil {
		go s.persistHook()
	}
	return len(records), nil
}

// Search returns the top-K chunks (by cosine similarity, above
// threshold) closest to the query embedding, ordered by descending
// similarity. A zero-norm query or chunk vector never matches.
func (s *Store) Search(query []float32) []domain.RetrievalChunk {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RetrievalSearches.Inc()
			s.metrics.RetrievalLatency.Observe(time.Since(start).Seconds())
		}
	}()

	qNorm := l2norm(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		chunk domain.RetrievalChunk
		sim   float32
	}
	var candidates []scored

	for _, r := range s.records {
		sim := cosine(query, qNorm, r.vec)
		if sim >= s.threshold {
			c := r.chunk
			c.Similarity = sim
			candidates = append(candidates, scored{chunk: c, sim: sim})
		}
	}

	// simple selection sort for top-K; result sets are small (topK is
	// typically single digits) so an O(n*k) pass beats pulling in a
	// full sort for a handful of elements
	k := s.topK
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]domain.RetrievalChunk, 0, k)
	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].sim > candidates[best].sim {
				best = j
			}
		}
		candidates[i], candidates[best] = candidates[best], candidates[i]
		out = append(out, candidates[i].chunk)
	}
	return out
}

// Clear discards every stored chunk.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = nil
	if s.metrics != nil {
		s.metrics.RetrievalChunks.Set(0)
	}
	s.mu.Unlock()

	if s.persistHook != nil {
		go s.persistHook()
	}
}

// Count returns the number of stored chunks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func splitIntoChunks(content string, size int) []string {
	if size <= 0 {
		size = 512
	}
	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func l2norm(vec []float32) float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sumSq))
}

const degenerateNorm = 1e-10

func cosine(a []float32, aNorm float32, b []float32) float32 {
	bNorm := l2norm(b)
	if aNorm < degenerateNorm || bNorm < degenerateNorm {
		return 0
	}
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (float64(aNorm) * float64(bNorm)))
}
