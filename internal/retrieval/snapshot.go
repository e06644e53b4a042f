package retrieval

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"modelgate/internal/crypto"
	"modelgate/internal/domain"
	"modelgate/internal/storage/postgres"
)

// snapshotNamespace is the KV namespace the retrieval store persists
// under, the "rag_store" half of the {count, entries, embeddings}
// layout CacheSnapshotStore documents alongside the semantic cache's
// "soa_cache" namespace.
const snapshotNamespace = "rag_store"

const (
	keyCount      = "count"
	keyChunks     = "chunks"
	keyEmbeddings = "embeddings"
)

// snapshotChunk is the JSON-serializable form of one stored chunk. Dim
// is carried per-chunk (rather than assumed uniform) so the embeddings
// blob can be read back even if chunks were added under different
// embedder configurations over the store's lifetime.
type snapshotChunk struct {
	Index       int    `json:"index"`
	DocumentID  string `json:"document_id"`
	Text        string `json:"text"`
	AddedAtUnix int64  `json:"added_at_unix"`
	Dim         int    `json:"dim"`
}

// Save flushes the store's current chunks to store as three keys: a
// count, a JSON array of chunk metadata, and a raw float32 blob of
// their embeddings concatenated in order — the same {json metadata,
// raw float32 blob} pairing the semantic cache uses.
func (s *Store) Save(ctx context.Context, store *postgres.CacheSnapshotStore, enc *crypto.EncryptionService) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapChunks := make([]snapshotChunk, 0, len(s.records))
	buf := new(bytes.Buffer)

	for _, r := range s.records {
		snapChunks = append(snapChunks, snapshotChunk{
			Index:       r.chunk.Index,
			DocumentID:  r.chunk.DocumentID,
			Text:        r.chunk.Text,
			AddedAtUnix: r.chunk.AddedAt.Unix(),
			Dim:         len(r.vec),
		})
		for _, v := range r.vec {
			binary.Write(buf, binary.LittleEndian, math.Float32bits(v))
		}
	}

	chunksJSON, err := json.Marshal(snapChunks)
	if err != nil {
		return fmt.Errorf("marshaling retrieval snapshot chunks: %w", err)
	}

	embeddingsBlob, err := encryptIfConfigured(enc, buf.Bytes())
	if err != nil {
		return fmt.Errorf("encrypting retrieval snapshot blob: %w", err)
	}

	countBytes := []byte(fmt.Sprintf("%d", len(snapChunks)))

	if err := store.Put(ctx, snapshotNamespace, keyCount, countBytes); err != nil {
		return err
	}
	if err := store.Put(ctx, snapshotNamespace, keyChunks, chunksJSON); err != nil {
		return err
	}
	if err := store.Put(ctx, snapshotNamespace, keyEmbeddings, embeddingsBlob); err != nil {
		return err
	}
	return nil
}

// Restore loads a previously saved snapshot. A missing snapshot, or one
// with a malformed or truncated embeddings blob, leaves the store empty
// rather than partially populated (atomic restore-or-discard), matching
// the "missing or mis-shaped files at startup result in an empty store"
// rule the original's load() followed.
func (s *Store) Restore(ctx context.Context, store *postgres.CacheSnapshotStore, enc *crypto.EncryptionService) error {
	chunksJSON, err := store.Get(ctx, snapshotNamespace, keyChunks)
	if err != nil {
		return nil // no snapshot present, start fresh
	}

	embeddingsBlob, err := store.Get(ctx, snapshotNamespace, keyEmbeddings)
	if err != nil {
		return nil
	}

	var snapChunks []snapshotChunk
	if err := json.Unmarshal(chunksJSON, &snapChunks); err != nil {
		return fmt.Errorf("corrupt retrieval snapshot chunks, discarding: %w", err)
	}

	raw, err := decryptIfConfigured(enc, embeddingsBlob)
	if err != nil {
		return fmt.Errorf("corrupt retrieval snapshot blob, discarding: %w", err)
	}

	expectedFloats := 0
	for _, sc := range snapChunks {
		expectedFloats += sc.Dim
	}
	if len(raw) != expectedFloats*4 {
		return fmt.Errorf("retrieval snapshot blob size mismatch, discarding")
	}

	records := make([]chunkRecord, 0, len(snapChunks))
	reader := bytes.NewReader(raw)
	for _, sc := range snapChunks {
		vec := make([]float32, sc.Dim)
		for i := 0; i < sc.Dim; i++ {
			var bits uint32
			if err := binary.Read(reader, binary.LittleEndian, &bits); err != nil {
				return fmt.Errorf("truncated retrieval snapshot blob, discarding: %w", err)
			}
			vec[i] = math.Float32frombits(bits)
		}
		records = append(records, chunkRecord{
			chunk: domain.RetrievalChunk{
				Index:      sc.Index,
				DocumentID: sc.DocumentID,
				Text:       sc.Text,
				AddedAt:    unixOrZero(sc.AddedAtUnix),
			},
			vec: vec,
		})
	}

	// Only mutate the live store once every key has validated cleanly.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	if s.metrics != nil {
		s.metrics.RetrievalChunks.Set(float64(len(s.records)))
	}
	return nil
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func encryptIfConfigured(enc *crypto.EncryptionService, data []byte) ([]byte, error) {
	if enc == nil {
		return data, nil
	}
	return enc.EncryptBytes(data)
}

func decryptIfConfigured(enc *crypto.EncryptionService, data []byte) ([]byte, error) {
	if enc == nil {
		return data, nil
	}
	return enc.DecryptBytes(data)
}
