package semantic

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

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// snapshotNamespace is the KV namespace the cache persists under,
// mirroring the original's "soa_cache:*" Redis key family.
const snapshotNamespace = "soa_cache"

const (
	keyCount      = "count"
	keyEntries    = "entries"
	keyEmbeddings = "embeddings"
)

// snapshotEntry is the JSON-serializable form of one occupied slot.
type snapshotEntry struct {
	Col           int    `json:"col"`
	PromptHash    string `json:"prompt_hash"`
	PromptPreview string `json:"prompt_preview"`
	Response      string `json:"response"`
	CreatedAtUnix int64  `json:"created_at_unix"`
	LastHitAtUnix int64  `json:"last_hit_at_unix"`
	HitCount      int64  `json:"hit_count"`
}

// Save flushes the cache's current state to store as three keys: a
// count, a JSON array of entry metadata, and a raw float32 blob of the
// occupied columns' embeddings — in that order, so a reader can bail
// out after the count if the later keys are missing.
func (c *Cache) Save(ctx context.Context, store *postgres.CacheSnapshotStore, enc *crypto.EncryptionService) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var snapEntries []snapshotEntry
	buf := new(bytes.Buffer)

	for col, e := range c.entries {
		if e == nil {
			continue
		}
		snapEntries = append(snapEntries, snapshotEntry{
			Col:           col,
			PromptHash:    e.PromptHash,
			PromptPreview: e.PromptPreview,
			Response:      e.Response,
			CreatedAtUnix: e.CreatedAt.Unix(),
			LastHitAtUnix: e.LastHitAt.Unix(),
			HitCount:      e.HitCount,
		})
		for _, v := range c.mat.row(col) {
			binary.Write(buf, binary.LittleEndian, math.Float32bits(v))
		}
	}

	entriesJSON, err := json.Marshal(snapEntries)
	if err != nil {
		return fmt.Errorf("marshaling cache snapshot entries: %w", err)
	}

	embeddingsBlob, err := encryptIfConfigured(enc, buf.Bytes())
	if err != nil {
		return fmt.Errorf("encrypting cache snapshot blob: %w", err)
	}

	countBytes := []byte(fmt.Sprintf("%d", len(snapEntries)))

	if err := store.Put(ctx, snapshotNamespace, keyCount, countBytes); err != nil {
		return err
	}
	if err := store.Put(ctx, snapshotNamespace, keyEntries, entriesJSON); err != nil {
		return err
	}
	if err := store.Put(ctx, snapshotNamespace, keyEmbeddings, embeddingsBlob); err != nil {
		return err
	}
	return nil
}

// Restore loads a previously saved snapshot. If any of the three keys is
// missing or malformed, Restore discards the partial read and leaves the
// cache untouched (atomic restore-or-discard) rather than loading an
// inconsistent state.
func (c *Cache) Restore(ctx context.Context, store *postgres.CacheSnapshotStore, enc *crypto.EncryptionService) error {
	entriesJSON, err := store.Get(ctx, snapshotNamespace, keyEntries)
	if err != nil {
		return nil // no snapshot present, start cold
	}

	embeddingsBlob, err := store.Get(ctx, snapshotNamespace, keyEmbeddings)
	if err != nil {
		return nil
	}

	var snapEntries []snapshotEntry
	if err := json.Unmarshal(entriesJSON, &snapEntries); err != nil {
		return fmt.Errorf("corrupt cache snapshot entries, discarding: %w", err)
	}

	raw, err := decryptIfConfigured(enc, embeddingsBlob)
	if err != nil {
		return fmt.Errorf("corrupt cache snapshot blob, discarding: %w", err)
	}

	expectedFloats := len(snapEntries) * c.dim
	if len(raw) != expectedFloats*4 {
		return fmt.Errorf("cache snapshot blob size mismatch, discarding")
	}

	// Only mutate the live cache once every key has validated cleanly.
	c.mu.Lock()
	defer c.mu.Unlock()

	for col := range c.entries {
		c.entries[col] = nil
		c.mat.clear(col)
	}
	c.byHash = make(map[string]int, c.maxEntries)
	c.nEntries = 0

	reader := bytes.NewReader(raw)
	for _, se := range snapEntries {
		if se.Col < 0 || se.Col >= c.maxEntries {
			continue
		}
		vec := make([]float32, c.dim)
		for i := 0; i < c.dim; i++ {
			var bits uint32
			if err := binary.Read(reader, binary.LittleEndian, &bits); err != nil {
				return fmt.Errorf("truncated cache snapshot blob, discarding: %w", err)
			}
			vec[i] = math.Float32frombits(bits)
		}

		c.mat.set(se.Col, vec)
		c.entries[se.Col] = &domain.CacheEntry{
			PromptHash:    se.PromptHash,
			PromptPreview: se.PromptPreview,
			Response:      se.Response,
			CreatedAt:     unixOrZero(se.CreatedAtUnix),
			LastHitAt:     unixOrZero(se.LastHitAtUnix),
			HitCount:      se.HitCount,
		}
		c.byHash[se.PromptHash] = se.Col
		c.nEntries++
	}

	return nil
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
