// Package embedding provides the prompt-hashing and embedding-generation
// helpers shared by the semantic cache and the retrieval store.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"modelgate/internal/domain"
)

// Client generates an embedding vector for a single piece of text. The
// inference engine satisfies this interface directly.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service generates embeddings for semantic caching and retrieval.
type Service struct {
	client Client
}

// NewService creates a new embedding service over client. client may be
// nil, in which case Generate falls back to the deterministic
// pseudo-embedding used when no inference engine is loaded.
func NewService(client Client) *Service {
	return &Service{client: client}
}

// Generate creates an embedding vector for prompt, falling back to a
// deterministic hash-seeded pseudo-embedding when no client is
// configured or the client errors — matching the original's fallback so
// the cache remains exercisable without a live model.
func (s *Service) Generate(ctx context.Context, prompt string, dimension int) ([]float32, error) {
	if s.client != nil {
		vec, err := s.client.Embed(ctx, prompt)
		if err == nil && len(vec) > 0 {
			return vec, nil
		}
	}
	return PseudoEmbedding(prompt, dimension), nil
}

// PseudoEmbedding deterministically derives a unit-ish vector from the
// SHA-256 of prompt, so tests and demo runs exercise cache similarity
// logic without a loaded model.
func PseudoEmbedding(prompt string, dimension int) []float32 {
	sum := sha256.Sum256([]byte(prompt))
	seed := uint64(0)
	for i, b := range sum[:8] {
		seed |= uint64(b) << (8 * i)
	}

	vec := make([]float32, dimension)
	state := seed | 1 // avoid a zero state
	for i := range vec {
		// xorshift64*, fast and deterministic
		state ^= state >> 12
		state ^= state << 25
		state ^= state >> 27
		r := (state * 2685821657736338717) >> 40
		vec[i] = float32(r%2000)/1000.0 - 1.0 // in [-1, 1)
	}
	return vec
}

// HashPrompt returns the 16-hex-character SHA-256 prefix used as the
// cache's exact-match key.
func HashPrompt(prompt string) string {
	hash := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(hash[:])[:16]
}

// Preview truncates prompt to at most 200 bytes for storage alongside a
// cache entry, for observability without retaining the full prompt twice.
func Preview(prompt string) string {
	if len(prompt) <= 200 {
		return prompt
	}
	return prompt[:200]
}

// NormalizePrompt collapses a message list into the literal string the
// cache keys on: the content of the last user turn, or the raw Prompt
// field when no message history is present.
func NormalizePrompt(req domain.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return strings.TrimSpace(req.Messages[i].Content)
		}
	}
	return strings.TrimSpace(req.Prompt)
}

// Key returns a human-readable cache key error for empty prompts.
func Key(prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("embedding: empty prompt")
	}
	return HashPrompt(prompt), nil
}
