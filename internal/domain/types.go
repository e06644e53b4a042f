// Package domain defines the core types shared across the serving core:
// chat messages, generation parameters, cache entries, retrieval chunks
// and guardrail results.
package domain

import (
	"time"
)

// =============================================================================
// Chat types
// =============================================================================

// Message is a single turn in a chat-style prompt.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// GenerationParams are the decoding parameters that the continuous
// batcher partitions requests by. Two requests batch together only when
// every field here compares equal.
type GenerationParams struct {
	MaxTokens   int32   `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
}

// ChatRequest represents an inbound generation request.
type ChatRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	Prompt    string    `json:"prompt"`
	Messages  []Message `json:"messages,omitempty"`
	GenerationParams
	Stream   bool `json:"stream,omitempty"`
	UseCache bool `json:"use_cache"`
}

// ChatResponse is the result of a generation request.
type ChatResponse struct {
	RequestID    string   `json:"request_id"`
	Text         string   `json:"text"`
	CacheHit     bool     `json:"cache_hit"`
	Similarity   float32  `json:"similarity,omitempty"`
	LatencyMs    int64    `json:"latency_ms"`
	BlockedBy    string   `json:"blocked_by,omitempty"`
	RetrievedIDs []string `json:"retrieved_ids,omitempty"`
}

// =============================================================================
// Document / retrieval types
// =============================================================================

// Document is a source document submitted for retrieval-augmented context.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// RetrievalChunk is a single embedded slice of a document, as stored by
// the retrieval store and returned by a search.
type RetrievalChunk struct {
	Index      int       `json:"index"`
	DocumentID string    `json:"document_id"`
	Text       string    `json:"text"`
	Similarity float32   `json:"similarity"`
	AddedAt    time.Time `json:"added_at"`
}

// =============================================================================
// Semantic cache types
// =============================================================================

// CacheEntry is the metadata half of a semantic cache slot; the
// embedding itself lives in the cache's column-major matrix.
type CacheEntry struct {
	PromptHash    string    `json:"prompt_hash"`
	PromptPreview string    `json:"prompt_preview"`
	Response      string    `json:"response"`
	CreatedAt     time.Time `json:"created_at"`
	LastHitAt     time.Time `json:"last_hit_at"`
	HitCount      int64     `json:"hit_count"`
}

// =============================================================================
// Guardrail types
// =============================================================================

// GuardrailResult is the outcome of screening a prompt or a response.
type GuardrailResult struct {
	Safe            bool              `json:"safe"`
	Blocked         bool              `json:"blocked"`
	BlockReason     string            `json:"block_reason,omitempty"`
	Text            string            `json:"text"`
	Warnings        []string          `json:"warnings,omitempty"`
	SecurityChecks  map[string]bool   `json:"security_checks"`
	ASVSCompliance  map[string]string `json:"asvs_compliance,omitempty"`
	ConfidenceScore float64           `json:"confidence_score"`
	Factors         map[string]string `json:"factors,omitempty"`
}
