// Package inference defines the inference primitive (spec §4.1's
// collaborator, component C1): the single bound text-generation and
// embedding engine the batcher and cache sit in front of.
package inference

import (
	"context"
	"errors"
)

// ErrNotLoaded is returned by Generate/Embed when no engine has been
// configured, the "inference primitive not loaded" failure mode.
var ErrNotLoaded = errors.New("inference: engine not loaded")

// GenerateRequest carries one generation call's parameters.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// Engine is satisfied by each concrete backend (Bedrock, Ollama). The
// process holds exactly one Engine; callers serialize access to it via
// the batcher's inference mutex rather than this interface enforcing
// concurrency itself, matching spec §5's single-threaded invariant (C1).
type Engine interface {
	// Generate produces a complete response for req.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// Embed produces an embedding vector for text, used by the semantic
	// cache and the retrieval store.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Loaded reports whether the engine is ready to serve requests.
	Loaded() bool
}
