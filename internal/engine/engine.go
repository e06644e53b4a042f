// Package engine implements the cached-engine orchestration (spec
// component C7): the glue between guardrail screening, the semantic
// cache, retrieval augmentation, the continuous batcher, and the
// output filter, exposed as a single Generate/GenerateStream
// operation. Grounded on the teacher's gateway.Service orchestration
// shape, stripped of tenant/provider routing since there is exactly
// one engine behind one batcher.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modelgate/internal/batcher"
	"modelgate/internal/cache/embedding"
	"modelgate/internal/cache/semantic"
	"modelgate/internal/config"
	"modelgate/internal/domain"
	"modelgate/internal/filter"
	"modelgate/internal/guardrail"
	"modelgate/internal/inference"
	"modelgate/internal/retrieval"
)

// Batcher is the subset of *batcher.Batcher the engine depends on,
// declared here so engine_test.go can substitute a fake without
// constructing a real scheduler goroutine.
type Batcher interface {
	Submit(ctx context.Context, id, prompt string, params domain.GenerationParams) (string, error)
	Stats() batcher.Stats
}

// Engine wires the serving core's components together behind a single
// generate operation.
type Engine struct {
	cache      *semantic.Cache
	retrieval  *retrieval.Store
	guardrails *guardrail.Filter
	batcher    Batcher
	embeddings *embedding.Service

	useCache     bool
	useRetrieval bool
	dimension    int
	maxOutputLen int

	// snapshotHook, when set, is fired (off the request path) after every
	// successful cache insert, so the optional snapshot store (spec
	// §4.1) stays close to current without blocking Generate on I/O.
	snapshotHook func()

	// blockHook, when set, is notified of every guardrail block
	// ("input" or "output" stage) for the optional audit log.
	blockHook func(stage, reason string)
}

// SetBlockHook registers a callback fired whenever the guardrail blocks
// a request, naming the stage ("input" or "output") and the reason.
func (e *Engine) SetBlockHook(hook func(stage, reason string)) {
	e.blockHook = hook
}

// SetSnapshotHook registers a callback fired asynchronously after every
// successful cache insert. main wires this to the cache's Save method
// against the configured snapshot store; leaving it unset (the
// snapshot store is optional) makes Generate's insert path a pure
// in-memory operation.
func (e *Engine) SetSnapshotHook(hook func()) {
	e.snapshotHook = hook
}

// New assembles an Engine from its already-constructed collaborators.
func New(cfg config.Config, cache *semantic.Cache, retr *retrieval.Store, gr *guardrail.Filter, b Batcher, embedder embedding.Client) *Engine {
	return &Engine{
		cache:        cache,
		retrieval:    retr,
		guardrails:   gr,
		batcher:      b,
		embeddings:   embedding.NewService(embedder),
		useCache:     cfg.Cache.Enabled,
		useRetrieval: cfg.Retrieval.Enabled,
		dimension:    cfg.Cache.Dimension,
		maxOutputLen: cfg.Guardrail.MaxOutputLength,
	}
}

// CacheStats exposes the semantic cache's counters for the model-info
// route.
func (e *Engine) CacheStats() semantic.Stats {
	return e.cache.Stats()
}

// BatcherStats exposes the continuous batcher's counters for the
// model-info route.
func (e *Engine) BatcherStats() batcher.Stats {
	return e.batcher.Stats()
}

// embedderAdapter exposes the engine's embedding service at its
// configured dimension as a retrieval.Embedder, so the serving boundary
// can share the same embedding path for document ingestion.
type embedderAdapter struct {
	svc *embedding.Service
	dim int
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.svc.Generate(ctx, text, a.dim)
}

// Embedder returns the embedding path the engine uses for cache/
// retrieval lookups, for callers (the upload route) that need to embed
// text outside of Generate.
func (e *Engine) Embedder() retrieval.Embedder {
	return &embedderAdapter{svc: e.embeddings, dim: e.dimension}
}

// demoResponseText is returned when the inference primitive is not
// loaded; the cache is never populated with it (spec §4.7 edge case).
const demoResponseText = "[demo mode] inference engine is not configured; this is a placeholder response."

// Generate runs the full sequence: input screening, cache lookup,
// retrieval augmentation, batcher dispatch, output filtering, output
// screening, and cache insertion.
func (e *Engine) Generate(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	start := time.Now()
	resp := domain.ChatResponse{RequestID: req.RequestID}

	prompt := embedding.NormalizePrompt(req)
	if prompt == "" {
		return domain.ChatResponse{}, fmt.Errorf("engine: empty prompt")
	}

	inputResult := e.guardrails.ScreenInput(prompt)
	if inputResult.Blocked {
		resp.BlockedBy = inputResult.BlockReason
		resp.Text = "request blocked: " + inputResult.BlockReason
		resp.LatencyMs = time.Since(start).Milliseconds()
		if e.blockHook != nil {
			e.blockHook("input", inputResult.BlockReason)
		}
		return resp, nil
	}

	vec, embErr := e.embeddings.Generate(ctx, prompt, e.dimension)
	if embErr != nil {
		vec = embedding.PseudoEmbedding(prompt, e.dimension)
	}

	if e.useCache && req.UseCache {
		hash := embedding.HashPrompt(prompt)
		if lookup := e.cache.Lookup(hash, vec); lookup.Hit {
			finalText, outResult := e.finishOutput(lookup.Response, true)
			resp.Text = finalText
			resp.CacheHit = true
			resp.Similarity = lookup.Similarity
			resp.BlockedBy = outResult.BlockReason
			resp.LatencyMs = time.Since(start).Milliseconds()
			if outResult.Blocked && e.blockHook != nil {
				e.blockHook("output", outResult.BlockReason)
			}
			return resp, nil
		}
	}

	augmented := prompt
	var retrievedIDs []string
	if e.useRetrieval && e.retrieval != nil {
		chunks := e.retrieval.Search(vec)
		if len(chunks) > 0 {
			augmented = augmentPrompt(prompt, chunks)
			for _, c := range chunks {
				retrievedIDs = append(retrievedIDs, c.DocumentID)
			}
		}
	}

	rawText, err := e.dispatch(ctx, req.RequestID, augmented, req.GenerationParams)
	if err != nil {
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp, err
	}

	grounded := len(retrievedIDs) > 0
	finalText, outResult := e.finishOutput(rawText, grounded)
	resp.Text = finalText
	resp.RetrievedIDs = retrievedIDs
	resp.LatencyMs = time.Since(start).Milliseconds()

	if outResult.Blocked {
		resp.BlockedBy = outResult.BlockReason
		if e.blockHook != nil {
			e.blockHook("output", outResult.BlockReason)
		}
		return resp, nil
	}

	if e.useCache && req.UseCache && rawText != demoResponseText {
		hash := embedding.HashPrompt(prompt)
		preview := embedding.Preview(prompt)
		if insertErr := e.cache.Insert(hash, preview, finalText, vec); insertErr != nil {
			// Cache insert failures are non-fatal: state is truth in RAM
			// and a miss here just costs a future recomputation.
			return resp, nil
		}
		if e.snapshotHook != nil {
			go e.snapshotHook()
		}
	}

	return resp, nil
}

// finishOutput runs the filter pipeline then output screening,
// matching the fixed point "filter(r) routed through C7 is a fixed
// point on subsequent hits" round-trip law.
func (e *Engine) finishOutput(text string, grounded bool) (string, domain.GuardrailResult) {
	cleaned := filter.Filter(text)
	cleaned = filter.TruncateIfNeeded(cleaned, e.outputLimit())
	result := e.guardrails.ScreenOutput(cleaned, grounded)
	return result.Text, result
}

func (e *Engine) outputLimit() int {
	if e.maxOutputLen > 0 {
		return e.maxOutputLen
	}
	return 4000
}

// dispatch calls the inference primitive through the batcher, or
// returns the demo placeholder if it reports not-loaded.
func (e *Engine) dispatch(ctx context.Context, requestID, prompt string, params domain.GenerationParams) (string, error) {
	text, err := e.batcher.Submit(ctx, requestID, prompt, params)
	if err == inference.ErrNotLoaded {
		return demoResponseText, nil
	}
	if err != nil {
		return "", fmt.Errorf("engine: dispatch failed: %w", err)
	}
	return text, nil
}

// augmentPrompt prepends retrieved context to the user prompt, in the
// order the retrieval store returned it (already similarity-ranked).
func augmentPrompt(prompt string, chunks []domain.RetrievalChunk) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, c := range chunks {
		b.WriteString("- ")
		b.WriteString(c.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(prompt)
	return b.String()
}

// StreamToken is one unit of a synthetic streamed response.
type StreamToken struct {
	Text string
	Done bool
}

// GenerateStream reshapes a call to Generate into a synthetic token
// stream, one whitespace-delimited token per frame, so cache hits and
// fresh generations share one API surface (spec §9, "streaming as
// cache citizen"). Concatenating the tokens equals the non-streaming
// result, since filtering is applied once up front rather than per
// token (spec invariant: streaming parity).
func (e *Engine) GenerateStream(ctx context.Context, req domain.ChatRequest) (<-chan StreamToken, error) {
	resp, err := e.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamToken)
	go func() {
		defer close(out)
		words := strings.Fields(resp.Text)
		for i, w := range words {
			token := w
			if i < len(words)-1 {
				token += " "
			}
			select {
			case out <- StreamToken{Text: token}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- StreamToken{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
