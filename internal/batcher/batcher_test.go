package batcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/domain"
	"modelgate/internal/inference"
)

// fakeEngine records the order in which prompts are generated and
// optionally injects an error for a specific prompt.
type fakeEngine struct {
	mu      sync.Mutex
	order   []string
	failOn  string
	delay   time.Duration
	loaded  bool
}

func (e *fakeEngine) Loaded() bool { return e.loaded }

func (e *fakeEngine) Generate(ctx context.Context, req inference.GenerateRequest) (string, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	e.order = append(e.order, req.Prompt)
	e.mu.Unlock()

	if e.failOn != "" && req.Prompt == e.failOn {
		return "", fmt.Errorf("synthetic failure for %s", req.Prompt)
	}
	return "response:" + req.Prompt, nil
}

func (e *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func testConfig() config.BatcherConfig {
	return config.BatcherConfig{
		MaxBatchSize:   4,
		WindowDuration: 20 * time.Millisecond,
		RequestTimeout: time.Second,
		QueueCapacity:  64,
	}
}

// TestSingleResolution covers invariant I5: every submitted request
// resolves exactly once, observed here as Submit returning exactly
// one result per call with no hang or panic.
func TestSingleResolution(t *testing.T) {
	engine := &fakeEngine{loaded: true}
	b := New(testConfig(), engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	var wg sync.WaitGroup
	params := domain.GenerationParams{MaxTokens: 64, Temperature: 0.2, TopP: 0.9}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := b.Submit(context.Background(), fmt.Sprintf("req-%d", i), fmt.Sprintf("prompt-%d", i), params)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if text == "" {
				t.Errorf("expected non-empty response")
			}
		}(i)
	}
	wg.Wait()
}

// TestOrderingWithinPartition covers invariant I6: two requests
// sharing GenerationParams submitted A then B must have the engine
// invoked on A before B.
func TestOrderingWithinPartition(t *testing.T) {
	engine := &fakeEngine{loaded: true}
	b := New(testConfig(), engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	params := domain.GenerationParams{MaxTokens: 32, Temperature: 0.1, TopP: 0.5}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.Submit(context.Background(), "a", "A", params)
	}()
	time.Sleep(2 * time.Millisecond)
	go func() {
		defer wg.Done()
		b.Submit(context.Background(), "b", "B", params)
	}()
	wg.Wait()

	engine.mu.Lock()
	defer engine.mu.Unlock()
	idxA, idxB := -1, -1
	for i, p := range engine.order {
		if p == "A" {
			idxA = i
		}
		if p == "B" {
			idxB = i
		}
	}
	if idxA == -1 || idxB == -1 || idxA > idxB {
		t.Fatalf("expected A before B, got order %v", engine.order)
	}
}

// TestDifferentPartitionsIsolateFailure: a failure in one partition
// must not affect a sibling with different GenerationParams.
func TestDifferentPartitionsIsolateFailure(t *testing.T) {
	engine := &fakeEngine{loaded: true, failOn: "bad"}
	b := New(testConfig(), engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	paramsA := domain.GenerationParams{MaxTokens: 16, Temperature: 0.1, TopP: 0.1}
	paramsB := domain.GenerationParams{MaxTokens: 32, Temperature: 0.9, TopP: 0.9}

	var wg sync.WaitGroup
	var goodErr, badErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, badErr = b.Submit(context.Background(), "bad-req", "bad", paramsA)
	}()
	go func() {
		defer wg.Done()
		_, goodErr = b.Submit(context.Background(), "good-req", "good", paramsB)
	}()
	wg.Wait()

	if badErr == nil {
		t.Fatal("expected the failing partition to return an error")
	}
	if goodErr != nil {
		t.Fatalf("sibling partition with different params should be unaffected, got %v", goodErr)
	}
}

// TestNotLoadedReturnsError exercises the "inference primitive not
// loaded" error mode (spec §4.7).
func TestNotLoadedReturnsError(t *testing.T) {
	engine := &fakeEngine{loaded: false}
	b := New(testConfig(), engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	_, err := b.Submit(context.Background(), "x", "prompt", domain.GenerationParams{MaxTokens: 8})
	if err == nil {
		t.Fatal("expected error when engine is not loaded")
	}
}

// TestStatsReflectActivity checks the monotone counters advance.
func TestStatsReflectActivity(t *testing.T) {
	engine := &fakeEngine{loaded: true}
	b := New(testConfig(), engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	params := domain.GenerationParams{MaxTokens: 16}
	for i := 0; i < 3; i++ {
		if _, err := b.Submit(context.Background(), fmt.Sprintf("s-%d", i), fmt.Sprintf("p-%d", i), params); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stats := b.Stats()
	if stats.TotalRequests < 3 {
		t.Fatalf("expected at least 3 total requests, got %d", stats.TotalRequests)
	}
	if stats.TotalBatches < 1 {
		t.Fatalf("expected at least 1 batch, got %d", stats.TotalBatches)
	}
}
