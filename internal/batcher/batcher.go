// Package batcher implements the continuous batching scheduler (spec
// component C6): a bounded request queue, a single collection-window
// scheduler, and per-request result handles, amortizing call overhead
// into the single non-reentrant inference primitive without reordering
// requests inside a generation-parameter partition. Adapted from the
// teacher's gateway dispatcher, stripped of its adaptive worker pool,
// priority queues, and per-tenant limiting: this core has one engine
// and one caller class.
package batcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/domain"
	"modelgate/internal/inference"
	"modelgate/internal/telemetry"
)

// Errors returned by Submit.
var (
	ErrQueueFull    = errors.New("batcher: request queue full")
	ErrQueueTimeout = errors.New("batcher: timed out waiting in queue")
	ErrShuttingDown = errors.New("batcher: shutting down")
)

// request is a BatchRequest: created on enqueue, destroyed once its
// result handle is resolved exactly once (invariant I5).
type request struct {
	id         string
	prompt     string
	params     domain.GenerationParams
	enqueuedAt time.Time
	deadline   time.Time
	resultCh   chan Result
}

// Result is the single-shot outcome of one batched request.
type Result struct {
	Text string
	Err  error
}

// Stats reports the batcher's monotone counters (spec §4.5).
type Stats struct {
	TotalRequests  int64
	TotalBatches   int64
	TotalBatchTime time.Duration
	QueueSize      int
}

// Batcher collects concurrent requests into short windows, partitions
// each window by exact GenerationParams equality, and dispatches one
// partition at a time through a process-wide inference mutex.
type Batcher struct {
	queue  chan *request
	engine inference.Engine

	windowDuration time.Duration
	maxBatchSize   int
	requestTimeout time.Duration

	inferenceMu sync.Mutex // serializes access to the non-reentrant engine

	metrics *telemetry.Metrics

	totalRequests  atomic.Int64
	totalBatches   atomic.Int64
	totalBatchTime atomic.Int64 // nanoseconds

	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// New creates a Batcher bound to engine. Call Start to run the
// scheduler goroutine.
func New(cfg config.BatcherConfig, engine inference.Engine, metrics *telemetry.Metrics) *Batcher {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	window := cfg.WindowDuration
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 4
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Batcher{
		queue:          make(chan *request, capacity),
		engine:         engine,
		windowDuration: window,
		maxBatchSize:   maxBatch,
		requestTimeout: timeout,
		metrics:        metrics,
		shutdownCh:     make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start runs the scheduler loop until ctx is canceled or Stop is called.
func (b *Batcher) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop signals the scheduler to exit and waits for it to drain.
func (b *Batcher) Stop() {
	close(b.shutdownCh)
	<-b.doneCh
}

// Submit enqueues a generation request and blocks until it is resolved
// or its deadline (spec default 30s) elapses, whichever comes first.
// Enqueue itself also respects the deadline: a full queue blocks the
// caller up to the deadline before returning ErrQueueTimeout.
func (b *Batcher) Submit(ctx context.Context, id, prompt string, params domain.GenerationParams) (string, error) {
	deadline := time.Now().Add(b.requestTimeout)
	req := &request{
		id:         id,
		prompt:     prompt,
		params:     params,
		enqueuedAt: time.Now(),
		deadline:   deadline,
		resultCh:   make(chan Result, 1),
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case b.queue <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrQueueTimeout
	case <-b.shutdownCh:
		return "", ErrShuttingDown
	}

	if b.metrics != nil {
		b.metrics.BatchQueueDepth.Set(float64(len(b.queue)))
	}

	select {
	case res := <-req.resultCh:
		return res.Text, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrQueueTimeout
	}
}

// run is the single scheduling goroutine: wait for the first request,
// open a collection window, drain up to maxBatchSize more requests
// non-blocking, then partition and dispatch.
func (b *Batcher) run(ctx context.Context) {
	defer close(b.doneCh)

	for {
		var first *request
		select {
		case first = <-b.queue:
		case <-ctx.Done():
			return
		case <-b.shutdownCh:
			return
		}

		windowEnd := time.Now().Add(b.windowDuration)
		batch := []*request{first}

	collect:
		for len(batch) < b.maxBatchSize {
			remaining := time.Until(windowEnd)
			if remaining <= 0 {
				break
			}
			select {
			case r := <-b.queue:
				batch = append(batch, r)
			case <-time.After(remaining):
				break collect
			case <-ctx.Done():
				b.resolveAll(batch, Result{Err: ErrShuttingDown})
				return
			case <-b.shutdownCh:
				b.resolveAll(batch, Result{Err: ErrShuttingDown})
				return
			}
		}

		start := time.Now()
		b.dispatch(ctx, batch)
		b.totalBatches.Add(1)
		b.totalBatchTime.Add(int64(time.Since(start)))

		if b.metrics != nil {
			b.metrics.BatchSize.Observe(float64(len(batch)))
			b.metrics.BatchWaitTime.Observe(time.Since(start).Seconds())
			b.metrics.BatchQueueDepth.Set(float64(len(b.queue)))
		}
	}
}

// dispatch partitions batch by exact GenerationParams equality
// (preserving arrival order within each partition) and runs each
// partition.
func (b *Batcher) dispatch(ctx context.Context, batch []*request) {
	partitions := make(map[domain.GenerationParams][]*request)
	order := make([]domain.GenerationParams, 0, len(batch))
	for _, r := range batch {
		if _, ok := partitions[r.params]; !ok {
			order = append(order, r.params)
		}
		partitions[r.params] = append(partitions[r.params], r)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		part := partitions[key]
		wg.Add(1)
		go func(part []*request) {
			defer wg.Done()
			b.runPartition(ctx, part)
		}(part)
	}
	wg.Wait()
}

// runPartition resolves every request in a single GenerationParams
// group, in arrival order. The inference primitive is non-reentrant
// and serialized behind inferenceMu regardless, so running the group
// sequentially rather than as concurrent lock-contending workers is
// what actually guarantees invariant I6 (Go's mutex does not promise
// FIFO wakeup order).
func (b *Batcher) runPartition(ctx context.Context, part []*request) {
	for _, r := range part {
		if time.Now().After(r.deadline) {
			b.resolveOne(r, Result{Err: ErrQueueTimeout})
			continue
		}

		b.totalRequests.Add(1)
		text, err := b.callEngine(ctx, r)
		b.resolveOne(r, Result{Text: text, Err: err})
	}
}

// callEngine invokes the inference primitive under the process-wide
// mutex (spec §5: inference runs on at most one thread at a time).
func (b *Batcher) callEngine(ctx context.Context, r *request) (string, error) {
	b.inferenceMu.Lock()
	defer b.inferenceMu.Unlock()

	if !b.engine.Loaded() {
		return "", inference.ErrNotLoaded
	}

	callCtx, cancel := context.WithDeadline(ctx, r.deadline)
	defer cancel()

	return b.engine.Generate(callCtx, inference.GenerateRequest{
		Prompt:      r.prompt,
		MaxTokens:   r.params.MaxTokens,
		Temperature: r.params.Temperature,
		TopP:        r.params.TopP,
	})
}

// resolveOne resolves a single request's handle exactly once.
func (b *Batcher) resolveOne(r *request, res Result) {
	select {
	case r.resultCh <- res:
	default:
		slog.Warn("batcher: result handle already resolved", "request_id", r.id)
	}
}

// resolveAll resolves every request in batch with the same result,
// used when the scheduler is shutting down mid-collection.
func (b *Batcher) resolveAll(batch []*request, res Result) {
	for _, r := range batch {
		b.resolveOne(r, res)
	}
}

// Stats returns a point-in-time snapshot of the batcher's counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		TotalRequests:  b.totalRequests.Load(),
		TotalBatches:   b.totalBatches.Load(),
		TotalBatchTime: time.Duration(b.totalBatchTime.Load()),
		QueueSize:      len(b.queue),
	}
}
