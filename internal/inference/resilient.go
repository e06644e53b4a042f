package inference

import (
	"context"
	"fmt"
	"time"

	"modelgate/internal/config"
	"modelgate/internal/resilience"
	"modelgate/internal/telemetry"
)

// ResilientEngine wraps a concrete Engine with the teacher's retry and
// circuit-breaker idiom, specialized from a per-(tenant,provider) map
// down to the single bound engine this core serves requests through.
// The batcher's inference mutex still serializes calls across
// ResilientEngine; the breaker and retry loop sit around that, so a
// failing engine opens the circuit instead of being hammered with
// retries on every batch partition.
type ResilientEngine struct {
	inner   Engine
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	metrics *telemetry.Metrics
}

// NewResilientEngine wraps inner with retry and circuit-breaker policy
// derived from cfg.
func NewResilientEngine(inner Engine, cfg config.InferenceConfig, metrics *telemetry.Metrics) *ResilientEngine {
	threshold := cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := cfg.CircuitBreakerCooldown
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}

	return &ResilientEngine{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(threshold, cooldown),
		retry: resilience.RetryConfig{
			MaxRetries:         cfg.RetryMaxAttempts,
			BackoffBase:        cfg.RetryBackoffBase,
			BackoffMax:         cfg.RetryBackoffMax,
			Jitter:             true,
			RetryOnTimeout:     true,
			RetryOnRateLimit:   true,
			RetryOnServerError: true,
		},
		metrics: metrics,
	}
}

// Loaded delegates to the wrapped engine.
func (r *ResilientEngine) Loaded() bool { return r.inner.Loaded() }

// Generate calls through the circuit breaker and retry policy.
func (r *ResilientEngine) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if ok, err := r.breaker.Allow(); !ok {
		return "", fmt.Errorf("inference: %w", err)
	}

	var text string
	err := resilience.Retry(ctx, r.retry, func() error {
		var callErr error
		text, callErr = r.inner.Generate(ctx, req)
		if r.metrics != nil && callErr != nil {
			r.metrics.RetryAttempts.Inc()
		}
		return callErr
	})

	r.recordOutcome(err)
	return text, err
}

// Embed calls through the same breaker as Generate; embedding failures
// are soft — callers (cache, retrieval) fall back to a miss or a
// pseudo-embedding rather than propagating the error.
func (r *ResilientEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if ok, err := r.breaker.Allow(); !ok {
		return nil, fmt.Errorf("inference: %w", err)
	}

	var vec []float32
	err := resilience.Retry(ctx, r.retry, func() error {
		var callErr error
		vec, callErr = r.inner.Embed(ctx, text)
		return callErr
	})

	r.recordOutcome(err)
	return vec, err
}

func (r *ResilientEngine) recordOutcome(err error) {
	if err != nil {
		r.breaker.RecordFailure()
		if r.metrics != nil {
			r.metrics.InferenceErrors.WithLabelValues(errorClass(err)).Inc()
		}
	} else {
		r.breaker.RecordSuccess()
	}
	if r.metrics != nil {
		_, code := r.breaker.State()
		r.metrics.UpdateCircuitBreakerState(code)
	}
}

func errorClass(err error) string {
	if err == ErrNotLoaded {
		return "not_loaded"
	}
	return "engine_error"
}
