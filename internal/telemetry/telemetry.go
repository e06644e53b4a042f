// Package telemetry provides observability with Prometheus metrics and structured logging.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the serving core.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Semantic cache (C2)
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheEntries   prometheus.Gauge
	CacheLatency   prometheus.Histogram

	// Retrieval store (C3)
	RetrievalSearches prometheus.Counter
	RetrievalLatency  prometheus.Histogram
	RetrievalChunks   prometheus.Gauge

	// Guardrail (C5)
	GuardrailBlocks   *prometheus.CounterVec
	GuardrailWarnings *prometheus.CounterVec

	// Continuous batcher (C6)
	BatchQueueDepth prometheus.Gauge
	BatchSize       prometheus.Histogram
	BatchWaitTime   prometheus.Histogram
	QueueTimeouts   prometheus.Counter

	// Inference primitive resilience (C1)
	CircuitBreakerState prometheus.Gauge // 0=closed, 1=half-open, 2=open
	RetryAttempts       prometheus.Counter
	InferenceErrors     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_requests_total",
				Help: "Total number of chat requests",
			},
			[]string{"status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "modelgate_requests_in_flight",
			Help: "Number of requests currently being processed",
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_cache_hits_total",
			Help: "Total semantic cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_cache_misses_total",
			Help: "Total semantic cache misses",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_cache_evictions_total",
			Help: "Total semantic cache evictions",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "modelgate_cache_entries",
			Help: "Current number of semantic cache entries",
		}),
		CacheLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelgate_cache_lookup_seconds",
			Help:    "Semantic cache lookup latency",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),

		RetrievalSearches: factory.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_retrieval_searches_total",
			Help: "Total retrieval store searches",
		}),
		RetrievalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelgate_retrieval_search_seconds",
			Help:    "Retrieval search latency",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		RetrievalChunks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "modelgate_retrieval_chunks",
			Help: "Current number of retrieval chunks stored",
		}),

		GuardrailBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_guardrail_blocks_total",
				Help: "Total requests blocked by guardrail checks",
			},
			[]string{"stage", "reason"},
		),
		GuardrailWarnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_guardrail_warnings_total",
				Help: "Total guardrail warnings raised without blocking",
			},
			[]string{"stage", "reason"},
		),

		BatchQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "modelgate_batch_queue_depth",
			Help: "Current number of requests waiting in the batcher queue",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelgate_batch_size",
			Help:    "Number of requests collected per dispatched batch",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 16},
		}),
		BatchWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelgate_batch_wait_seconds",
			Help:    "Time a request spent waiting before its batch was dispatched",
			Buckets: prometheus.DefBuckets,
		}),
		QueueTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_batch_queue_timeouts_total",
			Help: "Requests that exceeded their deadline while queued",
		}),

		CircuitBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "modelgate_inference_circuit_breaker_state",
			Help: "Inference engine circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_inference_retry_attempts_total",
			Help: "Total retry attempts against the inference engine",
		}),
		InferenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_inference_errors_total",
				Help: "Total inference engine errors by class",
			},
			[]string{"class"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RequestRecorder tracks one request's duration from creation to
// RecordSuccess/RecordError.
type RequestRecorder struct {
	metrics *Metrics
	start   time.Time
}

// NewRequestRecorder begins timing a request.
func (m *Metrics) NewRequestRecorder() *RequestRecorder {
	m.RequestsInFlight.Inc()
	return &RequestRecorder{metrics: m, start: time.Now()}
}

// RecordSuccess finalizes a successful request.
func (r *RequestRecorder) RecordSuccess() {
	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues("ok").Inc()
	r.metrics.RequestDuration.WithLabelValues("ok").Observe(time.Since(r.start).Seconds())
}

// RecordError finalizes a failed request.
func (r *RequestRecorder) RecordError() {
	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues("error").Inc()
	r.metrics.RequestDuration.WithLabelValues("error").Observe(time.Since(r.start).Seconds())
}

// RecordCacheHit records a semantic cache hit and its lookup latency.
func (m *Metrics) RecordCacheHit(lookup time.Duration) {
	m.CacheHits.Inc()
	m.CacheLatency.Observe(lookup.Seconds())
}

// RecordCacheMiss records a semantic cache miss and its lookup latency.
func (m *Metrics) RecordCacheMiss(lookup time.Duration) {
	m.CacheMisses.Inc()
	m.CacheLatency.Observe(lookup.Seconds())
}

// UpdateCircuitBreakerState sets the gauge to 0 (closed), 1 (half-open), or 2 (open).
func (m *Metrics) UpdateCircuitBreakerState(state int) {
	m.CircuitBreakerState.Set(float64(state))
}
