// Package telemetry holds the gateway's observability plumbing: the
// Prometheus collectors the pipeline and HTTP layer feed, and the OTel
// tracer setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full collector set. The HTTP middleware drives the
// request-level collectors; the orchestrator drives the cache, rate-limit,
// token, and circuit-breaker ones.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	ActiveRequests        prometheus.Gauge
	CacheHits             prometheus.Counter
	CacheMisses           prometheus.Counter
	RateLimitRejects      *prometheus.CounterVec
	TokensProcessed       *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec   // labels: provider
	CircuitBreakerRejects *prometheus.CounterVec // labels: provider
}

// NewMetrics builds and registers every collector under the llmgate
// namespace. Passing a fresh Registerer keeps tests isolated from the
// process-global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "requests_total",
			Help:      "Inbound HTTP requests by method, route, and status.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmgate",
			Name:                            "request_duration_seconds",
			Help:                            "End-to-end request latency, including retries and backoff.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "active_requests",
			Help:      "Requests currently inside the pipeline.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "cache_hits_total",
			Help:      "Completions served from the response cache without a provider call.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "cache_misses_total",
			Help:      "Completions that had to be dispatched upstream.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "ratelimit_rejects_total",
			Help:      "Requests denied by the fixed-window rate limiter, by window.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "tokens_processed_total",
			Help:      "Tokens billed through the cost tracker, by model and direction.",
		}, []string{"model", "type"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "circuit_breaker_state",
			Help:      "Per-provider breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"provider"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Dispatches short-circuited by an open provider breaker.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
