// Package orchestrator implements the Pipeline Orchestrator: it sequences
// cache lookup, rate-limit admission, provider resolution, retry-wrapped
// dispatch, and cost accounting for every inbound request, and is the sole
// translator from internal errors to the taxonomy callers observe.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/cache"
	"github.com/koval-dev/llmgate/internal/circuitbreaker"
	"github.com/koval-dev/llmgate/internal/cost"
	"github.com/koval-dev/llmgate/internal/kv"
	"github.com/koval-dev/llmgate/internal/provider"
	"github.com/koval-dev/llmgate/internal/ratelimit"
	"github.com/koval-dev/llmgate/internal/retry"
	"github.com/koval-dev/llmgate/internal/telemetry"
)

const defaultDeadline = 120 * time.Second

const (
	cacheHitsKey   = "stats:cache:hits"
	cacheMissesKey = "stats:cache:misses"
)

// CostRecorder is the async sink cost accounting is enqueued to. Satisfied
// by *worker.CostRecorder.
type CostRecorder interface {
	Enqueue(requestID, userID, model string, promptTokens, completionTokens int, costUSD float64)
}

// Orchestrator sequences cache, rate limiter, registry, retry, and cost
// accounting for each request. It holds no per-request state; everything
// it needs is threaded through Process's arguments and the shared KV
// store.
type Orchestrator struct {
	store    kv.Store
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	registry *provider.Registry
	executor *retry.Executor
	recorder CostRecorder
	deadline time.Duration
	breakers *circuitbreaker.Registry
	metrics  *telemetry.Metrics
}

// New returns an Orchestrator wiring the given components. deadline <= 0
// defaults to 120s.
func New(store kv.Store, c *cache.Cache, limiter *ratelimit.Limiter, registry *provider.Registry, executor *retry.Executor, recorder CostRecorder, deadline time.Duration) *Orchestrator {
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	return &Orchestrator{
		store:    store,
		cache:    c,
		limiter:  limiter,
		registry: registry,
		executor: executor,
		recorder: recorder,
		deadline: deadline,
	}
}

// WithCircuitBreakers enables per-provider circuit breaking on dispatch.
// Call once after New; a nil registry (the default) leaves the feature
// off, so existing callers are unaffected.
func (o *Orchestrator) WithCircuitBreakers(reg *circuitbreaker.Registry) *Orchestrator {
	o.breakers = reg
	return o
}

// WithMetrics enables Prometheus instrumentation of cache, rate-limit,
// token, and circuit breaker outcomes. Call once after New; a nil metrics
// set (the default) leaves the feature off.
func (o *Orchestrator) WithMetrics(m *telemetry.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// dispatchResult is the intermediate shape the Retry Executor produces from
// a single provider attempt.
type dispatchResult struct {
	text             string
	promptTokens     int
	completionTokens int
}

// Process runs one request through the full pipeline and returns the
// canonical response envelope, or a taxonomy error from internal/errors.go
// that the HTTP layer maps to a status code via gateway.HTTPStatus.
func (o *Orchestrator) Process(ctx context.Context, req gateway.Request) (gateway.CompletionResult, error) {
	requestID := uuid.NewString()
	ctx = gateway.ContextWithRequestID(ctx, requestID)
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	t0 := time.Now()
	slog.LogAttrs(ctx, slog.LevelInfo, "request_received",
		slog.String("request_id", requestID),
		slog.String("user_id", req.UserID),
		slog.String("model", req.Model),
	)

	if err := gateway.Validate(req); err != nil {
		return o.fail(ctx, requestID, req, err)
	}

	if result, hit := o.cache.Lookup(ctx, req, requestID); hit {
		o.bumpStat(ctx, cacheHitsKey)
		if o.metrics != nil {
			o.metrics.CacheHits.Inc()
		}
		result.LatencyMs = msSince(t0)
		slog.LogAttrs(ctx, slog.LevelInfo, "cache_hit",
			slog.String("request_id", requestID),
			slog.String("user_id", req.UserID),
			slog.String("model", req.Model),
		)
		return result, nil
	}
	o.bumpStat(ctx, cacheMissesKey)
	if o.metrics != nil {
		o.metrics.CacheMisses.Inc()
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "cache_miss",
		slog.String("request_id", requestID),
		slog.String("user_id", req.UserID),
		slog.String("model", req.Model),
	)

	admission := o.limiter.Check(ctx, req.UserID)
	if !admission.Allowed {
		if o.metrics != nil {
			o.metrics.RateLimitRejects.WithLabelValues(rateLimitWindow(admission.Reason)).Inc()
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "rate_limit_exceeded",
			slog.String("request_id", requestID),
			slog.String("user_id", req.UserID),
			slog.String("model", req.Model),
			slog.Int("retry_after_s", admission.RetryAfterS),
		)
		return o.fail(ctx, requestID, req, &gateway.RateLimitError{RetryAfterS: admission.RetryAfterS})
	}

	binding, err := o.registry.Resolve(req.Model)
	if err != nil {
		return o.fail(ctx, requestID, req, err)
	}

	var breaker *circuitbreaker.Breaker
	if o.breakers != nil {
		breaker = o.breakers.GetOrCreate(binding.ProviderTag)
		if !breaker.Allow() {
			if o.metrics != nil {
				o.metrics.CircuitBreakerRejects.WithLabelValues(binding.ProviderTag).Inc()
				o.metrics.CircuitBreakerState.WithLabelValues(binding.ProviderTag).Set(float64(breaker.State()))
			}
			return o.fail(ctx, requestID, req, &gateway.CircuitOpenError{Provider: binding.ProviderTag})
		}
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "provider_call",
		slog.String("request_id", requestID),
		slog.String("user_id", req.UserID),
		slog.String("model", req.Model),
		slog.String("provider", binding.ProviderTag),
	)

	dispatch, err := retry.Run(ctx, o.executor, retry.ClassifyProviderError, func(ctx context.Context) (dispatchResult, error) {
		text, promptTokens, completionTokens, err := binding.Complete(ctx, req.Prompt, req.Temperature, req.MaxTokens)
		if err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{text: text, promptTokens: promptTokens, completionTokens: completionTokens}, nil
	})
	if err != nil {
		if breaker != nil {
			breaker.RecordError(circuitbreaker.ClassifyError(err))
			if o.metrics != nil {
				o.metrics.CircuitBreakerState.WithLabelValues(binding.ProviderTag).Set(float64(breaker.State()))
			}
		}
		failure := classifyDispatchFailure(binding.ProviderTag, err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The deadline can expire during a backoff sleep, in which case
			// the executor reports the last provider error rather than the
			// deadline itself.
			failure = gateway.ErrTimeout
		}
		return o.fail(ctx, requestID, req, failure)
	}
	if breaker != nil {
		breaker.RecordSuccess()
		if o.metrics != nil {
			o.metrics.CircuitBreakerState.WithLabelValues(binding.ProviderTag).Set(float64(breaker.State()))
		}
	}

	totalTokens := dispatch.promptTokens + dispatch.completionTokens
	costUSD := cost.Compute(binding.PricePerTokenUSD, totalTokens)
	o.recorder.Enqueue(requestID, req.UserID, req.Model, dispatch.promptTokens, dispatch.completionTokens, costUSD)
	if o.metrics != nil {
		o.metrics.TokensProcessed.WithLabelValues(req.Model, "prompt").Add(float64(dispatch.promptTokens))
		o.metrics.TokensProcessed.WithLabelValues(req.Model, "completion").Add(float64(dispatch.completionTokens))
	}

	result := gateway.CompletionResult{
		Completion:       dispatch.text,
		Model:            req.Model,
		PromptTokens:     dispatch.promptTokens,
		CompletionTokens: dispatch.completionTokens,
		TotalTokens:      totalTokens,
		CostUSD:          costUSD,
		RequestID:        requestID,
		Cached:           false,
	}
	o.cache.Store(ctx, req, result)

	result.LatencyMs = msSince(t0)
	slog.LogAttrs(ctx, slog.LevelInfo, "response_generated",
		slog.String("request_id", requestID),
		slog.String("user_id", req.UserID),
		slog.String("model", req.Model),
		slog.Int("total_tokens", totalTokens),
		slog.Float64("cost_usd", costUSD),
		slog.Float64("latency_ms", result.LatencyMs),
	)
	return result, nil
}

// fail logs request_failed and returns the error unchanged, keeping the
// orchestrator the sole emitter of that event.
func (o *Orchestrator) fail(ctx context.Context, requestID string, req gateway.Request, err error) (gateway.CompletionResult, error) {
	slog.LogAttrs(ctx, slog.LevelWarn, "request_failed",
		slog.String("request_id", requestID),
		slog.String("user_id", req.UserID),
		slog.String("model", req.Model),
		slog.String("error", err.Error()),
	)
	return gateway.CompletionResult{}, err
}

// bumpStat increments a KV stats counter with no expiry. Failures are
// logged and swallowed: these counters feed cache.Stats's hit_rate_window
// and must never affect the request outcome.
func (o *Orchestrator) bumpStat(ctx context.Context, key string) {
	if _, err := o.store.IncrByWithExpiry(ctx, key, 1, 0); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache stat increment failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// classifyDispatchFailure maps a Retry Executor failure to the gateway
// error taxonomy: context deadline exhaustion becomes ErrTimeout; anything
// else becomes a ProviderError carrying the classification the final
// attempt failed with.
func classifyDispatchFailure(providerTag string, err error) error {
	cause := err
	var rr *retry.Result
	if errors.As(err, &rr) {
		cause = rr.Err
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return gateway.ErrTimeout
	}

	statusCode := 0
	var hse interface{ HTTPStatus() int }
	if errors.As(cause, &hse) {
		statusCode = hse.HTTPStatus()
	}
	return &gateway.ProviderError{
		Provider:   providerTag,
		StatusCode: statusCode,
		Retryable:  retry.ClassifyProviderError(cause),
		Body:       cause.Error(),
	}
}

// rateLimitWindow maps an admission rejection reason to the metric label
// for which window rejected it.
func rateLimitWindow(reason string) string {
	if strings.Contains(reason, "hour") {
		return "hour"
	}
	return "minute"
}

func msSince(t0 time.Time) float64 {
	return float64(time.Since(t0)) / float64(time.Millisecond)
}
