// Package gateway defines the domain types shared across the completion
// pipeline. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
)

// Request is an inbound completion request.
type Request struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	UserID      string
}

// CompletionResult is the canonical response envelope returned for every
// request, whether served from cache or dispatched upstream.
type CompletionResult struct {
	Completion       string  `json:"completion"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	RequestID        string  `json:"request_id"`
	Cached           bool    `json:"cached"`
	LatencyMs        float64 `json:"latency_ms"`
}

// ProviderBinding is the immutable (model -> upstream completion function +
// pricing) record held by the registry.
type ProviderBinding struct {
	ProviderTag      string
	NativeModelName  string
	PricePerTokenUSD float64
	Complete         CompletionFn
}

// CompletionFn is the uniform upstream completion call every provider
// binding exposes. The registry knows nothing about HTTP or any concrete
// wire protocol beyond this signature.
type CompletionFn func(ctx context.Context, prompt string, temperature float64, maxTokens int) (text string, promptTokens, completionTokens int, err error)

// Admission is the outcome of a rate-limit check.
type Admission struct {
	Allowed     bool
	Reason      string
	RetryAfterS int
}

// UsageSummary aggregates request count, token count, and cost for a single
// user or model.
type UsageSummary struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost"`
}

// CacheStats is the read-only view over response-cache state.
type CacheStats struct {
	TotalEntries   int64   `json:"total_entries"`
	CacheSizeBytes int64   `json:"cache_size_bytes,omitempty"`
	HitRateWindow  float64 `json:"hit_rate_window"`
}

// RateLimitStatus is the read-only view over a user's current rate-limit
// window counters.
type RateLimitStatus struct {
	MinuteUsed      int64 `json:"minute_used"`
	MinuteLimit     int64 `json:"minute_limit"`
	MinuteResetSecs int64 `json:"minute_reset_seconds"`
	HourUsed        int64 `json:"hour_used"`
	HourLimit       int64 `json:"hour_limit"`
	HourResetSecs   int64 `json:"hour_reset_seconds"`
}

// HealthStatus is the liveness probe result.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy" or "degraded"
	Components map[string]string `json:"components"`
}

// ModelInfo describes a single registered model for the /v1/models listing.
type ModelInfo struct {
	Name             string  `json:"name"`
	Provider         string  `json:"provider"`
	PricePerTokenUSD float64 `json:"price_per_token_usd"`
}

// AdminSummary aggregates usage and cache state for the admin view.
type AdminSummary struct {
	Users    map[string]UsageSummary `json:"users"`
	Models   map[string]UsageSummary `json:"models"`
	Cache    CacheStats              `json:"cache"`
	Breakers map[string]string       `json:"circuit_breakers,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
