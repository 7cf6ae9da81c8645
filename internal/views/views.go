// Package views implements the Health & Admin Views: read-only
// aggregations over KV state (usage, rate-limit status, cache stats) and
// the liveness probe. It has no write path into any component.
package views

import (
	"context"
	"strconv"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/cache"
	"github.com/koval-dev/llmgate/internal/circuitbreaker"
	"github.com/koval-dev/llmgate/internal/cost"
	"github.com/koval-dev/llmgate/internal/kv"
	"github.com/koval-dev/llmgate/internal/provider"
	"github.com/koval-dev/llmgate/internal/ratelimit"
)

const (
	cacheHitsKey   = "stats:cache:hits"
	cacheMissesKey = "stats:cache:misses"
)

// Views answers the read-only health and admin endpoints, built on the same
// components the orchestrator writes through.
type Views struct {
	store    kv.Store
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	registry *provider.Registry
	tracker  *cost.Tracker
	breakers *circuitbreaker.Registry
}

// New returns a Views reading from the given components.
func New(store kv.Store, c *cache.Cache, limiter *ratelimit.Limiter, registry *provider.Registry, tracker *cost.Tracker) *Views {
	return &Views{store: store, cache: c, limiter: limiter, registry: registry, tracker: tracker}
}

// WithCircuitBreakers surfaces per-provider breaker state through Liveness
// and Summary. Call once after New; a nil registry (the default) omits
// breaker state from both views entirely.
func (v *Views) WithCircuitBreakers(reg *circuitbreaker.Registry) *Views {
	v.breakers = reg
	return v
}

// Liveness reports "healthy" iff the KV store answers Ping and at least one
// provider binding is registered.
func (v *Views) Liveness(ctx context.Context) gateway.HealthStatus {
	components := make(map[string]string, 2)

	kvHealthy := true
	if err := v.store.Ping(ctx); err != nil {
		kvHealthy = false
		components["kv"] = "unreachable: " + err.Error()
	} else {
		components["kv"] = "ok"
	}

	providersHealthy := v.registry.Len() > 0
	if providersHealthy {
		components["providers"] = "ok"
	} else {
		components["providers"] = "no provider bindings configured"
	}

	for id, state := range v.breakerSnapshot() {
		components["circuit:"+id] = state.String()
	}

	status := gateway.HealthStatus{Components: components}
	if kvHealthy && providersHealthy {
		status.Status = "healthy"
	} else {
		status.Status = "degraded"
	}
	return status
}

// Models returns every registered model for the /v1/models listing.
func (v *Views) Models() []gateway.ModelInfo {
	return v.registry.Models()
}

// Usage reads a single user's requests/tokens/cost counters.
func (v *Views) Usage(ctx context.Context, userID string) (gateway.UsageSummary, error) {
	return v.tracker.UsageFor(ctx, userID)
}

// RateLimitStatus reads a single user's current window counters without
// incrementing them.
func (v *Views) RateLimitStatus(ctx context.Context, userID string) gateway.RateLimitStatus {
	return v.limiter.Status(ctx, userID)
}

// CacheStats reports the cache's current entry count and the hit rate
// observed over the orchestrator's lifetime counters.
func (v *Views) CacheStats(ctx context.Context) (gateway.CacheStats, error) {
	hitRate, err := v.hitRateWindow(ctx)
	if err != nil {
		return gateway.CacheStats{}, err
	}
	return v.cache.Stats(ctx, hitRate)
}

// ClearCache deletes every cached entry and returns the count removed.
func (v *Views) ClearCache(ctx context.Context) (int, error) {
	return v.cache.Clear(ctx)
}

// Summary aggregates per-user and per-model usage plus cache stats for the
// admin view.
func (v *Views) Summary(ctx context.Context) (gateway.AdminSummary, error) {
	users, models, err := v.tracker.Summary(ctx)
	if err != nil {
		return gateway.AdminSummary{}, err
	}
	stats, err := v.CacheStats(ctx)
	if err != nil {
		return gateway.AdminSummary{}, err
	}

	var breakers map[string]string
	if snap := v.breakerSnapshot(); len(snap) > 0 {
		breakers = make(map[string]string, len(snap))
		for id, state := range snap {
			breakers[id] = state.String()
		}
	}

	return gateway.AdminSummary{Users: users, Models: models, Cache: stats, Breakers: breakers}, nil
}

// breakerSnapshot returns the current per-provider breaker states, or nil
// if no circuit breaker registry was wired in.
func (v *Views) breakerSnapshot() map[string]circuitbreaker.State {
	if v.breakers == nil {
		return nil
	}
	return v.breakers.Snapshot()
}

// hitRateWindow reads the orchestrator's hits/misses counters and returns
// hits / (hits + misses), or 0 if no cache lookups have occurred yet.
func (v *Views) hitRateWindow(ctx context.Context) (float64, error) {
	hits, err := v.readCounter(ctx, cacheHitsKey)
	if err != nil {
		return 0, err
	}
	misses, err := v.readCounter(ctx, cacheMissesKey)
	if err != nil {
		return 0, err
	}
	total := hits + misses
	if total == 0 {
		return 0, nil
	}
	return float64(hits) / float64(total), nil
}

func (v *Views) readCounter(ctx context.Context, key string) (int64, error) {
	val, ok, err := v.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
