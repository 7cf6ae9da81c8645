// Package cache implements the response cache: a deterministic fingerprint
// of (prompt, model, temperature, max_tokens) mapped to a previously
// computed completion, with TTL, backed by the shared KV store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/kv"
)

const keyPrefix = "cache:"

// Cache is a pure key-value view over cached completions. It deliberately
// does not track its own hit rate; the orchestrator maintains hits/misses
// counters out of band so this component stays a thin KV projection.
type Cache struct {
	store kv.Store
	ttl   time.Duration
}

// New returns a Cache writing entries with the given default TTL.
func New(store kv.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// Fingerprint returns the cache key for a request. temperature is formatted
// with fixed precision to avoid float noise, and user_id is deliberately
// excluded so the cache is shared across users.
func Fingerprint(req gateway.Request) string {
	raw := fmt.Sprintf("%s|%s|%.3f|%d", req.Prompt, req.Model, req.Temperature, req.MaxTokens)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the stored result for req's fingerprint, with cached=true
// and request_id replaced by the caller's new id. A cache miss returns
// ok=false with no error; a store read failure is logged and treated as a
// miss so an unavailable cache never fails the request.
func (c *Cache) Lookup(ctx context.Context, req gateway.Request, newRequestID string) (gateway.CompletionResult, bool) {
	key := keyPrefix + Fingerprint(req)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache lookup failed",
			slog.String("request_id", newRequestID),
			slog.String("error", err.Error()),
		)
		return gateway.CompletionResult{}, false
	}
	if !ok {
		return gateway.CompletionResult{}, false
	}

	var result gateway.CompletionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache entry corrupt", slog.String("request_id", newRequestID))
		return gateway.CompletionResult{}, false
	}
	result.Cached = true
	result.RequestID = newRequestID
	return result, true
}

// Store writes result under req's fingerprint. Failure to write is
// non-fatal and logged.
func (c *Cache) Store(ctx context.Context, req gateway.Request, result gateway.CompletionResult) {
	key := keyPrefix + Fingerprint(req)
	result.Cached = false
	raw, err := json.Marshal(result)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache encode failed", slog.String("error", err.Error()))
		return
	}
	if err := c.store.SetWithTTL(ctx, key, string(raw), c.ttl); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache store failed", slog.String("error", err.Error()))
	}
}

// Clear deletes every cache entry and returns the count removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	return c.store.Delete(ctx, keyPrefix+"*")
}

// Stats reports the current entry count and the given hit rate; the
// configured TTL is not part of the result. hitRateWindow is supplied by
// the caller (the orchestrator owns the hit/miss counters),
// keeping this component a pure KV view.
func (c *Cache) Stats(ctx context.Context, hitRateWindow float64) (gateway.CacheStats, error) {
	keys, err := c.store.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return gateway.CacheStats{}, err
	}
	return gateway.CacheStats{
		TotalEntries:  int64(len(keys)),
		HitRateWindow: hitRateWindow,
	}, nil
}
