// Package ratelimit admits or rejects a request for a given user against
// fixed per-minute and per-hour quotas backed by the shared KV store.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/kv"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Limits holds the per-minute and per-hour caps. Zero means unlimited.
type Limits struct {
	PerMinute int64
	PerHour   int64
}

// Limiter checks and records admission against fixed-window counters kept
// in the KV store. It holds no per-request in-process state: every counter
// lives in the store under its own TTL.
type Limiter struct {
	store  kv.Store
	limits Limits
}

// New returns a Limiter enforcing limits against store.
func New(store kv.Store, limits Limits) *Limiter {
	return &Limiter{store: store, limits: limits}
}

// Check increments both windows atomically and admits the request unless
// either post-increment counter exceeds its limit. If the KV store is
// unavailable the limiter fails open: the request is admitted and a warning
// is logged, because availability of the gateway is preferred to strict
// enforcement.
func (l *Limiter) Check(ctx context.Context, userID string) gateway.Admission {
	minuteCount, minuteErr := l.store.IncrWithExpiry(ctx, minuteKey(userID), minuteWindow)
	hourCount, hourErr := l.store.IncrWithExpiry(ctx, hourKey(userID), hourWindow)

	if minuteErr != nil || hourErr != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "rate_limiter_fail_open",
			slog.String("user_id", userID),
			slog.String("error", errors.Join(minuteErr, hourErr).Error()),
		)
		return gateway.Admission{Allowed: true}
	}

	if l.limits.PerMinute > 0 && minuteCount > l.limits.PerMinute {
		retryAfter := l.retryAfterSeconds(ctx, minuteKey(userID), minuteWindow)
		return gateway.Admission{Allowed: false, Reason: "minute quota exceeded", RetryAfterS: retryAfter}
	}
	if l.limits.PerHour > 0 && hourCount > l.limits.PerHour {
		retryAfter := l.retryAfterSeconds(ctx, hourKey(userID), hourWindow)
		return gateway.Admission{Allowed: false, Reason: "hour quota exceeded", RetryAfterS: retryAfter}
	}
	return gateway.Admission{Allowed: true}
}

// Status returns the current window counters for userID without incrementing
// them, used by the read-only rate-limit status view.
func (l *Limiter) Status(ctx context.Context, userID string) gateway.RateLimitStatus {
	status := gateway.RateLimitStatus{MinuteLimit: l.limits.PerMinute, HourLimit: l.limits.PerHour}

	if v, ok, err := l.store.Get(ctx, minuteKey(userID)); err == nil && ok {
		status.MinuteUsed = parseCount(v)
		if ttl, err := l.store.TTL(ctx, minuteKey(userID)); err == nil {
			status.MinuteResetSecs = int64(ttl.Seconds())
		}
	}
	if v, ok, err := l.store.Get(ctx, hourKey(userID)); err == nil && ok {
		status.HourUsed = parseCount(v)
		if ttl, err := l.store.TTL(ctx, hourKey(userID)); err == nil {
			status.HourResetSecs = int64(ttl.Seconds())
		}
	}
	return status
}

// retryAfterSeconds reports the TTL currently attached to the saturated
// window key. Falls back to the full window length if the TTL read
// fails.
func (l *Limiter) retryAfterSeconds(ctx context.Context, key string, window time.Duration) int {
	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return int(window.Seconds())
	}
	return int(ttl.Seconds())
}

func minuteKey(userID string) string { return "ratelimit:" + userID + ":minute" }
func hourKey(userID string) string   { return "ratelimit:" + userID + ":hour" }

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
