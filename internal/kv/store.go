// Package kv is a thin, typed facade over the distributed key-value store
// the gateway shares state through: atomic counters with expiry, string
// GET/SETEX, key scans, and a health probe. Every other component talks to
// the store only through this interface.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by every Store method when the backing store is
// unreachable. Callers decide whether to fail-open or fail-closed.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the KV Adapter contract.
type Store interface {
	// IncrWithExpiry atomically increments key by 1 and returns the new
	// value. The TTL is attached only on the increment that creates the
	// key (i.e. when the returned counter equals 1); subsequent increments
	// within the same window leave the existing TTL untouched.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrByWithExpiry is IncrWithExpiry generalized to an arbitrary
	// delta, for counters that accumulate by more than one per event
	// (token counts, fixed-point micro-dollar cost). ttl <= 0 means the
	// key never expires.
	IncrByWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get returns the string value for key, or ok=false if absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// SetWithTTL stores value under key with the given expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes every key matching pattern and returns the count
	// removed.
	Delete(ctx context.Context, pattern string) (int, error)
	// Scan returns every key matching pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// TTL returns the remaining time-to-live for key, or 0 if the key has
	// no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
