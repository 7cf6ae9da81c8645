package kv

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store backed by otter's W-TinyLFU cache, standing
// in for Redis/Valkey in tests and single-node deployments. Selected when
// the configured KV URL is empty or set to memory:// (an unset REDIS_URL
// leaves the default redis://localhost:6379 in place).
//
// otter gives bounded, TTL-aware get/set; it does not support key
// enumeration, so Memory layers a small key index on top purely to serve
// Scan/Delete pattern matching.
type Memory struct {
	cache *otter.Cache[string, entry]

	mu   sync.Mutex
	keys map[string]struct{}

	// incrMu serializes the read-modify-write sequence in
	// IncrByWithExpiry; otter's Set alone does not make increment
	// atomic, since two goroutines could both read the same pre-Set
	// entry and each add their delta to the same counter value, an
	// ordinary lost-update race otherwise.
	incrMu sync.Mutex
}

// NewMemory creates an in-memory Store with the given maximum entry count.
// maxSize <= 0 means a generous default bound (100k entries).
func NewMemory(maxSize int) (*Memory, error) {
	if maxSize <= 0 {
		maxSize = 100_000
	}
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: create memory store: %w", err)
	}
	return &Memory{cache: c, keys: make(map[string]struct{})}, nil
}

func (m *Memory) track(key string) {
	m.mu.Lock()
	m.keys[key] = struct{}{}
	m.mu.Unlock()
}

func (m *Memory) untrack(key string) {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
}

func (m *Memory) load(key string) (entry, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		m.untrack(key)
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		m.untrack(key)
		return entry{}, false
	}
	return e, true
}

// IncrWithExpiry implements Store.
func (m *Memory) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return m.IncrByWithExpiry(ctx, key, 1, ttl)
}

// IncrByWithExpiry atomically adds delta to key and returns the new value.
// Like IncrWithExpiry, the TTL is attached only on the increment that
// creates the key; ttl <= 0 means no expiry at all, used by the uncapped
// usage/model_usage counters.
func (m *Memory) IncrByWithExpiry(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.incrMu.Lock()
	defer m.incrMu.Unlock()

	e, ok := m.load(key)
	var n int64
	if ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n += delta

	next := entry{value: strconv.FormatInt(n, 10)}
	if ok {
		// TTL already set on this key; leave it untouched.
		next.expiresAt = e.expiresAt
	} else if ttl > 0 {
		next.expiresAt = time.Now().Add(ttl)
	}
	m.cache.Set(key, next)
	m.track(key)
	return n, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	e, ok := m.load(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// SetWithTTL implements Store.
func (m *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.cache.Set(key, e)
	m.track(key)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, pattern string) (int, error) {
	matches := m.matchKeys(pattern)
	for _, k := range matches {
		m.cache.Invalidate(k)
		m.untrack(k)
	}
	return len(matches), nil
}

// Scan implements Store.
func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	return m.matchKeys(pattern), nil
}

// TTL implements Store.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	e, ok := m.load(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, nil
	}
	if d := time.Until(e.expiresAt); d > 0 {
		return d, nil
	}
	return 0, nil
}

// Ping implements Store. The in-memory backend is always reachable.
func (m *Memory) Ping(_ context.Context) error { return nil }

// EvictExpired sweeps every tracked key and drops entries past their
// expiry, bounding memory growth over long process lifetimes. otter would
// eventually reclaim them under size pressure anyway, and Scan/Delete
// already skip expired entries; this drops their names from the key index
// so it does not keep growing. Returns the count evicted.
func (m *Memory) EvictExpired() int {
	m.mu.Lock()
	candidates := make([]string, 0, len(m.keys))
	for k := range m.keys {
		candidates = append(candidates, k)
	}
	m.mu.Unlock()

	evicted := 0
	for _, k := range candidates {
		if _, live := m.load(k); !live {
			evicted++
		}
	}
	return evicted
}

func (m *Memory) matchKeys(pattern string) []string {
	m.mu.Lock()
	candidates := make([]string, 0, len(m.keys))
	for k := range m.keys {
		candidates = append(candidates, k)
	}
	m.mu.Unlock()

	matches := make([]string, 0, len(candidates))
	for _, k := range candidates {
		ok, err := path.Match(pattern, k)
		if err == nil && ok {
			if _, live := m.load(k); live {
				matches = append(matches, k)
			}
		}
	}
	return matches
}
