package worker

import (
	"context"
	"log/slog"
	"time"
)

const evictionInterval = 10 * time.Minute

// Evictable is swept periodically to bound memory growth. *kv.Memory
// implements it directly; a *circuitbreaker.Registry is adapted through
// NewCircuitBreakerEvictable.
type Evictable interface {
	// EvictExpired removes stale entries and returns the count evicted.
	EvictExpired() int
}

// circuitBreakerEvictable adapts circuitbreaker.Registry's EvictStale,
// which takes an explicit cutoff, to the Evictable interface.
type circuitBreakerEvictable struct {
	evictStale func(cutoff time.Time) int
	staleAfter time.Duration
}

// NewCircuitBreakerEvictable wraps a circuit breaker registry's EvictStale
// method so it can be swept by EvictionWorker alongside the in-memory KV
// backend.
func NewCircuitBreakerEvictable(evictStale func(cutoff time.Time) int, staleAfter time.Duration) Evictable {
	return &circuitBreakerEvictable{evictStale: evictStale, staleAfter: staleAfter}
}

func (c *circuitBreakerEvictable) EvictExpired() int {
	return c.evictStale(time.Now().Add(-c.staleAfter))
}

// EvictionWorker periodically sweeps stale entries from in-memory
// rate-limit and circuit-breaker state. It is purely a memory-backend
// concern: the Valkey backend relies on native key TTLs and never needs
// this worker.
type EvictionWorker struct {
	targets  []Evictable
	interval time.Duration
}

// NewEvictionWorker returns an EvictionWorker sweeping targets on the
// default interval.
func NewEvictionWorker(targets ...Evictable) *EvictionWorker {
	return &EvictionWorker{targets: targets, interval: evictionInterval}
}

// Name returns the worker identifier.
func (e *EvictionWorker) Name() string { return "eviction" }

// Run sweeps every target on each tick until ctx is cancelled.
func (e *EvictionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, target := range e.targets {
				if n := target.EvictExpired(); n > 0 {
					slog.Info("eviction swept stale entries", "count", n)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
