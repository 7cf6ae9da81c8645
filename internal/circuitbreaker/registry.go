package circuitbreaker

import (
	"sync"
	"time"
)

// Registry holds one Breaker per provider tag, created lazily the first
// time the orchestrator dispatches to that provider.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry returns an empty Registry; every breaker it creates is
// governed by cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for providerTag, or nil if that provider has
// never been dispatched to.
func (r *Registry) Get(providerTag string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[providerTag]
}

// GetOrCreate returns providerTag's breaker, creating it on first use.
// The common case (breaker exists) takes only the read lock.
func (r *Registry) GetOrCreate(providerTag string) *Breaker {
	if b := r.Get(providerTag); b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[providerTag]; ok {
		return b
	}
	b := NewBreaker(r.config)
	r.breakers[providerTag] = b
	return b
}

// Snapshot reports every tracked provider's current state, so the health
// and admin views can surface breakers without pushing a request through
// Allow.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for tag, b := range r.breakers {
		out[tag] = b.State()
	}
	return out
}

// EvictStale drops breakers with no activity since cutoff and returns the
// count removed. Candidates are gathered under the read lock first so the
// write lock is held only for the deletes, and each candidate is
// re-checked there in case it saw a dispatch in between.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []string
	for tag, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, tag)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, tag := range stale {
		b, ok := r.breakers[tag]
		if ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, tag)
			evicted++
		}
	}
	return evicted
}
