// Package circuitbreaker guards the dispatch path against upstream LLM
// providers that keep failing. Once a provider's recent error rate trips
// the breaker, requests to it fail in a mutex-guarded state check instead
// of burning their deadline on retries that are going to lose anyway.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is a breaker's admission posture.
type State int

const (
	// StateClosed admits every dispatch.
	StateClosed State = iota
	// StateOpen rejects every dispatch until the open timeout elapses.
	StateOpen
	// StateHalfOpen admits exactly one probe dispatch at a time.
	StateHalfOpen
)

// String names the state for health views and the admin summary.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config tunes when a breaker trips and how it recovers.
type Config struct {
	// ErrorThreshold is the weighted error rate at which the breaker
	// opens, e.g. 0.30.
	ErrorThreshold float64
	// MinSamples is how many dispatches the window must hold before the
	// rate is trusted; below it a provider never trips.
	MinSamples int
	// WindowSeconds is how far back the error rate looks, at most 60.
	WindowSeconds int
	// OpenTimeout is how long an open breaker waits before letting a
	// probe through.
	OpenTimeout time.Duration
}

// DefaultConfig trips at a 30% weighted error rate over the last minute,
// after at least 10 dispatches, and probes again after 30 seconds.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

// slot accumulates one second's worth of dispatch outcomes.
type slot struct {
	errWeight  float64
	dispatches int
}

// slidingWindow tracks per-second dispatch outcomes over the last
// size seconds in a fixed ring, so reading the error rate never
// allocates on the dispatch path.
type slidingWindow struct {
	slots   [60]slot
	size    int
	head    int
	headSec int64
}

func newSlidingWindow(windowSeconds int) slidingWindow {
	if windowSeconds <= 0 || windowSeconds > 60 {
		windowSeconds = 60
	}
	return slidingWindow{size: windowSeconds}
}

// rotate moves head up to nowSec, zeroing every slot the gap skipped over.
func (w *slidingWindow) rotate(nowSec int64) {
	if w.headSec == 0 {
		w.headSec = nowSec
		return
	}
	gap := nowSec - w.headSec
	if gap <= 0 {
		return
	}
	expired := min(int(gap), w.size)
	for i := range expired {
		w.slots[(w.head+1+i)%w.size] = slot{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headSec = nowSec
}

// observe adds one dispatch outcome. weight 0 is a success; anything
// above it counts toward the error rate.
func (w *slidingWindow) observe(weight float64, now time.Time) {
	w.rotate(now.Unix())
	w.slots[w.head].dispatches++
	w.slots[w.head].errWeight += weight
}

// errorRate reports the weighted error rate and dispatch count currently
// inside the window.
func (w *slidingWindow) errorRate(now time.Time) (rate float64, samples int) {
	w.rotate(now.Unix())
	var weight float64
	for i := range w.size {
		weight += w.slots[i].errWeight
		samples += w.slots[i].dispatches
	}
	if samples == 0 {
		return 0, 0
	}
	return weight / float64(samples), samples
}

func (w *slidingWindow) reset() {
	for i := range w.size {
		w.slots[i] = slot{}
	}
	w.head = 0
	w.headSec = 0
}

// Breaker is the per-provider admission gate the orchestrator consults
// right before handing a request to the retry executor.
type Breaker struct {
	mu            sync.Mutex
	state         State
	window        slidingWindow
	openedAt      time.Time
	lastUsed      time.Time
	probeInFlight bool
	threshold     float64
	minSamples    int
	openTimeout   time.Duration
}

// NewBreaker returns a closed Breaker governed by cfg.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		state:       StateClosed,
		window:      newSlidingWindow(cfg.WindowSeconds),
		threshold:   cfg.ErrorThreshold,
		minSamples:  cfg.MinSamples,
		openTimeout: cfg.OpenTimeout,
		lastUsed:    time.Now(),
	}
}

// State reports the current admission posture.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a dispatch to this provider may proceed. An open
// breaker whose timeout has elapsed admits the caller as the half-open
// probe; until that probe resolves, every other dispatch is rejected.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.openTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess feeds a successful dispatch into the window. A succeeding
// half-open probe closes the breaker and clears the window, so stale
// failures from before the outage can't immediately re-trip it.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.observe(0, now)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probeInFlight = false
		b.window.reset()
	}
}

// RecordError feeds a failed dispatch into the window at the given
// weight (see ClassifyError). A closed breaker opens once the window
// holds enough samples and the rate crosses the threshold; a failing
// half-open probe reopens immediately.
func (b *Breaker) RecordError(weight float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.observe(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.errorRate(now)
		if samples >= b.minSamples && rate >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probeInFlight = false
	}
}

// LastUsed reports when this breaker last saw any activity, for the
// eviction sweep.
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
