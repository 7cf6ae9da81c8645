package circuitbreaker

import (
	"testing"
	"time"
)

// gatewayConfig mirrors the breaker tuning the orchestrator runs with,
// tightened to 4 samples so tests trip it without 10 dispatches.
func gatewayConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     4,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

func TestSlidingWindow_WeightedErrorRate(t *testing.T) {
	t.Parallel()
	w := newSlidingWindow(60)
	now := time.Now()

	// Six clean dispatches, one 429 (0.5) and one 503 (1.0): rate 1.5/8.
	for range 6 {
		w.observe(weightNone, now)
	}
	w.observe(weightThrottle, now)
	w.observe(weightServer, now)

	rate, samples := w.errorRate(now)
	if samples != 8 {
		t.Fatalf("samples = %d, want 8", samples)
	}
	if rate < 0.18 || rate > 0.19 {
		t.Fatalf("rate = %f, want 1.5/8", rate)
	}
}

func TestSlidingWindow_OutcomesAgeOut(t *testing.T) {
	t.Parallel()
	w := newSlidingWindow(5)
	start := time.Now()

	w.observe(weightServer, start)

	rate, samples := w.errorRate(start.Add(6 * time.Second))
	if samples != 0 || rate != 0 {
		t.Fatalf("after the window passed: rate=%f samples=%d, want empty", rate, samples)
	}
}

func TestSlidingWindow_ResetForgetsEverything(t *testing.T) {
	t.Parallel()
	w := newSlidingWindow(60)
	now := time.Now()
	for range 20 {
		w.observe(weightServer, now)
	}
	w.reset()

	if rate, samples := w.errorRate(now); rate != 0 || samples != 0 {
		t.Fatalf("after reset: rate=%f samples=%d, want empty", rate, samples)
	}
}

func TestBreaker_HealthyProviderStaysAdmitted(t *testing.T) {
	t.Parallel()
	b := NewBreaker(gatewayConfig())

	for range 50 {
		if !b.Allow() {
			t.Fatal("closed breaker must admit dispatches")
		}
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after an all-success run", b.State())
	}
}

func TestBreaker_TripsOnceRateCrossesThreshold(t *testing.T) {
	t.Parallel()
	b := NewBreaker(gatewayConfig())

	// Two 503s out of four dispatches: 50% > 30% threshold.
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordError(weightServer)
	b.RecordError(weightServer)

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must short-circuit dispatch")
	}
}

func TestBreaker_TooFewSamplesNeverTrips(t *testing.T) {
	t.Parallel()
	b := NewBreaker(gatewayConfig())

	// Three straight failures is still below the 4-sample floor.
	for range 3 {
		b.RecordError(weightServer)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed below the sample floor", b.State())
	}
}

func TestBreaker_TimeoutsTripFasterThanPlainErrors(t *testing.T) {
	t.Parallel()
	b := NewBreaker(gatewayConfig())

	// One timeout (1.5) in four dispatches is 37.5%, over the 30%
	// threshold, where a single 5xx (25%) would not be.
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordError(weightTimeout)

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after a deadline-eating failure", b.State())
	}
}

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	b.RecordSuccess()
	b.RecordError(weightServer)
	b.RecordError(weightServer)
	b.RecordError(weightServer)
	if b.State() != StateOpen {
		t.Fatalf("setup: state = %v, want open", b.State())
	}
}

func TestBreaker_OpenTimeoutAdmitsSingleProbe(t *testing.T) {
	t.Parallel()
	b := NewBreaker(gatewayConfig())
	tripBreaker(t, b)

	// Backdate the trip so the open timeout has elapsed.
	b.mu.Lock()
	b.openedAt = time.Now().Add(-time.Minute)
	b.mu.Unlock()

	if !b.Allow() {
		t.Fatal("elapsed open timeout must admit a probe")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open while the probe is in flight", b.State())
	}
	if b.Allow() {
		t.Fatal("only one probe may be in flight at a time")
	}
}

func TestBreaker_ProbeSuccessClosesAndForgets(t *testing.T) {
	t.Parallel()
	b := NewBreaker(gatewayConfig())
	tripBreaker(t, b)

	b.mu.Lock()
	b.openedAt = time.Now().Add(-time.Minute)
	b.mu.Unlock()

	if !b.Allow() {
		t.Fatal("expected the probe to be admitted")
	}
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after a successful probe", b.State())
	}
	// The pre-outage failures were cleared with the window; one more
	// error must not instantly re-trip.
	b.RecordError(weightServer)
	if b.State() != StateClosed {
		t.Fatal("stale pre-outage failures re-tripped the breaker")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker(gatewayConfig())
	tripBreaker(t, b)

	b.mu.Lock()
	b.openedAt = time.Now().Add(-time.Minute)
	b.mu.Unlock()

	if !b.Allow() {
		t.Fatal("expected the probe to be admitted")
	}
	b.RecordError(weightServer)

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want reopened after a failed probe", b.State())
	}
	if b.Allow() {
		t.Fatal("a freshly reopened breaker must reject until its timeout elapses again")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func BenchmarkBreakerAllow(b *testing.B) {
	br := NewBreaker(DefaultConfig())
	for b.Loop() {
		br.Allow()
	}
}
