package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return http.StatusText(e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

func TestClassifyProviderError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"429", &statusErr{429}, true},
		{"500", &statusErr{500}, true},
		{"503", &statusErr{503}, true},
		{"404", &statusErr{404}, false},
		{"401", &statusErr{401}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"generic", errors.New("boom"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyProviderError(c.err); got != c.retryable {
				t.Errorf("ClassifyProviderError(%v) = %v, want %v", c.err, got, c.retryable)
			}
		})
	}
}

func TestRun_SucceedsFirstTry(t *testing.T) {
	t.Parallel()
	ex := New(3, time.Millisecond, 10*time.Millisecond)
	calls := 0
	got, err := Run(context.Background(), ex, ClassifyProviderError, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Run = %q, %v", got, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ex := New(3, time.Millisecond, 10*time.Millisecond)
	calls := 0
	got, err := Run(context.Background(), ex, ClassifyProviderError, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &statusErr{503}
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Run = %q, %v", got, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRun_TerminalErrorStopsImmediately(t *testing.T) {
	t.Parallel()
	ex := New(3, time.Millisecond, 10*time.Millisecond)
	calls := 0
	_, err := Run(context.Background(), ex, ClassifyProviderError, func(context.Context) (string, error) {
		calls++
		return "", &statusErr{400}
	})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for terminal errors)", calls)
	}
}

func TestRun_ExhaustionAnnotatesAttemptCount(t *testing.T) {
	t.Parallel()
	ex := New(3, time.Millisecond, 5*time.Millisecond)
	calls := 0
	_, err := Run(context.Background(), ex, ClassifyProviderError, func(context.Context) (string, error) {
		calls++
		return "", &statusErr{503}
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	var r *Result
	if !errors.As(err, &r) {
		t.Fatalf("error %v is not a *Result", err)
	}
	if r.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", r.Attempts)
	}
}

func TestRun_HonorsContextDeadline(t *testing.T) {
	t.Parallel()
	ex := New(5, 50*time.Millisecond, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, ex, ClassifyProviderError, func(context.Context) (string, error) {
		return "", &statusErr{503}
	})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected error from deadline expiry")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, want the executor to give up near the deadline, not run all attempts", elapsed)
	}
}
