// Package retry wraps any asynchronous, fallible operation with bounded
// exponential backoff and jitter, distinguishing retryable from terminal
// errors via a caller-supplied classifier.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	gateway "github.com/koval-dev/llmgate/internal"
)

const (
	defaultAttempts = 3
	defaultBase     = 1 * time.Second
	defaultCap      = 60 * time.Second
)

// Classify reports whether err should be retried or is terminal. Retryable:
// transient network failures, upstream 5xx, upstream 429, explicit
// timeouts. Terminal: client errors (4xx other than 429), auth failures,
// invalid-input rejections.
type Classify func(err error) (retryable bool)

// Executor runs an operation with bounded exponential backoff.
type Executor struct {
	attempts int
	base     time.Duration
	cap      time.Duration
}

// New returns an Executor. attempts <= 0 defaults to 3; base/cap <= 0
// default to 1s/60s.
func New(attempts int, base, cap time.Duration) *Executor {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if base <= 0 {
		base = defaultBase
	}
	if cap <= 0 {
		cap = defaultCap
	}
	return &Executor{attempts: attempts, base: base, cap: cap}
}

// Result carries the final error annotated with the number of attempts made.
type Result struct {
	Attempts int
	Err      error
}

func (r *Result) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", r.Attempts, r.Err)
}

func (r *Result) Unwrap() error { return r.Err }

// Run invokes op, retrying per the Executor's policy whenever classify
// reports the returned error is retryable. Terminal errors are returned
// immediately without further attempts. The executor honors ctx's deadline:
// go-retry returns ctx.Err() instead of sleeping past it.
func Run[T any](ctx context.Context, ex *Executor, classify Classify, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	backoff := retry.NewExponential(ex.base)
	backoff = retry.WithCappedDuration(ex.cap, backoff)
	backoff = retry.WithJitterPercent(50, backoff)
	backoff = retry.WithMaxRetries(uint64(ex.attempts-1), backoff)

	var (
		result   T
		lastErr  error
		attempts int
	)
	requestID := gateway.RequestIDFromContext(ctx)

	runErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		r, opErr := op(ctx)
		if opErr == nil {
			result = r
			return nil
		}
		lastErr = opErr
		if classify(opErr) {
			slog.LogAttrs(ctx, slog.LevelWarn, "retry_attempt",
				slog.String("request_id", requestID),
				slog.Int("attempt", attempts),
				slog.String("error", opErr.Error()),
			)
			return retry.RetryableError(opErr)
		}
		return opErr
	})

	if runErr != nil {
		if lastErr == nil {
			lastErr = runErr
		}
		return zero, &Result{Attempts: attempts, Err: lastErr}
	}
	return result, nil
}
