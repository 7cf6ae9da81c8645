package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/koval-dev/llmgate/internal/provider"
)

// upstreamErr builds the same error shape the provider bindings hand the
// dispatch path, so the classifier is exercised against production types.
func upstreamErr(status int) error {
	return &provider.APIError{Provider: "openai", StatusCode: status, Body: "upstream failure"}
}

func TestClassifyError_UpstreamStatuses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		want   float64
	}{
		{"throttled", 429, weightThrottle},
		{"internal", 500, weightServer},
		{"bad_gateway", 502, weightServer},
		{"unavailable", 503, weightServer},
		{"gateway_timeout", 504, weightServer},
		{"bad_request", 400, weightNone},
		{"bad_api_key", 401, weightNone},
		{"model_gone", 404, weightNone},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyError(upstreamErr(c.status)); got != c.want {
				t.Errorf("ClassifyError(HTTP %d) = %v, want %v", c.status, got, c.want)
			}
		})
	}
}

func TestClassifyError_DeadlinesWeighHeaviest(t *testing.T) {
	t.Parallel()
	for _, err := range []error{
		context.DeadlineExceeded,
		os.ErrDeadlineExceeded,
		fmt.Errorf("dispatch: %w", context.DeadlineExceeded),
	} {
		if got := ClassifyError(err); got != weightTimeout {
			t.Errorf("ClassifyError(%v) = %v, want %v", err, got, weightTimeout)
		}
	}
}

func TestClassifyError_NetworkAndUnknownFaultTheProvider(t *testing.T) {
	t.Parallel()
	dial := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	if got := ClassifyError(dial); got != weightServer {
		t.Errorf("ClassifyError(dial error) = %v, want %v", got, weightServer)
	}
	if got := ClassifyError(errors.New("truncated response body")); got != weightServer {
		t.Errorf("ClassifyError(unknown error) = %v, want %v", got, weightServer)
	}
}

func TestClassifyError_WrappedStatusStillFound(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("attempt 3: %w", upstreamErr(502))
	if got := ClassifyError(wrapped); got != weightServer {
		t.Errorf("ClassifyError(wrapped 502) = %v, want %v", got, weightServer)
	}
}

func TestClassifyError_NilIsClean(t *testing.T) {
	t.Parallel()
	if got := ClassifyError(nil); got != weightNone {
		t.Errorf("ClassifyError(nil) = %v, want 0", got)
	}
}
