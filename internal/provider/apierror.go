package provider

import (
	"fmt"
	"io"
	"net/http"
)

// maxErrorBodyBytes bounds how much of an upstream error body is kept.
// Provider error payloads are small JSON objects; anything larger is
// noise (or an HTML error page) not worth holding onto.
const maxErrorBodyBytes = 4096

// APIError is a non-200 response from an upstream provider. The retry
// executor and circuit breaker classify it through HTTPStatus; Body is
// kept for logs and never forwarded to the gateway's own caller.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus exposes the upstream status for retryable/terminal
// classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError converts a non-200 upstream response into an APIError,
// reading at most maxErrorBodyBytes of the body. Every binding's error
// path funnels through here so truncation and tagging stay uniform
// across providers.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
