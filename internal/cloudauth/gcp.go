package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GCPOAuthTransport authenticates the Vertex-hosted Claude-class binding:
// instead of a static API key, each completion call carries a GCP OAuth2
// bearer token minted from Application Default Credentials. The token
// source caches and refreshes tokens itself, so RoundTrip only pays a
// refresh when the cached token has expired.
type GCPOAuthTransport struct {
	tokens oauth2.TokenSource
	inner  http.RoundTripper
}

// NewGCPOAuthTransport resolves Application Default Credentials for the
// given scopes and returns a transport that injects the resulting bearer
// token on every request. Resolution happens once, at binding
// construction, so a misconfigured environment fails at startup rather
// than on the first completion call.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: gcp default credentials: %w", err)
	}
	return newGCPOAuthTransportFromSource(base, creds.TokenSource), nil
}

// newGCPOAuthTransportFromSource builds the transport around an explicit
// token source, letting tests supply a static token without touching ADC.
func newGCPOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	return &GCPOAuthTransport{
		tokens: oauth2.ReuseTokenSource(nil, ts),
		inner:  base,
	}
}

// RoundTrip injects the current bearer token into a clone of the request.
// The caller's request is never mutated.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: gcp token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.base().RoundTrip(r2)
}

func (t *GCPOAuthTransport) base() http.RoundTripper {
	if t.inner != nil {
		return t.inner
	}
	return http.DefaultTransport
}
