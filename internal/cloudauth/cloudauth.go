// Package cloudauth provides http.RoundTripper decorators that inject
// authentication headers for cloud-hosted LLM providers: direct API keys,
// GCP OAuth (Vertex AI), and AWS SigV4 (Bedrock).
package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// APIKeyTransport is an http.RoundTripper that injects a static API key
// header on every outbound request. HeaderName is the header to set
// (e.g. "Authorization", "x-api-key"). Prefix is prepended to Key
// (e.g. "Bearer " for Authorization headers).
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return t.base().RoundTrip(r2)
}

func (t *APIKeyTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// NewForHosting builds the transport a provider entry's Hosting variant
// requires: GCP OAuth (ADC) for "vertex", AWS SigV4 for "bedrock", or a
// static API-key header transport for direct access (the default). This
// is the single place the hosting-to-transport mapping lives, so adding a
// new cloud-hosted variant means adding one case here.
func NewForHosting(ctx context.Context, hosting, region, apiKey string, base http.RoundTripper) (http.RoundTripper, error) {
	switch hosting {
	case "vertex":
		t, err := NewGCPOAuthTransport(ctx, base, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, fmt.Errorf("cloudauth: gcp oauth transport: %w", err)
		}
		return t, nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("cloudauth: load aws config: %w", err)
		}
		return NewAWSSigV4Transport(base, awsCfg.Credentials, region, "bedrock"), nil
	default:
		return &APIKeyTransport{Key: apiKey, HeaderName: "x-api-key", Base: base}, nil
	}
}
