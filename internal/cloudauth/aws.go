package cloudauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// AWSSigV4Transport signs each outbound completion call with AWS
// Signature Version 4, for the Bedrock-hosted Claude-class binding.
// SigV4 needs a SHA-256 hash of the payload, so the transport buffers
// the request body once before signing; completion request bodies are
// small (a prompt plus a few scalar fields), so the copy costs little
// next to the upstream call itself.
type AWSSigV4Transport struct {
	creds   aws.CredentialsProvider
	signer  *v4.Signer
	region  string
	service string
	inner   http.RoundTripper
}

// NewAWSSigV4Transport wraps base with SigV4 signing. region and service
// name the signing scope, e.g. "us-east-1" and "bedrock".
func NewAWSSigV4Transport(base http.RoundTripper, creds aws.CredentialsProvider, region, service string) *AWSSigV4Transport {
	return &AWSSigV4Transport{
		creds:   creds,
		signer:  v4.NewSigner(),
		region:  region,
		service: service,
		inner:   base,
	}
}

// RoundTrip signs a clone of the request and forwards it. The caller's
// request is never mutated.
func (t *AWSSigV4Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	payload, err := readPayload(r)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: buffer body for sigv4: %w", err)
	}

	signed := r.Clone(r.Context())
	if len(payload) > 0 {
		signed.Body = io.NopCloser(bytes.NewReader(payload))
		signed.ContentLength = int64(len(payload))
	} else {
		signed.Body = http.NoBody
		signed.ContentLength = 0
	}

	creds, err := t.creds.Retrieve(r.Context())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: aws credentials: %w", err)
	}

	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	if err := t.signer.SignHTTP(r.Context(), creds, signed, digest, t.service, t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("cloudauth: sigv4 sign: %w", err)
	}

	return t.base().RoundTrip(signed)
}

func (t *AWSSigV4Transport) base() http.RoundTripper {
	if t.inner != nil {
		return t.inner
	}
	return http.DefaultTransport
}

// readPayload drains and closes r's body. A nil body yields an empty
// payload, whose SHA-256 is the well-known empty-string digest SigV4
// expects for bodyless requests.
func readPayload(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
