// Package anthropic implements the completion binding for Claude-class
// models, with optional Vertex AI or Bedrock hosting.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/koval-dev/llmgate/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerTag      = "anthropic"
	anthropicVersion = "2023-06-01"
	bedrockVersion   = "bedrock-2023-05-31"
)

// Client is the Anthropic completion binding. hosting selects the auth and
// URL-shape variant: "" for direct API access via an API-key transport,
// "vertex" for GCP OAuth, "bedrock" for AWS SigV4. The caller supplies an
// *http.Client whose transport already performs the chosen auth.
type Client struct {
	baseURL string
	http    *http.Client
	hosting string
	region  string
	project string
}

// New creates a direct-API Anthropic Client.
func New(baseURL string, client *http.Client) *Client {
	return NewWithHosting(baseURL, client, "", "", "")
}

// NewWithHosting creates an Anthropic Client bound to a specific hosting
// platform. region/project are only meaningful for "vertex"/"bedrock".
func NewWithHosting(baseURL string, client *http.Client, hosting, region, project string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		hosting: hosting,
		region:  region,
		project: project,
	}
}

// Complete satisfies gateway.CompletionFn for model.
func (c *Client) Complete(model string) func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, int, int, error) {
	return func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, int, int, error) {
		body, err := c.buildBody(model, prompt, temperature, maxTokens)
		if err != nil {
			return "", 0, 0, fmt.Errorf("anthropic: marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(model), bytes.NewReader(body))
		if err != nil {
			return "", 0, 0, fmt.Errorf("anthropic: create request: %w", err)
		}
		c.setHeaders(httpReq)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return "", 0, 0, fmt.Errorf("anthropic: do request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", 0, 0, provider.ParseAPIError(providerTag, resp)
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", 0, 0, fmt.Errorf("anthropic: read response: %w", err)
		}

		return translateResponse(respBody, prompt)
	}
}

// HealthCheck verifies connectivity. Bedrock has no model-agnostic
// endpoint, so it probes the base URL instead.
func (c *Client) HealthCheck(ctx context.Context) error {
	target := c.baseURL
	if c.hosting != "bedrock" {
		target = c.messagesURL("")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	c.setHeaders(httpReq)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) isHosted() bool {
	return c.hosting == "vertex" || c.hosting == "bedrock"
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("content-type", "application/json")
	if !c.isHosted() {
		r.Header.Set("anthropic-version", anthropicVersion)
	}
}

func (c *Client) messagesURL(model string) string {
	switch c.hosting {
	case "vertex":
		return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:rawPredict",
			c.baseURL, c.project, c.region, url.PathEscape(model))
	case "bedrock":
		return fmt.Sprintf("%s/model/%s/invoke", c.baseURL, url.PathEscape(model))
	default:
		return c.baseURL + "/messages"
	}
}

func (c *Client) buildBody(model, prompt string, temperature float64, maxTokens int) ([]byte, error) {
	req := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    []anthropicMsg{{Role: "user", Content: prompt}},
	}
	if !c.isHosted() {
		return json.Marshal(req)
	}

	ver := anthropicVersion
	if c.hosting == "bedrock" {
		ver = bedrockVersion
	}
	hosted := hostedRequest{
		AnthropicVersion: ver,
		MaxTokens:        req.MaxTokens,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
	}
	return json.Marshal(hosted)
}
