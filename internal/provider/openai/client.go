// Package openai implements the completion binding for GPT-class models.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	"github.com/koval-dev/llmgate/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerTag    = "openai"
)

// Client is the OpenAI completion binding.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates an OpenAI Client with a tuned http.Client. If baseURL is
// empty, it defaults to the public OpenAI API. If resolver is non-nil, the
// transport's DialContext is wrapped with cached DNS lookups shared across
// every provider client.
func New(apiKey, baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &Client{apiKey: apiKey, baseURL: baseURL, http: &http.Client{Transport: t}}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete satisfies gateway.CompletionFn for model.
func (c *Client) Complete(model string) func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, int, int, error) {
	return func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, int, int, error) {
		body, err := json.Marshal(chatRequest{
			Model:       model,
			Messages:    []chatMessage{{Role: "user", Content: prompt}},
			Temperature: temperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			return "", 0, 0, fmt.Errorf("openai: marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return "", 0, 0, fmt.Errorf("openai: create request: %w", err)
		}
		c.setHeaders(httpReq)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return "", 0, 0, fmt.Errorf("openai: do request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", 0, 0, provider.ParseAPIError(providerTag, resp)
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", 0, 0, fmt.Errorf("openai: read response: %w", err)
		}

		text := gjson.GetBytes(respBody, "choices.0.message.content").String()
		promptTokens := int(gjson.GetBytes(respBody, "usage.prompt_tokens").Int())
		completionTokens := int(gjson.GetBytes(respBody, "usage.completion_tokens").Int())
		if promptTokens == 0 && completionTokens == 0 {
			promptTokens = estimateTokens(prompt)
			completionTokens = estimateTokens(text)
		}
		return text, promptTokens, completionTokens, nil
	}
}

// HealthCheck verifies connectivity to the OpenAI API.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	c.setHeaders(httpReq)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.ParseAPIError(providerTag, resp)
	}
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	r.Header.Set("Content-Type", "application/json")
}

// estimateTokens applies the ceil(len/4) convention used whenever upstream
// omits token counts.
func estimateTokens(s string) int {
	return int(math.Ceil(float64(len(s)) / 4))
}
