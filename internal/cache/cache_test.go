package cache

import (
	"context"
	"testing"
	"time"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/kv"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	store, err := kv.NewMemory(0)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return New(store, time.Hour)
}

func TestFingerprint_ExcludesUserID(t *testing.T) {
	t.Parallel()
	r1 := gateway.Request{Prompt: "hello", Model: "gpt-3.5-turbo", Temperature: 0.7, MaxTokens: 50, UserID: "u1"}
	r2 := r1
	r2.UserID = "u2"

	if Fingerprint(r1) != Fingerprint(r2) {
		t.Error("fingerprint must not depend on user_id")
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()
	r := gateway.Request{Prompt: "hello", Model: "gpt-3.5-turbo", Temperature: 0.700001, MaxTokens: 50}
	r2 := gateway.Request{Prompt: "hello", Model: "gpt-3.5-turbo", Temperature: 0.7000009, MaxTokens: 50}

	if Fingerprint(r) != Fingerprint(r2) {
		t.Error("temperature should be rounded to fixed precision before hashing")
	}
}

func TestCache_RoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()
	req := gateway.Request{Prompt: "hello", Model: "gpt-3.5-turbo", Temperature: 0.7, MaxTokens: 50, UserID: "u1"}

	if _, ok := c.Lookup(ctx, req, "req-2"); ok {
		t.Fatal("expected miss before store")
	}

	written := gateway.CompletionResult{
		Completion:       "world",
		Model:            req.Model,
		PromptTokens:     1,
		CompletionTokens: 1,
		TotalTokens:      2,
		CostUSD:          0.000004,
		RequestID:        "req-1",
		Cached:           false,
	}
	c.Store(ctx, req, written)

	got, ok := c.Lookup(ctx, req, "req-2")
	if !ok {
		t.Fatal("expected hit after store")
	}
	if !got.Cached {
		t.Error("looked-up result must be marked cached")
	}
	if got.RequestID != "req-2" {
		t.Errorf("RequestID = %q, want req-2 (the new request's id)", got.RequestID)
	}
	if got.Completion != written.Completion || got.TotalTokens != written.TotalTokens || got.CostUSD != written.CostUSD {
		t.Errorf("got %+v, want fields equal to written except RequestID/Cached", got)
	}
}

func TestCache_LookupIgnoresUserID(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()
	req1 := gateway.Request{Prompt: "hello", Model: "gpt-3.5-turbo", Temperature: 0.7, MaxTokens: 50, UserID: "u1"}
	req2 := req1
	req2.UserID = "u2"

	c.Store(ctx, req1, gateway.CompletionResult{Completion: "world", RequestID: "req-1"})

	got, ok := c.Lookup(ctx, req2, "req-3")
	if !ok {
		t.Fatal("cache lookup must hit regardless of user_id")
	}
	if got.Completion != "world" {
		t.Errorf("Completion = %q, want world", got.Completion)
	}
}

func TestCache_ClearRemovesAllEntries(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	c.Store(ctx, gateway.Request{Prompt: "a", Model: "m"}, gateway.CompletionResult{Completion: "1"})
	c.Store(ctx, gateway.Request{Prompt: "b", Model: "m"}, gateway.CompletionResult{Completion: "2"})

	n, err := c.Clear(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Clear = %d, %v, want 2, nil", n, err)
	}

	stats, _ := c.Stats(ctx, 0)
	if stats.TotalEntries != 0 {
		t.Errorf("TotalEntries after clear = %d, want 0", stats.TotalEntries)
	}
}

func TestCache_Stats(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	c.Store(ctx, gateway.Request{Prompt: "a", Model: "m"}, gateway.CompletionResult{Completion: "1"})

	stats, err := c.Stats(ctx, 0.5)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEntries != 1 {
		t.Errorf("TotalEntries = %d, want 1", stats.TotalEntries)
	}
	if stats.HitRateWindow != 0.5 {
		t.Errorf("HitRateWindow = %v, want 0.5", stats.HitRateWindow)
	}
}
