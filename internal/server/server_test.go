package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/cache"
	"github.com/koval-dev/llmgate/internal/cost"
	"github.com/koval-dev/llmgate/internal/kv"
	"github.com/koval-dev/llmgate/internal/provider"
	"github.com/koval-dev/llmgate/internal/ratelimit"
	"github.com/koval-dev/llmgate/internal/views"
)

// fakeOrchestrator lets each test control Process's outcome directly,
// without exercising the real pipeline.
type fakeOrchestrator struct {
	result  gateway.CompletionResult
	err     error
	lastReq gateway.Request
}

func (f *fakeOrchestrator) Process(_ context.Context, req gateway.Request) (gateway.CompletionResult, error) {
	f.lastReq = req
	return f.result, f.err
}

func newTestServer(t *testing.T, orch *fakeOrchestrator) (http.Handler, *views.Views) {
	t.Helper()
	store, err := kv.NewMemory(0)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	c := cache.New(store, time.Hour)
	limiter := ratelimit.New(store, ratelimit.Limits{PerMinute: 10, PerHour: 100})
	registry := provider.NewRegistry(map[string]gateway.ProviderBinding{
		"gpt-3.5-turbo": {ProviderTag: "openai", NativeModelName: "gpt-3.5-turbo", PricePerTokenUSD: 0.000002},
	})
	tracker := cost.New(store)
	v := views.New(store, c, limiter, registry, tracker)
	return New(Deps{Orchestrator: orch, Views: v}), v
}

func TestHandleGenerate_AppliesDefaultsAndReturnsResult(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{result: gateway.CompletionResult{Completion: "hi", RequestID: "req-1"}}
	handler, _ := newTestServer(t, orch)

	body := strings.NewReader(`{"prompt":"hello","model":"gpt-3.5-turbo","user_id":"u1"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if orch.lastReq.Temperature != gateway.DefaultTemperature {
		t.Errorf("temperature = %v, want default %v", orch.lastReq.Temperature, gateway.DefaultTemperature)
	}
	if orch.lastReq.MaxTokens != gateway.DefaultMaxTokens {
		t.Errorf("max_tokens = %v, want default %v", orch.lastReq.MaxTokens, gateway.DefaultMaxTokens)
	}

	var result gateway.CompletionResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if result.Completion != "hi" {
		t.Errorf("completion = %q, want %q", result.Completion, "hi")
	}
}

func TestHandleGenerate_ExplicitZeroTemperaturePreserved(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{result: gateway.CompletionResult{}}
	handler, _ := newTestServer(t, orch)

	body := strings.NewReader(`{"prompt":"hello","model":"gpt-3.5-turbo","user_id":"u1","temperature":0,"max_tokens":50}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if orch.lastReq.Temperature != 0 {
		t.Errorf("temperature = %v, want 0 (explicitly sent)", orch.lastReq.Temperature)
	}
	if orch.lastReq.MaxTokens != 50 {
		t.Errorf("max_tokens = %v, want 50", orch.lastReq.MaxTokens)
	}
}

func TestHandleGenerate_MalformedJSON(t *testing.T) {
	t.Parallel()
	handler, _ := newTestServer(t, &fakeOrchestrator{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGenerate_RateLimitExceededSetsRetryAfter(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{err: &gateway.RateLimitError{RetryAfterS: 42}}
	handler, _ := newTestServer(t, orch)

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"prompt":"hi","model":"gpt-3.5-turbo","user_id":"u1"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "42" {
		t.Errorf("Retry-After = %q, want 42", rec.Header().Get("Retry-After"))
	}
}

func TestHandleGenerate_InternalErrorHidesMessage(t *testing.T) {
	t.Parallel()
	orch := &fakeOrchestrator{err: errors.New("leaked db password: hunter2")}
	handler, _ := newTestServer(t, orch)

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"prompt":"hi","model":"gpt-3.5-turbo","user_id":"u1"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Errorf("response body leaked internal error detail: %s", rec.Body.String())
	}
}

func TestHandleHealth_ReportsDegradedWhenNoProviders(t *testing.T) {
	t.Parallel()
	store, err := kv.NewMemory(0)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	c := cache.New(store, time.Hour)
	limiter := ratelimit.New(store, ratelimit.Limits{PerMinute: 10, PerHour: 100})
	registry := provider.NewRegistry(nil)
	tracker := cost.New(store)
	v := views.New(store, c, limiter, registry, tracker)
	handler := New(Deps{Orchestrator: &fakeOrchestrator{}, Views: v})

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleUsage_UnknownUserIs404(t *testing.T) {
	t.Parallel()
	handler, _ := newTestServer(t, &fakeOrchestrator{})

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/ghost", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleModels_ListsRegisteredModels(t *testing.T) {
	t.Parallel()
	handler, _ := newTestServer(t, &fakeOrchestrator{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var models []gateway.ModelInfo
	if err := json.NewDecoder(rec.Body).Decode(&models); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(models) != 1 || models[0].Name != "gpt-3.5-turbo" {
		t.Fatalf("models = %+v, want one gpt-3.5-turbo entry", models)
	}
}

func TestHandleCacheClear_ReturnsDeletedCount(t *testing.T) {
	t.Parallel()
	handler, _ := newTestServer(t, &fakeOrchestrator{})

	req := httptest.NewRequest(http.MethodDelete, "/v1/cache/clear", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["deleted_count"] != 0 {
		t.Errorf("deleted_count = %d, want 0 on an empty cache", out["deleted_count"])
	}
}
