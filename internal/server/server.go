// Package server implements the inbound HTTP transport layer: it
// decodes inbound JSON and applies field defaults, invokes the Pipeline
// Orchestrator or the Health & Admin Views, and serializes the result.
// Routing and serialization live only here; request validation runs in
// the orchestrator through gateway.Validate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/telemetry"
	"github.com/koval-dev/llmgate/internal/views"
)

// Orchestrator is the single entry point the /v1/generate handler drives.
// Satisfied by *orchestrator.Orchestrator.
type Orchestrator interface {
	Process(ctx context.Context, req gateway.Request) (gateway.CompletionResult, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Orchestrator   Orchestrator
	Views          *views.Views
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
}

type server struct {
	deps  Deps
	views *views.Views
}

// New creates an http.Handler with every gateway route wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, views: deps.Views}

	r := chi.NewRouter()

	r.Use(securityHeaders)
	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Post("/v1/generate", s.handleGenerate)
	r.Get("/v1/health", s.handleHealth)
	r.Get("/v1/models", s.handleListModels)
	r.Get("/v1/usage/{user_id}", s.handleUsage)
	r.Get("/v1/rate-limit/{user_id}", s.handleRateLimitStatus)
	r.Get("/v1/cache/stats", s.handleCacheStats)
	r.Delete("/v1/cache/clear", s.handleCacheClear)
	r.Get("/v1/admin/summary", s.handleAdminSummary)

	return r
}

// generateRequest is the wire shape of the /v1/generate body. Temperature
// and MaxTokens are pointers so the decode layer can distinguish "field
// omitted" (apply the default) from "field explicitly sent as the Go
// zero value", which a plain float64/int cannot.
type generateRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	UserID      string   `json:"user_id"`
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid_input", "malformed JSON body"))
		return
	}

	req := gateway.Request{
		Prompt: body.Prompt,
		Model:  body.Model,
		UserID: body.UserID,
	}
	req.Temperature = gateway.DefaultTemperature
	if body.Temperature != nil {
		req.Temperature = *body.Temperature
	}
	req.MaxTokens = gateway.DefaultMaxTokens
	if body.MaxTokens != nil {
		req.MaxTokens = *body.MaxTokens
	}

	result, err := s.deps.Orchestrator.Process(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.views.Models())
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	usage, err := s.views.Usage(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	// No usage:* keys exist for a user who has never had a request
	// recorded, so an all-zero summary reads as an unknown user_id.
	if usage.Requests == 0 && usage.Tokens == 0 && usage.CostUSD == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse("not_found", "no usage recorded for user_id"))
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	writeJSON(w, http.StatusOK, s.views.RateLimitStatus(r.Context(), userID))
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.views.CacheStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	count, err := s.views.ClearCache(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": count})
}

func (s *server) handleAdminSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.views.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// writeError maps a gateway taxonomy error to its HTTP status, attaching
// Retry-After for rate_limit_exceeded.
func writeError(w http.ResponseWriter, err error) {
	status := gateway.HTTPStatus(err)

	var rle *gateway.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfterS > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterS))
	}

	code := "internal"
	switch {
	case errors.Is(err, gateway.ErrInvalidInput):
		code = "invalid_input"
	case errors.Is(err, gateway.ErrInvalidModel):
		code = "invalid_model"
	case errors.Is(err, gateway.ErrRateLimitExceeded):
		code = "rate_limit_exceeded"
	case errors.Is(err, gateway.ErrKVUnavailable):
		code = "kv_unavailable"
	case errors.Is(err, gateway.ErrProviderRetryable), errors.Is(err, gateway.ErrProviderTerminal):
		code = "provider_failure"
	case errors.Is(err, gateway.ErrTimeout):
		code = "timeout"
	}

	// Internal messages stay in the log, never in the response body.
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, errorResponse(code, message))
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorResponse(code, message string) errorBody {
	return errorBody{Error: message, Code: code}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
