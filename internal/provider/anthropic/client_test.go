package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Complete_ParsesContentBlocks(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"world"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	text, promptTokens, completionTokens, err := c.Complete("claude-haiku-4-5")(context.Background(), "hello", 0.7, 50)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "world" || promptTokens != 1 || completionTokens != 1 {
		t.Errorf("got (%q, %d, %d)", text, promptTokens, completionTokens)
	}
}

func TestClient_Complete_EstimatesWhenUsageOmitted(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"abcdefgh"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, promptTokens, completionTokens, err := c.Complete("claude-haiku-4-5")(context.Background(), "abcd", 0.7, 50)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if promptTokens != 1 || completionTokens != 2 {
		t.Errorf("got (%d, %d), want (1, 2)", promptTokens, completionTokens)
	}
}

func TestClient_VertexURLShape(t *testing.T) {
	t.Parallel()
	c := NewWithHosting("https://aiplatform.googleapis.com", nil, "vertex", "us-central1", "my-project")
	got := c.messagesURL("claude-sonnet-4-6")
	want := "https://aiplatform.googleapis.com/v1/projects/my-project/locations/us-central1/publishers/anthropic/models/claude-sonnet-4-6:rawPredict"
	if got != want {
		t.Errorf("messagesURL = %q, want %q", got, want)
	}
}
