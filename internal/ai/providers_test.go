package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing API key header")
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Error("missing anthropic-version header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "claude-3-5-haiku-latest" {
			t.Errorf("model = %s", req.Model)
		}
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicBlock{{Type: "text", Text: `{"ok":true}`}},
			Usage:   anthropicUsage{InputTokens: 100, OutputTokens: 10},
		})
	}))
	defer srv.Close()

	a := NewAnthropic("test-key", srv.URL, srv.Client())
	resp, err := a.Complete(context.Background(), CompletionRequest{Model: "claude-3-5-haiku-latest", Content: "hi", JSON: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 100 || resp.Usage.OutputTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, Terminal},
		{http.StatusBadRequest, Terminal},
		{http.StatusTooManyRequests, Retryable},
		{http.StatusBadGateway, Retryable},
		{529, Retryable},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		a := NewAnthropic("k", srv.URL, srv.Client())
		_, err := a.Complete(context.Background(), CompletionRequest{Model: "claude-3-5-haiku-latest"})
		srv.Close()

		var pe *ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: expected ProviderError, got %v", tt.status, err)
		}
		if pe.Kind != tt.want || pe.StatusCode != tt.status {
			t.Errorf("status %d: kind = %s, want %s", tt.status, pe.Kind, tt.want)
		}
	}
}

func TestGeminiComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gemini-2.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Error("missing api key header")
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello "},{"text":"world"}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3}}`))
	}))
	defer srv.Close()

	g := NewGemini("g-key", srv.URL, srv.Client())
	resp, err := g.Complete(context.Background(), CompletionRequest{Model: "gemini-2.5-flash", Content: "hi"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "hello world" || resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Error("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"{\"comments\":[]}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`))
	}))
	defer srv.Close()

	o := NewOpenAI("sk-test", srv.URL+"/v1", srv.Client())
	resp, err := o.Complete(context.Background(), CompletionRequest{Model: "gpt-4o", Content: "hi", JSON: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != `{"comments":[]}` || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAIAuthErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	o := NewOpenAI("bad", srv.URL+"/v1", srv.Client())
	_, err := o.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	if kindOf(err) != Terminal {
		t.Fatalf("kind = %s, err = %v", kindOf(err), err)
	}
}
