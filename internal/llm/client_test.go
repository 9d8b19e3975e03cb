package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func completionBody(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"total_tokens": 7},
	}
}

func newTestClient(url string) *Client {
	return New(Config{
		BaseURL:    url,
		Model:      "test-model",
		MaxTokens:  64,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	})
}

func TestChatCompletionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["model"] != "test-model" {
			t.Errorf("model = %v", req["model"])
		}
		json.NewEncoder(w).Encode(completionBody("done"))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).ChatCompletion(context.Background(), []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Content != "done" || res.FinishReason != "stop" || res.Model != "test-model" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestChatCompletionRetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(completionBody("after retry"))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Content != "after retry" {
		t.Fatalf("content = %q", res.Content)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestChatCompletionDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	ce, ok := err.(*CallError)
	if !ok {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if ce.StatusCode != http.StatusUnauthorized || ce.Message != "bad key" {
		t.Fatalf("unexpected error: %+v", ce)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvBaseURL, "http://localhost:9999/")
	t.Setenv(EnvModel, "m1")
	t.Setenv(EnvMaxTokens, "256")
	t.Setenv(EnvTemperature, "0.7")
	t.Setenv(EnvTimeoutSeconds, "30")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.BaseURL != "http://localhost:9999" {
		t.Fatalf("base url not trimmed: %q", cfg.BaseURL)
	}
	if cfg.MaxTokens != 256 || cfg.Temperature != 0.7 || cfg.Timeout != 30*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv(EnvModel, "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error when model is missing")
	}
}
