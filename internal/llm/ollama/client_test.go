package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FinAssist/internal/llm"
)

func TestGenerateNonStreaming(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"qwen2","response":"市盈率是估值指标。","done":true}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "qwen2", Timeout: time.Second})
	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "什么是市盈率", Temperature: 0.2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "市盈率是估值指标。" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if body["stream"] != false || body["model"] != "qwen2" {
		t.Fatalf("unexpected request body %v", body)
	}
	options, _ := body["options"].(map[string]any)
	if options["temperature"] != 0.2 || options["num_predict"] != float64(llm.DefaultMaxTokens) {
		t.Fatalf("unexpected options %v", options)
	}
}

func TestGenerateErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("X-Empty") != "" {
			_, _ = w.Write([]byte(`{"response":""}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected error for missing model")
	}

	client.client.SetHeader("X-Empty", "1")
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected error for empty response")
	}
}
