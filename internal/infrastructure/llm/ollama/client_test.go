package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

func testOptions() Options {
	return Options{Timeout: time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}
}

func TestGenerateSelectsModelByRole(t *testing.T) {
	var payloads []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		payloads = append(payloads, payload)
		_, _ = w.Write([]byte(`{"response":" ok "}`))
	}))
	defer server.Close()

	client := New(server.URL, Models{Default: "base", Chat: "chat-model"}, testOptions())

	out, err := client.Generate(context.Background(), domain.GenerateRequest{
		Prompt:       "hello",
		SystemPrompt: "be brief",
		Role:         domain.RoleChat,
		JSON:         true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != "ok" {
		t.Fatalf("expected trimmed response, got %q", out)
	}
	if _, err := client.Generate(context.Background(), domain.GenerateRequest{Prompt: "x", Role: domain.RoleAccounting}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := client.Generate(context.Background(), domain.GenerateRequest{Prompt: "x", Role: domain.RoleChat, Model: "explicit"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(payloads) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(payloads))
	}
	if payloads[0]["model"] != "chat-model" || payloads[0]["system"] != "be brief" || payloads[0]["format"] != "json" {
		t.Fatalf("unexpected chat payload: %#v", payloads[0])
	}
	if payloads[1]["model"] != "base" {
		t.Fatalf("expected default model fallback, got %v", payloads[1]["model"])
	}
	if _, ok := payloads[1]["system"]; ok {
		t.Fatalf("system prompt must be omitted when empty")
	}
	if payloads[2]["model"] != "explicit" {
		t.Fatalf("expected explicit model, got %v", payloads[2]["model"])
	}
}

func TestGenerateRetriesDroppedConnection(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("response writer is not a hijacker")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte(`{"response":"recovered"}`))
	}))
	defer server.Close()

	client := New(server.URL, Models{Default: "base"}, testOptions())
	out, err := client.Generate(context.Background(), domain.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != "recovered" {
		t.Fatalf("unexpected output %q", out)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestGenerateDoesNotRetryStatusError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL, Models{Default: "base"}, testOptions())
	_, err := client.Generate(context.Background(), domain.GenerateRequest{Prompt: "hi"})
	if !errors.Is(err, domain.ErrLLMRejected) {
		t.Fatalf("expected ErrLLMRejected, got %v", err)
	}
	if errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("rejected request must not be temporary")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single call, got %d", calls.Load())
	}
}

func TestGenerateTimeoutAfterRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := New(server.URL, Models{Default: "base"}, Options{
		Timeout:    30 * time.Millisecond,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	_, err := client.Generate(context.Background(), domain.GenerateRequest{Prompt: "hi"})
	if !errors.Is(err, domain.ErrLLMTimeout) {
		t.Fatalf("expected ErrLLMTimeout, got %v", err)
	}
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected timeout to be temporary, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestGenerateUnavailableWhenServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client := New(url, Models{Default: "base"}, Options{Timeout: time.Second, MaxRetries: 2, RetryDelay: time.Millisecond})
	_, err := client.Generate(context.Background(), domain.GenerateRequest{Prompt: "hi"})
	if !errors.Is(err, domain.ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	client := New("http://127.0.0.1:1", Models{Default: "base"}, testOptions())
	_, err := client.Generate(context.Background(), domain.GenerateRequest{Prompt: "  "})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTranslatorSkipsSameLanguage(t *testing.T) {
	client := New("http://127.0.0.1:1", Models{Default: "base"}, testOptions())
	out, err := NewTranslator(client).Translate(context.Background(), "Rechnung", "de", "DE")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if out != "Rechnung" {
		t.Fatalf("expected passthrough, got %q", out)
	}
}

func TestTranslatorUsesDocumentModel(t *testing.T) {
	var model, prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		model, _ = payload["model"].(string)
		prompt, _ = payload["prompt"].(string)
		_, _ = w.Write([]byte(`{"response":"Hotelrechnung"}`))
	}))
	defer server.Close()

	client := New(server.URL, Models{Default: "base", Document: "doc-model"}, testOptions())
	out, err := NewTranslator(client).Translate(context.Background(), "Hotel invoice", "en", "de")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if out != "Hotelrechnung" || model != "doc-model" {
		t.Fatalf("unexpected translation %q via %q", out, model)
	}
	if !strings.Contains(prompt, "Hotel invoice") {
		t.Fatalf("expected text in prompt, got %q", prompt)
	}
}
