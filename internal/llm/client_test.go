package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hollis/mnemo/internal/config"
)

func TestNewClientProviderSelection(t *testing.T) {
	if _, err := NewClient(config.LLMConfig{Provider: "anthropic"}); err == nil {
		t.Error("anthropic without key accepted")
	}

	c, err := NewClient(config.LLMConfig{Provider: "anthropic", AnthropicKey: "sk-test"})
	if err != nil {
		t.Fatalf("anthropic with key: %v", err)
	}
	if _, ok := c.(*Anthropic); !ok {
		t.Errorf("got %T, want *Anthropic", c)
	}

	c, err = NewClient(config.LLMConfig{Provider: "ollama"})
	if err != nil {
		t.Fatalf("ollama defaults: %v", err)
	}
	if _, ok := c.(*Ollama); !ok {
		t.Errorf("got %T, want *Ollama", c)
	}

	if _, err := NewClient(config.LLMConfig{Provider: "bard"}); err == nil {
		t.Error("unknown provider accepted")
	}
	if _, err := NewClient(config.LLMConfig{}); err == nil {
		t.Error("empty provider accepted")
	}
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"response": "a short answer"}`))
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "llama3.2")
	resp, err := c.Complete(context.Background(), "say something short")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "a short answer" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Provider != "ollama" {
		t.Errorf("provider = %q", resp.Provider)
	}
}

func TestOllamaCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "llama3.2")
	if _, err := c.Complete(context.Background(), "hi"); err == nil {
		t.Error("server error not surfaced")
	}
}

func TestSummaryPrompt(t *testing.T) {
	prompt := SummaryPrompt("deploys", []string{"first memory", "second memory"})

	if !strings.Contains(prompt, `"deploys"`) {
		t.Error("topic missing from prompt")
	}
	if !strings.Contains(prompt, "1. first memory") || !strings.Contains(prompt, "2. second memory") {
		t.Error("numbered contents missing from prompt")
	}
	if !strings.Contains(prompt, "JSON") {
		t.Error("response format instruction missing")
	}
}

func TestMockClientRecordsCalls(t *testing.T) {
	m := &MockClient{Response: &Response{Content: "ok"}}

	resp, err := m.Complete(context.Background(), "prompt one")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(m.Calls) != 1 || m.Calls[0] != "prompt one" {
		t.Errorf("calls = %v", m.Calls)
	}
}
