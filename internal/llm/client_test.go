package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/cortex/internal/config"
)

func TestNewClientNone(t *testing.T) {
	for _, provider := range []string{"", "none"} {
		client, err := NewClient(config.LLMConfig{Provider: provider})
		if err != nil {
			t.Fatalf("NewClient(%q): %v", provider, err)
		}
		if client != nil {
			t.Errorf("NewClient(%q) = %T, want nil", provider, client)
		}
	}
}

func TestNewClientAnthropic(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic", AnthropicKey: "test-key", Model: "claude-haiku-4-5-20251001"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", client)
	}
}

func TestNewClientAnthropicMissingKey(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic"}
	_, err := NewClient(cfg)
	if err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestNewClientOpenAI(t *testing.T) {
	client, err := NewClient(config.LLMConfig{Provider: "openai", OpenAIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*OpenAI); !ok {
		t.Errorf("expected *OpenAI, got %T", client)
	}
	if _, err := NewClient(config.LLMConfig{Provider: "openai"}); err == nil {
		t.Error("expected error without key or url")
	}
}

func TestNewClientOllama(t *testing.T) {
	cfg := config.LLMConfig{Provider: "ollama", Model: "llama3.2"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Ollama); !ok {
		t.Errorf("expected *Ollama, got %T", client)
	}
}

func TestNewClientUnknown(t *testing.T) {
	cfg := config.LLMConfig{Provider: "gpt"}
	_, err := NewClient(cfg)
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != false || req["model"] != "llama3.2" {
			t.Errorf("request = %v", req)
		}
		w.Write([]byte(`{"response":" John lives in Berlin. ","prompt_eval_count":10,"eval_count":5}`))
	}))
	defer srv.Close()

	resp, err := NewOllama(srv.URL, "llama3.2", 5*time.Second).Complete(context.Background(), "where does John live?")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "John lives in Berlin." || resp.TokensUsed != 15 || resp.Provider != "ollama" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewOllama(srv.URL, "missing", 5*time.Second).Complete(context.Background(), "hi"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		w.Write([]byte(`{"content":[{"text":"Berlin"}],"usage":{"input_tokens":7,"output_tokens":1}}`))
	}))
	defer srv.Close()

	a := NewAnthropic("test-key", "claude", 5*time.Second)
	a.url = srv.URL
	resp, err := a.Complete(context.Background(), "where?")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Berlin" || resp.TokensUsed != 8 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Berlin"}}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	resp, err := NewOpenAI("sk-test", srv.URL+"/v1", "gpt-4o-mini", 5*time.Second).Complete(context.Background(), "where?")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Berlin" || resp.TokensUsed != 12 || resp.Provider != "openai" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAnswerPrompt(t *testing.T) {
	p := AnswerPrompt("Where does John live?",
		[]string{"[person] John: "},
		[]string{"- John --[lives_in]--> Berlin"})
	for _, want := range []string{"Use only the provided context", "[person] John", "--[lives_in]-->", "QUESTION: Where does John live?"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(AnswerPrompt("q", []string{"[note] a: b"}, nil), "RELATIONSHIPS") {
		t.Error("relationships header without relations")
	}
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{
		Response: &Response{Content: "test response", Provider: "mock"},
	}

	resp, err := mock.Complete(context.Background(), "test prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "test response" {
		t.Errorf("content = %q, want %q", resp.Content, "test response")
	}
	if mock.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", mock.CallCount())
	}
	if mock.Calls[0] != "test prompt" {
		t.Errorf("call[0] = %q, want %q", mock.Calls[0], "test prompt")
	}
}

func TestMockClientBlockHonoursContext(t *testing.T) {
	mock := &MockClient{Block: true}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := mock.Complete(ctx, "slow"); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
