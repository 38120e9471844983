package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pennylabs/penny"
)

func gpt4o() penny.ModelInfo {
	return penny.ModelInfo{
		ID: "gpt-4o",
		Capabilities: penny.Capabilities{
			Chat: true, Tools: true, Vision: true, Streaming: true,
		},
		Pricing: penny.Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01},
	}
}

func TestProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request.
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %s", req.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-1",
			Choices: []Choice{{
				Index:   0,
				Message: &ChoiceMessage{Role: "assistant", Content: "Hello!"},
			}},
			Usage: &Usage{PromptTokens: 5, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", srv.URL, WithModels(gpt4o()))

	resp, err := p.Complete(context.Background(), penny.CompletionRequest{
		Messages: []penny.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	if resp.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", resp.Content)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %q", resp.Model)
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 2 {
		t.Errorf("expected 2 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestProvider_CompleteWithTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		if len(req.Tools) != 1 {
			t.Fatalf("expected 1 tool, got %d", len(req.Tools))
		}
		if req.Tools[0].Function.Name != "get_weather" {
			t.Errorf("expected tool name 'get_weather', got %q", req.Tools[0].Function.Name)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-2",
			Choices: []Choice{{
				Index: 0,
				Message: &ChoiceMessage{
					Role: "assistant",
					ToolCalls: []ToolCallRequest{{
						ID:   "call_abc",
						Type: "function",
						Function: FunctionCall{
							Name:      "get_weather",
							Arguments: `{"city":"London"}`,
						},
					}},
				},
			}},
			Usage: &Usage{PromptTokens: 10, CompletionTokens: 8},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", srv.URL, WithModels(gpt4o()))

	tools := []penny.ToolSpec{{
		Name:        "get_weather",
		Description: "Get weather",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}}

	resp, err := p.Complete(context.Background(), penny.CompletionRequest{
		Messages: []penny.ChatMessage{{Role: "user", Content: "Weather in London?"}},
		Tools:    tools,
	})
	if err != nil {
		t.Fatalf("Complete with tools returned error: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "get_weather" {
		t.Errorf("expected tool call name 'get_weather', got %q", resp.ToolCalls[0].Name)
	}

	var args map[string]any
	if err := json.Unmarshal(resp.ToolCalls[0].Args, &args); err != nil {
		t.Fatalf("failed to parse args: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("expected city 'London', got %v", args["city"])
	}
}

func TestProvider_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		chunks := []string{
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{"content":" world"}}]}`,
			`data: {"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`data: [DONE]`,
		}

		for _, chunk := range chunks {
			w.Write([]byte(chunk + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewProvider("test-key", srv.URL, WithModels(gpt4o()))

	ch := make(chan penny.Chunk, 10)
	resp, err := p.Stream(context.Background(), penny.CompletionRequest{
		Messages: []penny.ChatMessage{{Role: "user", Content: "Hi"}},
	}, ch)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var deltas []string
	var terminals int
	for c := range ch {
		switch c.Type {
		case penny.ChunkContent:
			deltas = append(deltas, c.Content)
		case penny.ChunkDone, penny.ChunkError:
			terminals++
		}
	}

	if resp.Content != "Hello world" {
		t.Errorf("expected content 'Hello world', got %q", resp.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 content chunks, got %d", len(deltas))
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal chunk, got %d", terminals)
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 2 {
		t.Errorf("expected 2 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	p := NewProvider("test-key", srv.URL, WithModels(gpt4o()))

	ch := make(chan penny.Chunk, 10)
	_, err := p.Stream(context.Background(), penny.CompletionRequest{
		Messages: []penny.ChatMessage{{Role: "user", Content: "Hi"}},
	}, ch)

	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if penny.CodeOf(err) != penny.CodeRateLimited {
		t.Errorf("expected RATE_LIMIT_EXCEEDED, got %v", penny.CodeOf(err))
	}
	if penny.RetryAfterOf(err) != 2*time.Second {
		t.Errorf("expected retry-after 2s, got %v", penny.RetryAfterOf(err))
	}

	// The stream must end with exactly one error chunk, then close.
	var terminals int
	for c := range ch {
		if c.Type == penny.ChunkError {
			terminals++
			if c.Code != penny.CodeRateLimited {
				t.Errorf("expected error chunk code RATE_LIMIT_EXCEEDED, got %q", c.Code)
			}
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one error chunk, got %d", terminals)
	}
}

func TestProvider_Complete_HTTPError(t *testing.T) {
	cases := []struct {
		status int
		want   penny.Code
	}{
		{http.StatusUnauthorized, penny.CodeAuth},
		{http.StatusForbidden, penny.CodeAuth},
		{http.StatusBadRequest, penny.CodeBadRequest},
		{http.StatusTooManyRequests, penny.CodeRateLimited},
		{http.StatusServiceUnavailable, penny.CodeUnavailable},
		{http.StatusInternalServerError, penny.CodeUpstream},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))

		p := NewProvider("test-key", srv.URL, WithModels(gpt4o()))
		_, err := p.Complete(context.Background(), penny.CompletionRequest{
			Messages: []penny.ChatMessage{{Role: "user", Content: "Hi"}},
		})
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := penny.CodeOf(err); got != tc.want {
			t.Errorf("status %d: expected code %s, got %s", tc.status, tc.want, got)
		}
	}
}

func TestProvider_NameAndModels(t *testing.T) {
	p := NewProvider("key", "http://localhost", WithModels(gpt4o()))
	if p.Name() != "openai" {
		t.Errorf("expected default name 'openai', got %q", p.Name())
	}
	if !penny.Owns(p, "gpt-4o") {
		t.Error("expected provider to own gpt-4o")
	}
	if penny.Owns(p, "claude-3") {
		t.Error("did not expect provider to own claude-3")
	}

	p = NewProvider("key", "http://localhost", WithName("groq"))
	if p.Name() != "groq" {
		t.Errorf("expected name 'groq', got %q", p.Name())
	}
}

func TestProvider_NoAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("expected no auth header for empty API key")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-4",
			Choices: []Choice{{
				Index:   0,
				Message: &ChoiceMessage{Role: "assistant", Content: "OK"},
			}},
		})
	}))
	defer srv.Close()

	// Ollama and other local providers don't need API keys.
	p := NewProvider("", srv.URL, WithModels(penny.ModelInfo{ID: "llama3"}))

	resp, err := p.Complete(context.Background(), penny.CompletionRequest{
		Messages: []penny.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if resp.Content != "OK" {
		t.Errorf("expected content 'OK', got %q", resp.Content)
	}
}

func TestProvider_RequestParamsOverrideOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		if req.Temperature == nil || *req.Temperature != 0.2 {
			t.Errorf("expected temperature 0.2 (request wins), got %v", req.Temperature)
		}
		if req.MaxTokens != 2048 {
			t.Errorf("expected max_tokens 2048, got %d", req.MaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-5",
			Choices: []Choice{{
				Index:   0,
				Message: &ChoiceMessage{Role: "assistant", Content: "OK"},
			}},
		})
	}))
	defer srv.Close()

	p := NewProvider("key", srv.URL,
		WithModels(gpt4o()),
		WithOptions(WithTemperature(0.7), WithMaxTokens(2048)),
	)

	temp := 0.2
	_, err := p.Complete(context.Background(), penny.CompletionRequest{
		Messages:    []penny.ChatMessage{{Role: "user", Content: "Hi"}},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
}

func TestProvider_Available(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("expected path /models, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	p := NewProvider("key", srv.URL)
	if !p.Available(context.Background()) {
		t.Error("expected available")
	}
	srv.Close()
	if p.Available(context.Background()) {
		t.Error("expected unavailable after server close")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("empty: expected 0, got %v", d)
	}
	if d := ParseRetryAfter("5"); d != 5*time.Second {
		t.Errorf("seconds: expected 5s, got %v", d)
	}
	if d := ParseRetryAfter("garbage"); d != 0 {
		t.Errorf("garbage: expected 0, got %v", d)
	}
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(future); d <= 0 || d > 10*time.Second {
		t.Errorf("http date: expected ~10s, got %v", d)
	}
}
