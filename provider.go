package penny

import "context"

// Capabilities describes what a model can do.
type Capabilities struct {
	Chat      bool `json:"chat"`
	Tools     bool `json:"tools"`
	Vision    bool `json:"vision"`
	Streaming bool `json:"streaming"`
}

// Pricing is per-1k-token pricing in USD.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// ModelInfo is one entry of a provider's static capability table.
type ModelInfo struct {
	ID           string       `json:"id"`
	Capabilities Capabilities `json:"capabilities"`
	Pricing      Pricing      `json:"pricing"`
}

// CompletionRequest is the uniform request shape across providers.
type CompletionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []ToolSpec    `json:"tools,omitempty"`
}

// CompletionResponse is a complete assistant turn.
type CompletionResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Model     string     `json:"model,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Provider abstracts one upstream LLM service behind the uniform
// chat-completion contract.
//
// Stream sends chunks into ch in upstream arrival order and closes ch after
// emitting exactly one terminal chunk (done or error), then returns the
// accumulated response. Streams are finite and non-restartable.
type Provider interface {
	// Name returns the provider name (e.g. "openai", "mock").
	Name() string
	// Models returns the static capability table.
	Models() []ModelInfo
	// Available is a lightweight liveness probe.
	Available(ctx context.Context) bool
	// Complete sends a request and returns a complete response.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Stream streams chunks into ch, then returns the final response with usage.
	Stream(ctx context.Context, req CompletionRequest, ch chan<- Chunk) (CompletionResponse, error)
}

// Owns reports whether the provider serves the given model ID.
func Owns(p Provider, model string) bool {
	for _, m := range p.Models() {
		if m.ID == model {
			return true
		}
	}
	return false
}

// ModelOf returns the provider's descriptor for model, if any.
func ModelOf(p Provider, model string) (ModelInfo, bool) {
	for _, m := range p.Models() {
		if m.ID == model {
			return m, true
		}
	}
	return ModelInfo{}, false
}
