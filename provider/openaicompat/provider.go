package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pennylabs/penny"
)

// Provider implements penny.Provider for any OpenAI-compatible API. It uses
// the shared helpers in this package (BuildBody, StreamSSE, ParseResponse)
// to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	models  []penny.ModelInfo
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1"). The
// /chat/completions path is appended automatically.
//
// The model table (WithModels) drives routing: capability filters and cost
// accounting read from it. Provider-level request options (WithOptions) are
// applied to every request.
func NewProvider(apiKey, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Models returns the configured capability table.
func (p *Provider) Models() []penny.ModelInfo { return p.models }

// Available probes the upstream with a GET /models request. Auth failures
// still count as available: the endpoint is up, the key is the problem, and
// that error should surface from the real request rather than silently
// rerouting traffic.
func (p *Provider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// model resolves the request's model, falling back to the first table entry.
func (p *Provider) model(req penny.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if len(p.models) > 0 {
		return p.models[0].ID
	}
	return ""
}

// requestOpts merges provider-level options with the request's generation
// parameters. Request params win because options apply in order.
func (p *Provider) requestOpts(req penny.CompletionRequest) []Option {
	opts := make([]Option, len(p.opts), len(p.opts)+4)
	copy(opts, p.opts)
	if req.Temperature != nil {
		opts = append(opts, WithTemperature(*req.Temperature))
	}
	if req.TopP != nil {
		opts = append(opts, WithTopP(*req.TopP))
	}
	if req.MaxTokens != nil {
		opts = append(opts, WithMaxTokens(*req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		opts = append(opts, WithStop(req.Stop...))
	}
	return opts
}

// Complete sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Complete(ctx context.Context, req penny.CompletionRequest) (penny.CompletionResponse, error) {
	model := p.model(req)
	body := BuildBody(req.Messages, req.Tools, model, p.requestOpts(req)...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return penny.CompletionResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return penny.CompletionResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return penny.CompletionResponse{}, penny.Errf(penny.CodeUpstream, "%s: decode response: %v", p.name, err)
	}

	out, err := ParseResponse(chatResp)
	if err != nil {
		return out, err
	}
	out.Model = model
	return out, nil
}

// Stream streams content chunks into ch, emits any tool calls and exactly
// one terminal chunk, closes ch, and returns the accumulated response.
func (p *Provider) Stream(ctx context.Context, req penny.CompletionRequest, ch chan<- penny.Chunk) (penny.CompletionResponse, error) {
	model := p.model(req)
	body := BuildBody(req.Messages, req.Tools, model, p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		ch <- penny.ErrorChunk(err)
		close(ch)
		return penny.CompletionResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := p.httpErr(resp)
		ch <- penny.ErrorChunk(err)
		close(ch)
		return penny.CompletionResponse{}, err
	}

	out, err := StreamSSE(ctx, resp.Body, ch)
	if err != nil {
		ch <- penny.ErrorChunk(err)
		close(ch)
		return out, err
	}
	out.Model = model
	for i := range out.ToolCalls {
		ch <- penny.Chunk{Type: penny.ChunkToolCall, ToolCall: &out.ToolCalls[i]}
	}
	ch <- penny.Chunk{Type: penny.ChunkDone, Usage: &out.Usage}
	close(ch)
	return out, nil
}

// sendHTTP marshals the request body and sends it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, penny.Errf(penny.CodeInternal, "%s: marshal request: %v", p.name, err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, penny.Errf(penny.CodeInternal, "%s: create request: %v", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, penny.WrapErr(codeForCtx(ctx), ctx.Err())
		}
		return nil, penny.WrapErr(penny.CodeNetwork, err)
	}
	return resp, nil
}

func codeForCtx(ctx context.Context) penny.Code {
	if ctx.Err() == context.DeadlineExceeded {
		return penny.CodeTimeout
	}
	return penny.CodeCancelled
}

// httpErr reads the response body and maps the status to a coded error.
// Retry-After is parsed from 429/503 responses so retry middleware can honor
// the upstream's floor.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	var code penny.Code
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = penny.CodeAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		code = penny.CodeRateLimited
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		code = penny.CodeBadRequest
	case resp.StatusCode == http.StatusServiceUnavailable:
		code = penny.CodeUnavailable
	case resp.StatusCode >= 500:
		code = penny.CodeUpstream
	default:
		code = penny.CodeUpstream
	}

	err := penny.Errf(code, "%s: %d %s", p.name, resp.StatusCode, msg)
	err.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	if p.logger != nil {
		p.logger.Debug("upstream error", "provider", p.name, "status", resp.StatusCode, "code", code)
	}
	return err
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Compile-time interface check.
var _ penny.Provider = (*Provider)(nil)
