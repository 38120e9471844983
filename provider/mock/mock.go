// Package mock provides a deterministic scripted Provider for tests and
// local development. It honors the full streaming contract: content chunks
// in script order followed by exactly one terminal chunk.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/pennylabs/penny"
)

// Turn scripts one completion. Chunks are streamed one content chunk each;
// Complete returns their concatenation. Err, when set, fails the turn after
// any chunks already emitted.
type Turn struct {
	Chunks    []string
	ToolCalls []penny.ToolCall
	Usage     penny.Usage
	Err       error
}

// Provider replays scripted turns in order. When the script runs out, it
// echoes the last user message.
type Provider struct {
	name   string
	models []penny.ModelInfo

	mu    sync.Mutex
	turns []Turn
	calls []penny.CompletionRequest
}

// Option configures a mock Provider.
type Option func(*Provider)

// WithModels overrides the default model table.
func WithModels(models ...penny.ModelInfo) Option {
	return func(p *Provider) { p.models = models }
}

// WithName overrides the provider name (default "mock").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		models: []penny.ModelInfo{{
			ID: "mock-small",
			Capabilities: penny.Capabilities{
				Chat: true, Tools: true, Vision: true, Streaming: true,
			},
			Pricing: penny.Pricing{InputPer1K: 0.001, OutputPer1K: 0.002},
		}},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Script appends turns to replay.
func (p *Provider) Script(turns ...Turn) *Provider {
	p.mu.Lock()
	p.turns = append(p.turns, turns...)
	p.mu.Unlock()
	return p
}

// Calls returns every request seen, in order.
func (p *Provider) Calls() []penny.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]penny.CompletionRequest(nil), p.calls...)
}

func (p *Provider) Name() string                     { return p.name }
func (p *Provider) Models() []penny.ModelInfo        { return p.models }
func (p *Provider) Available(context.Context) bool   { return true }

func (p *Provider) Complete(ctx context.Context, req penny.CompletionRequest) (penny.CompletionResponse, error) {
	turn := p.nextTurn(req)
	if turn.Err != nil {
		return penny.CompletionResponse{}, turn.Err
	}
	return penny.CompletionResponse{
		Content:   strings.Join(turn.Chunks, ""),
		ToolCalls: turn.ToolCalls,
		Model:     req.Model,
		Usage:     turn.Usage,
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req penny.CompletionRequest, ch chan<- penny.Chunk) (penny.CompletionResponse, error) {
	turn := p.nextTurn(req)
	var content strings.Builder
	for _, c := range turn.Chunks {
		select {
		case <-ctx.Done():
			ch <- penny.ErrorChunk(ctx.Err())
			close(ch)
			return penny.CompletionResponse{Content: content.String()}, penny.WrapErr(penny.CodeCancelled, ctx.Err())
		case ch <- penny.Chunk{Type: penny.ChunkContent, Content: c}:
			content.WriteString(c)
		}
	}
	if turn.Err != nil {
		ch <- penny.ErrorChunk(turn.Err)
		close(ch)
		return penny.CompletionResponse{Content: content.String()}, turn.Err
	}
	for i := range turn.ToolCalls {
		ch <- penny.Chunk{Type: penny.ChunkToolCall, ToolCall: &turn.ToolCalls[i]}
	}
	resp := penny.CompletionResponse{
		Content:   content.String(),
		ToolCalls: turn.ToolCalls,
		Model:     req.Model,
		Usage:     turn.Usage,
	}
	ch <- penny.Chunk{Type: penny.ChunkDone, Usage: &resp.Usage}
	close(ch)
	return resp, nil
}

func (p *Provider) nextTurn(req penny.CompletionRequest) Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.turns) > 0 {
		t := p.turns[0]
		p.turns = p.turns[1:]
		return t
	}
	echo := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			echo = req.Messages[i].Content
			break
		}
	}
	return Turn{
		Chunks: []string{echo},
		Usage: penny.Usage{
			InputTokens:  penny.EstimateTokens(req.Messages),
			OutputTokens: len(echo) / 4,
		},
	}
}

// compile-time check
var _ penny.Provider = (*Provider)(nil)
