package penny

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// WebhookFunc delivers a message.processed notification. Best-effort; errors
// are logged and never fail the request.
type WebhookFunc func(ctx context.Context, event string, payload any) error

// ProcessOptions are per-request knobs from the HTTP surface.
type ProcessOptions struct {
	Model            string
	Temperature      *float64
	MaxTokens        *int
	ToolsEnabled     []string // nil = all the principal may use
	ArtifactsEnabled bool
}

// Processor turns a stored user message into a completed assistant reply:
// window assembly, routing, streaming completion, the tool loop, artifact
// emission, and usage accounting.
type Processor struct {
	store     Store
	router    *Router
	registry  *Registry
	executor  *Executor
	usage     *UsageRecorder
	extractor *ArtifactExtractor
	webhook   WebhookFunc

	maxTurns      int
	windowSize    int
	contextBudget int // rune budget for the assembled window
	logger        *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// ProcessorMaxTurns bounds the tool loop depth (default 5).
func ProcessorMaxTurns(n int) ProcessorOption {
	return func(p *Processor) { p.maxTurns = n }
}

// ProcessorWindow sets the max messages pulled into context (default 20).
func ProcessorWindow(n int) ProcessorOption {
	return func(p *Processor) { p.windowSize = n }
}

// ProcessorContextBudget caps the assembled window's total rune count
// (default 100000). Oldest messages are dropped first.
func ProcessorContextBudget(n int) ProcessorOption {
	return func(p *Processor) { p.contextBudget = n }
}

// ProcessorWebhook sets the message.processed subscriber.
func ProcessorWebhook(w WebhookFunc) ProcessorOption {
	return func(p *Processor) { p.webhook = w }
}

func ProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

func NewProcessor(store Store, router *Router, registry *Registry, executor *Executor, usage *UsageRecorder, extractor *ArtifactExtractor, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:         store,
		router:        router,
		registry:      registry,
		executor:      executor,
		usage:         usage,
		extractor:     extractor,
		maxTurns:      5,
		windowSize:    20,
		contextBudget: 100_000,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// Process runs one user message to completion. When ch is non-nil it emits
// content and tool_call chunks as they arrive, terminated by exactly one
// done or error chunk, and closes ch. Returns the final assistant message.
//
// Non-user messages are skipped without error. A mid-flight failure marks
// the user message's metadata and surfaces the error; the message itself is
// never deleted.
func (p *Processor) Process(ctx context.Context, tenant Tenant, principal Principal, userMsg Message, opts ProcessOptions, ch chan<- Chunk) (Message, error) {
	var closeOnce sync.Once
	finishStream := func(c Chunk) {
		if ch == nil {
			return
		}
		closeOnce.Do(func() {
			ch <- c
			close(ch)
		})
	}

	if userMsg.Role != "user" {
		finishStream(Chunk{Type: ChunkDone})
		return Message{}, nil
	}

	start := time.Now()
	assistant, usage, model, err := p.run(ctx, tenant, principal, userMsg, opts, ch)
	if err != nil {
		p.markFailed(ctx, userMsg, err)
		finishStream(ErrorChunk(err))
		return Message{}, err
	}

	p.recordUsage(ctx, tenant.ID, model, usage, time.Since(start))
	p.emitArtifacts(ctx, tenant.ID, userMsg, assistant, opts)
	p.notify(ctx, tenant.ID, assistant)

	finishStream(Chunk{Type: ChunkDone, Usage: &usage})
	return assistant, nil
}

// run drives the completion and tool loop, returning the final persisted
// assistant message, aggregate usage, and the model the router resolved.
func (p *Processor) run(ctx context.Context, tenant Tenant, principal Principal, userMsg Message, opts ProcessOptions, ch chan<- Chunk) (Message, Usage, string, error) {
	messages, err := p.assembleWindow(ctx, tenant.ID, userMsg)
	if err != nil {
		return Message{}, Usage{}, "", err
	}
	tools := p.resolveTools(tenant, principal, opts)

	req := CompletionRequest{
		Messages:    messages,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Tools:       specsOf(tools),
	}
	route, err := p.router.Route(ctx, req, tenant.ID)
	if err != nil {
		return Message{}, Usage{}, "", err
	}
	req.Model = route.Model

	var total Usage
	var assistant Message

	for turn := 0; ; turn++ {
		resp, err := p.complete(ctx, route, req, ch)
		total.InputTokens += resp.Usage.InputTokens
		total.OutputTokens += resp.Usage.OutputTokens
		if err != nil {
			if CodeOf(err) == CodeCancelled && resp.Content != "" {
				p.persistAssistant(ctx, tenant.ID, userMsg, resp, map[string]any{"cancelled": true})
			}
			return Message{}, total, route.Model, err
		}

		assistant = p.persistAssistant(ctx, tenant.ID, userMsg, resp, nil)

		if len(resp.ToolCalls) == 0 || turn >= p.maxTurns {
			p.recordCost(ctx, tenant.ID, route.Info, total)
			return assistant, total, route.Model, nil
		}

		req.Messages = append(req.Messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result := p.dispatchTool(ctx, principal, tc, ch)
			p.persistToolResult(ctx, tenant.ID, assistant, tc, result)
			req.Messages = append(req.Messages, ToolResultMessage(tc.ID, result))
		}
	}
}

// complete invokes the provider, streaming when ch is non-nil. Provider
// terminal chunks are swallowed: the processor owns the single terminal
// chunk for the whole request.
func (p *Processor) complete(ctx context.Context, route Route, req CompletionRequest, ch chan<- Chunk) (CompletionResponse, error) {
	if ch == nil {
		return route.Provider.Complete(ctx, req)
	}
	mid := make(chan Chunk, 64)
	var (
		resp CompletionResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = route.Provider.Stream(ctx, req, mid)
	}()
	for c := range mid {
		if c.Type == ChunkDone || c.Type == ChunkError {
			continue
		}
		ch <- c
	}
	<-done
	return resp, err
}

// dispatchTool runs one tool call and renders its result for the model.
// Failures become error strings; they never abort the request.
func (p *Processor) dispatchTool(ctx context.Context, principal Principal, tc ToolCall, ch chan<- Chunk) string {
	var params map[string]any
	if len(tc.Args) > 0 {
		if err := json.Unmarshal(tc.Args, &params); err != nil {
			return "error: invalid tool arguments: " + err.Error()
		}
	}
	exec, err := p.executor.Execute(ctx, tc.Name, params, principal, ExecuteOptions{})
	result := renderToolResult(exec, err)
	if ch != nil {
		ch <- Chunk{Type: ChunkToolCall, ToolCall: &tc, ToolResult: result}
	}
	return result
}

func renderToolResult(exec ToolExecution, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	if exec.Error != "" {
		return "error: " + exec.Error
	}
	if exec.Result == nil {
		return ""
	}
	if s, ok := exec.Result.Data.(string); ok {
		return s
	}
	raw, jerr := json.Marshal(exec.Result.Data)
	if jerr != nil {
		return "error: unencodable tool result"
	}
	return string(raw)
}

// assembleWindow loads the conversation's recent messages under the window
// and rune budget, oldest first, ending with the user message.
func (p *Processor) assembleWindow(ctx context.Context, tenantID string, userMsg Message) ([]ChatMessage, error) {
	history, err := p.store.GetMessages(ctx, tenantID, userMsg.ConversationID, p.windowSize)
	if err != nil && !NotFoundErr(err) {
		return nil, err
	}

	// Trim oldest-first until the window fits the budget.
	budget := p.contextBudget
	var kept []Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.ID == userMsg.ID {
			continue
		}
		if budget-len(m.Content) < 0 {
			break
		}
		budget -= len(m.Content)
		kept = append(kept, m)
	}

	out := make([]ChatMessage, 0, len(kept)+1)
	for i := len(kept) - 1; i >= 0; i-- {
		m := kept[i]
		cm := ChatMessage{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls}
		if m.Role == "tool" {
			cm.ToolCallID = m.ParentID
		}
		out = append(out, cm)
	}
	return append(out, UserMessage(userMsg.Content)), nil
}

// resolveTools returns the definitions this request may call.
func (p *Processor) resolveTools(tenant Tenant, principal Principal, opts ProcessOptions) []ToolDefinition {
	allowed := p.registry.ListForPrincipal(tenant, principal)
	if opts.ToolsEnabled == nil {
		return allowed
	}
	want := make(map[string]bool, len(opts.ToolsEnabled))
	for _, n := range opts.ToolsEnabled {
		want[n] = true
	}
	var out []ToolDefinition
	for _, d := range allowed {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func specsOf(defs []ToolDefinition) []ToolSpec {
	if len(defs) == 0 {
		return nil
	}
	out := make([]ToolSpec, len(defs))
	for i, d := range defs {
		out[i] = d.Spec()
	}
	return out
}

func (p *Processor) persistAssistant(ctx context.Context, tenantID string, userMsg Message, resp CompletionResponse, metadata map[string]any) Message {
	msg := Message{
		ID:             NewID(),
		ConversationID: userMsg.ConversationID,
		TenantID:       tenantID,
		Role:           "assistant",
		Content:        resp.Content,
		ToolCalls:      resp.ToolCalls,
		TokenCount:     resp.Usage.OutputTokens,
		CreatedAt:      NowUnix(),
		Metadata:       metadata,
	}
	if err := p.store.StoreMessage(ctx, msg); err != nil {
		p.logger.Error("assistant message persist failed", "conversation_id", msg.ConversationID, "error", err)
	}
	if err := p.store.TouchConversation(ctx, tenantID, msg.ConversationID, msg.CreatedAt); err != nil {
		p.logger.Warn("conversation touch failed", "conversation_id", msg.ConversationID, "error", err)
	}
	return msg
}

func (p *Processor) persistToolResult(ctx context.Context, tenantID string, assistant Message, tc ToolCall, result string) {
	msg := Message{
		ID:             NewID(),
		ConversationID: assistant.ConversationID,
		TenantID:       tenantID,
		Role:           "tool",
		Content:        result,
		ParentID:       assistant.ID,
		CreatedAt:      NowUnix(),
		Metadata:       map[string]any{"tool": tc.Name, "tool_call_id": tc.ID},
	}
	if err := p.store.StoreMessage(ctx, msg); err != nil {
		p.logger.Error("tool message persist failed", "conversation_id", msg.ConversationID, "error", err)
	}
}

func (p *Processor) emitArtifacts(ctx context.Context, tenantID string, userMsg, assistant Message, opts ProcessOptions) {
	if !opts.ArtifactsEnabled || p.extractor == nil || assistant.ID == "" {
		return
	}
	for _, a := range p.extractor.Extract(assistant.Content, userMsg.Content, tenantID, assistant.ID) {
		if err := p.store.StoreArtifact(ctx, a); err != nil {
			p.logger.Warn("artifact persist failed", "message_id", assistant.ID, "error", err)
		}
	}
}

func (p *Processor) recordUsage(ctx context.Context, tenantID, model string, usage Usage, latency time.Duration) {
	if p.usage == nil {
		return
	}
	ts := NowUnix()
	meta := map[string]string{"model": model}
	p.usage.Record(ctx, UsageRecord{TenantID: tenantID, Metric: MetricRequests, Value: 1, Timestamp: ts, Metadata: meta})
	p.usage.Record(ctx, UsageRecord{TenantID: tenantID, Metric: MetricTokensIn, Value: float64(usage.InputTokens), Unit: "tokens", Timestamp: ts, Metadata: meta})
	p.usage.Record(ctx, UsageRecord{TenantID: tenantID, Metric: MetricTokensOut, Value: float64(usage.OutputTokens), Unit: "tokens", Timestamp: ts, Metadata: meta})
	p.usage.Record(ctx, UsageRecord{TenantID: tenantID, Metric: MetricLatencyMs, Value: float64(latency.Milliseconds()), Unit: "ms", Timestamp: ts, Metadata: meta})
}

// recordCost books the dollar cost for a completed request from the routed
// model's pricing.
func (p *Processor) recordCost(ctx context.Context, tenantID string, info ModelInfo, usage Usage) {
	if p.usage == nil {
		return
	}
	cost := float64(usage.InputTokens)/1000*info.Pricing.InputPer1K +
		float64(usage.OutputTokens)/1000*info.Pricing.OutputPer1K
	if cost <= 0 {
		return
	}
	p.usage.Record(ctx, UsageRecord{
		TenantID:  tenantID,
		Metric:    MetricCost,
		Value:     cost,
		Unit:      "usd",
		Timestamp: NowUnix(),
		Metadata:  map[string]string{"model": info.ID},
	})
}

func (p *Processor) markFailed(ctx context.Context, userMsg Message, err error) {
	if userMsg.Metadata == nil {
		userMsg.Metadata = map[string]any{}
	}
	userMsg.Metadata["processingFailed"] = true
	userMsg.Metadata["error"] = err.Error()
	userMsg.Metadata["failedAt"] = NowUnix()
	if uerr := p.store.UpdateMessage(context.WithoutCancel(ctx), userMsg); uerr != nil {
		p.logger.Error("failure metadata persist failed", "message_id", userMsg.ID, "error", uerr)
	}
}

func (p *Processor) notify(ctx context.Context, tenantID string, assistant Message) {
	if p.webhook == nil {
		return
	}
	payload := map[string]any{
		"tenant_id":       tenantID,
		"conversation_id": assistant.ConversationID,
		"message_id":      assistant.ID,
	}
	if err := p.webhook(ctx, "message.processed", payload); err != nil {
		p.logger.Warn("message.processed webhook failed", "message_id", assistant.ID, "error", err)
	}
}
