package penny_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pennylabs/penny"
	"github.com/pennylabs/penny/provider/mock"
	"github.com/pennylabs/penny/store/memory"
)

type processorEnv struct {
	store     penny.Store
	llm       *mock.Provider
	registry  *penny.Registry
	usage     *penny.UsageRecorder
	processor *penny.Processor
	tenant    penny.Tenant
	principal penny.Principal
}

func newProcessorEnv(t *testing.T, usageOpts ...penny.UsageOption) *processorEnv {
	t.Helper()
	st := memory.New()
	llm := mock.New()
	registry := penny.NewRegistry()
	queue := penny.NewQueue(penny.QueueInterval(0))
	t.Cleanup(func() { queue.Shutdown(time.Second) })
	executor := penny.NewExecutor(registry, penny.NewLimiter(), queue, st, nil,
		penny.ExecutorBaseDelay(time.Millisecond))
	usage := penny.NewUsageRecorder(st, usageOpts...)
	router := penny.NewRouter([]penny.Provider{llm}, st,
		penny.RouterDefaultPolicy(penny.RoutingPolicy{DefaultModel: "mock-small"}))
	proc := penny.NewProcessor(st, router, registry, executor, usage, penny.NewArtifactExtractor())

	env := &processorEnv{
		store:     st,
		llm:       llm,
		registry:  registry,
		usage:     usage,
		processor: proc,
		tenant:    penny.Tenant{ID: "t1", Name: "acme", Active: true},
		principal: penny.Principal{ID: "u1", TenantID: "t1", Kind: penny.PrincipalUser, Scopes: []string{"*"}},
	}
	ctx := context.Background()
	if err := st.CreateTenant(ctx, env.tenant); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if err := st.CreateConversation(ctx, penny.Conversation{ID: "c1", TenantID: "t1", CreatedAt: penny.NowUnix()}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return env
}

// seedUserMessage persists the inbound user message the way the HTTP layer
// does before handing it to the processor.
func (e *processorEnv) seedUserMessage(t *testing.T, content string) penny.Message {
	t.Helper()
	msg := penny.Message{
		ID:             penny.NewID(),
		ConversationID: "c1",
		TenantID:       "t1",
		Role:           "user",
		Content:        content,
		CreatedAt:      penny.NowUnix(),
	}
	if err := e.store.StoreMessage(context.Background(), msg); err != nil {
		t.Fatalf("store user message: %v", err)
	}
	return msg
}

func TestProcessHappyPath(t *testing.T) {
	env := newProcessorEnv(t)
	env.llm.Script(mock.Turn{
		Chunks: []string{"Hello ", "world."},
		Usage:  penny.Usage{InputTokens: 10, OutputTokens: 5},
	})
	userMsg := env.seedUserMessage(t, "say hello")

	assistant, err := env.processor.Process(context.Background(), env.tenant, env.principal, userMsg, penny.ProcessOptions{}, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if assistant.Content != "Hello world." || assistant.Role != "assistant" {
		t.Errorf("assistant = %+v", assistant)
	}
	if assistant.TokenCount != 5 {
		t.Errorf("token count = %d, want 5", assistant.TokenCount)
	}

	msgs, err := env.store.GetMessages(context.Background(), "t1", "c1", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(msgs))
	}

	if got := env.usage.Counter("t1", penny.MetricRequests); got != 1 {
		t.Errorf("requests = %f", got)
	}
	if got := env.usage.Counter("t1", penny.MetricTokensIn); got != 10 {
		t.Errorf("tokens_in = %f", got)
	}
	if got := env.usage.Counter("t1", penny.MetricTokensOut); got != 5 {
		t.Errorf("tokens_out = %f", got)
	}
	if got := env.usage.Counter("t1", penny.MetricCost); got <= 0 {
		t.Errorf("cost = %f, want > 0", got)
	}
}

func TestProcessUsageRecordsRoutedModel(t *testing.T) {
	var mu sync.Mutex
	models := map[string]int{}
	env := newProcessorEnv(t, penny.UsageWithHook(func(rec penny.UsageRecord) {
		mu.Lock()
		models[rec.Metadata["model"]]++
		mu.Unlock()
	}))
	env.llm.Script(mock.Turn{
		Chunks: []string{"ok."},
		Usage:  penny.Usage{InputTokens: 4, OutputTokens: 2},
	})
	userMsg := env.seedUserMessage(t, "hello")

	// No model requested; the router's default policy resolves one.
	if _, err := env.processor.Process(context.Background(), env.tenant, env.principal, userMsg, penny.ProcessOptions{}, nil); err != nil {
		t.Fatalf("process: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if models[""] != 0 {
		t.Errorf("%d usage records carry no model", models[""])
	}
	if models["mock-small"] == 0 {
		t.Error("usage not attributed to the routed model")
	}
}

func TestProcessStreamsChunksWithOneTerminal(t *testing.T) {
	env := newProcessorEnv(t)
	env.llm.Script(mock.Turn{
		Chunks: []string{"a", "b", "c"},
		Usage:  penny.Usage{InputTokens: 3, OutputTokens: 3},
	})
	userMsg := env.seedUserMessage(t, "stream please")

	ch := make(chan penny.Chunk, 64)
	if _, err := env.processor.Process(context.Background(), env.tenant, env.principal, userMsg, penny.ProcessOptions{}, ch); err != nil {
		t.Fatalf("process: %v", err)
	}

	var content strings.Builder
	var terminals int
	var last penny.Chunk
	for c := range ch {
		switch c.Type {
		case penny.ChunkContent:
			content.WriteString(c.Content)
		case penny.ChunkDone, penny.ChunkError:
			terminals++
		}
		last = c
	}
	if content.String() != "abc" {
		t.Errorf("streamed content = %q", content.String())
	}
	if terminals != 1 || last.Type != penny.ChunkDone {
		t.Errorf("terminals = %d, last = %+v", terminals, last)
	}
	if last.Usage == nil || last.Usage.OutputTokens != 3 {
		t.Errorf("done usage = %+v", last.Usage)
	}
}

func TestProcessToolLoop(t *testing.T) {
	env := newProcessorEnv(t)
	if err := env.registry.Register(penny.ToolDefinition{
		Name:    "lookup",
		Version: "1.0.0",
		Handler: func(ctx context.Context, params map[string]any) (penny.ToolOutput, error) {
			return penny.ToolOutput{Success: true, Data: "42"}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	env.llm.Script(
		mock.Turn{
			Chunks:    []string{"Let me check."},
			ToolCalls: []penny.ToolCall{{ID: "tc1", Name: "lookup", Args: json.RawMessage(`{"q":"answer"}`)}},
			Usage:     penny.Usage{InputTokens: 8, OutputTokens: 4},
		},
		mock.Turn{
			Chunks: []string{"The answer is 42."},
			Usage:  penny.Usage{InputTokens: 12, OutputTokens: 6},
		},
	)
	userMsg := env.seedUserMessage(t, "what is the answer?")

	ch := make(chan penny.Chunk, 64)
	assistant, err := env.processor.Process(context.Background(), env.tenant, env.principal, userMsg, penny.ProcessOptions{}, ch)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if assistant.Content != "The answer is 42." {
		t.Errorf("final content = %q", assistant.Content)
	}

	var toolChunks []penny.Chunk
	for c := range ch {
		if c.Type == penny.ChunkToolCall && c.ToolResult != "" {
			toolChunks = append(toolChunks, c)
		}
	}
	if len(toolChunks) != 1 || toolChunks[0].ToolResult != "42" {
		t.Errorf("tool chunks = %+v", toolChunks)
	}

	msgs, err := env.store.GetMessages(context.Background(), "t1", "c1", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	// user, first assistant, tool result, final assistant.
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	var toolMsg, caller *penny.Message
	for i := range msgs {
		switch {
		case msgs[i].Role == "tool":
			toolMsg = &msgs[i]
		case msgs[i].Role == "assistant" && msgs[i].Content == "Let me check.":
			caller = &msgs[i]
		}
	}
	if toolMsg == nil || caller == nil {
		t.Fatalf("roles = %v", rolesOf(msgs))
	}
	// The tool result hangs off the assistant turn that requested it.
	if toolMsg.Content != "42" || toolMsg.ParentID != caller.ID {
		t.Errorf("tool message = %+v", toolMsg)
	}

	// Both turns' usage is aggregated.
	if got := env.usage.Counter("t1", penny.MetricTokensIn); got != 20 {
		t.Errorf("tokens_in = %f, want 20", got)
	}
}

func TestProcessRoutingFailureMarksMessage(t *testing.T) {
	env := newProcessorEnv(t)
	userMsg := env.seedUserMessage(t, "hi")

	ch := make(chan penny.Chunk, 8)
	_, err := env.processor.Process(context.Background(), env.tenant, env.principal, userMsg,
		penny.ProcessOptions{Model: "nonexistent"}, ch)
	if penny.CodeOf(err) != penny.CodeNoProvider {
		t.Fatalf("err = %v, want NO_PROVIDER", err)
	}

	var last penny.Chunk
	for c := range ch {
		last = c
	}
	if last.Type != penny.ChunkError || last.Code != penny.CodeNoProvider {
		t.Errorf("terminal chunk = %+v", last)
	}

	msgs, err := env.store.GetMessages(context.Background(), "t1", "c1", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want the user message only", len(msgs))
	}
	if msgs[0].Metadata["processingFailed"] != true {
		t.Errorf("metadata = %v", msgs[0].Metadata)
	}
}

func TestProcessProviderFailure(t *testing.T) {
	env := newProcessorEnv(t)
	env.llm.Script(mock.Turn{Err: penny.Errf(penny.CodeUpstream, "bad gateway")})
	userMsg := env.seedUserMessage(t, "hi")

	_, err := env.processor.Process(context.Background(), env.tenant, env.principal, userMsg, penny.ProcessOptions{}, nil)
	if penny.CodeOf(err) != penny.CodeUpstream {
		t.Fatalf("err = %v, want UPSTREAM", err)
	}
}

func TestProcessSkipsNonUserMessage(t *testing.T) {
	env := newProcessorEnv(t)
	msg := penny.Message{ID: penny.NewID(), ConversationID: "c1", TenantID: "t1", Role: "assistant", Content: "echo"}

	ch := make(chan penny.Chunk, 4)
	got, err := env.processor.Process(context.Background(), env.tenant, env.principal, msg, penny.ProcessOptions{}, ch)
	if err != nil || got.ID != "" {
		t.Fatalf("got = %+v, err = %v", got, err)
	}
	var chunks []penny.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 || chunks[0].Type != penny.ChunkDone {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestProcessEmitsArtifacts(t *testing.T) {
	env := newProcessorEnv(t)
	code := "```python\n" + strings.Repeat("print('artifact')\n", 8) + "```"
	env.llm.Script(mock.Turn{Chunks: []string{"Here you go:\n\n" + code}})
	userMsg := env.seedUserMessage(t, "write me a script")

	assistant, err := env.processor.Process(context.Background(), env.tenant, env.principal, userMsg,
		penny.ProcessOptions{ArtifactsEnabled: true}, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	arts, err := env.store.ListArtifacts(context.Background(), "t1", assistant.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Language != "python" {
		t.Errorf("artifacts = %+v", arts)
	}
}

func TestProcessRespectsToolsEnabledFilter(t *testing.T) {
	env := newProcessorEnv(t)
	for _, name := range []string{"alpha", "beta"} {
		name := name
		if err := env.registry.Register(penny.ToolDefinition{
			Name:    name,
			Version: "1.0.0",
			Handler: func(ctx context.Context, params map[string]any) (penny.ToolOutput, error) {
				return penny.ToolOutput{Success: true}, nil
			},
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	userMsg := env.seedUserMessage(t, "hi")

	if _, err := env.processor.Process(context.Background(), env.tenant, env.principal, userMsg,
		penny.ProcessOptions{ToolsEnabled: []string{"alpha"}}, nil); err != nil {
		t.Fatalf("process: %v", err)
	}

	calls := env.llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d", len(calls))
	}
	if len(calls[0].Tools) != 1 || calls[0].Tools[0].Name != "alpha" {
		t.Errorf("declared tools = %+v", calls[0].Tools)
	}
}

func rolesOf(msgs []penny.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
