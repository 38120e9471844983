package penny

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestExecutor(t *testing.T, opts ...ExecutorOption) (*Executor, *Registry) {
	t.Helper()
	reg := NewRegistry()
	q := NewQueue(QueueInterval(0))
	t.Cleanup(func() { q.Shutdown(time.Second) })
	base := []ExecutorOption{ExecutorBaseDelay(time.Millisecond)}
	e := NewExecutor(reg, NewLimiter(), q, nil, nil, append(base, opts...)...)
	return e, reg
}

func execPrincipal() Principal {
	return Principal{ID: "u1", TenantID: "t1", Kind: PrincipalUser, Scopes: []string{"*"}}
}

func TestExecuteCompletes(t *testing.T) {
	e, reg := newTestExecutor(t)
	def := testDef("echo")
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		return ToolOutput{Success: true, Data: params["text"]}, nil
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "echo", map[string]any{"text": "hi"}, execPrincipal(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != ExecCompleted || exec.Result == nil || exec.Result.Data != "hi" {
		t.Errorf("exec = %+v", exec)
	}
	if exec.ID == "" || exec.TenantID != "t1" || exec.Retries != 0 {
		t.Errorf("exec = %+v", exec)
	}
	if exec.DurationMs < 0 || exec.CompletedAt == 0 {
		t.Errorf("timing not recorded: %+v", exec)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e, _ := newTestExecutor(t)
	exec, err := e.Execute(context.Background(), "ghost", nil, execPrincipal(), ExecuteOptions{})
	if CodeOf(err) != CodeToolNotFound {
		t.Fatalf("err = %v, want TOOL_NOT_FOUND", err)
	}
	if exec.ID != "" {
		t.Error("pre-execution rejection must not create an execution record")
	}
}

func TestExecuteMissingScope(t *testing.T) {
	e, reg := newTestExecutor(t)
	def := testDef("locked")
	def.Config.RequiredScopes = []string{"tools:admin"}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := Principal{ID: "u1", TenantID: "t1", Scopes: []string{"messages:write"}}
	exec, err := e.Execute(context.Background(), "locked", nil, p, ExecuteOptions{})
	if CodeOf(err) != CodeUnauthorized {
		t.Fatalf("err = %v, want UNAUTHORIZED", err)
	}
	if exec.ID != "" {
		t.Error("unauthorized call must not create an execution record")
	}
}

func TestExecuteSchemaValidation(t *testing.T) {
	e, reg := newTestExecutor(t)
	var invoked atomic.Bool
	def := testDef("fetch")
	def.ParameterSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"url": {"type": "string"}},
		"required": ["url"]
	}`)
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		invoked.Store(true)
		return ToolOutput{Success: true}, nil
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "fetch", map[string]any{}, execPrincipal(), ExecuteOptions{})
	if CodeOf(err) != CodeInvalidParams {
		t.Fatalf("err = %v, want INVALID_PARAMS", err)
	}
	if exec.ID != "" || invoked.Load() {
		t.Error("invalid params must reject before the handler runs")
	}
}

func TestExecuteSchemaDefaults(t *testing.T) {
	e, reg := newTestExecutor(t)
	var mu sync.Mutex
	var seen map[string]any
	def := testDef("search")
	def.ParameterSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"limit": {"type": "integer", "default": 5}
		},
		"required": ["query"]
	}`)
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		mu.Lock()
		seen = params
		mu.Unlock()
		return ToolOutput{Success: true}, nil
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := e.Execute(context.Background(), "search", map[string]any{"query": "go"}, execPrincipal(), ExecuteOptions{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["limit"] != float64(5) {
		t.Errorf("limit = %v (%T), want schema default 5", seen["limit"], seen["limit"])
	}
}

func TestExecuteToolRateLimit(t *testing.T) {
	e, reg := newTestExecutor(t)
	def := testDef("scarce")
	def.Config.RateLimit = &RateLimitSpec{Requests: 1, WindowSec: 60}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := e.Execute(context.Background(), "scarce", nil, execPrincipal(), ExecuteOptions{}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	exec, err := e.Execute(context.Background(), "scarce", nil, execPrincipal(), ExecuteOptions{})
	if CodeOf(err) != CodeRateLimited {
		t.Fatalf("err = %v, want RATE_LIMIT_EXCEEDED", err)
	}
	if exec.ID != "" {
		t.Error("rate-limited call must not create an execution record")
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	e, reg := newTestExecutor(t)
	var attempts atomic.Int32
	def := testDef("flaky")
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		if attempts.Add(1) < 3 {
			return ToolOutput{}, Errf(CodeTemporary, "not yet")
		}
		return ToolOutput{Success: true}, nil
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "flaky", nil, execPrincipal(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != ExecCompleted || exec.Retries != 2 {
		t.Errorf("status=%s retries=%d", exec.Status, exec.Retries)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestExecuteNonRetryableFailsOnce(t *testing.T) {
	e, reg := newTestExecutor(t)
	var attempts atomic.Int32
	def := testDef("broken")
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		attempts.Add(1)
		return ToolOutput{}, Errf(CodePolicyViolation, "forbidden import")
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "broken", nil, execPrincipal(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != ExecFailed || exec.ErrorCode != CodePolicyViolation {
		t.Errorf("status=%s code=%s", exec.Status, exec.ErrorCode)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestExecuteFailureWithoutErrorIsInvalidResult(t *testing.T) {
	e, reg := newTestExecutor(t)
	def := testDef("sloppy")
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		return ToolOutput{Success: false}, nil
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "sloppy", nil, execPrincipal(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != ExecFailed || exec.ErrorCode != CodeInvalidResult {
		t.Errorf("status=%s code=%s", exec.Status, exec.ErrorCode)
	}
}

func TestExecuteAttemptTimeout(t *testing.T) {
	e, reg := newTestExecutor(t, ExecutorMaxRetries(0))
	def := testDef("slow")
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		<-ctx.Done()
		return ToolOutput{}, ctx.Err()
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "slow", nil, execPrincipal(), ExecuteOptions{Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != ExecTimeout || exec.ErrorCode != CodeTimeout {
		t.Errorf("status=%s code=%s", exec.Status, exec.ErrorCode)
	}
}

func TestExecuteTimeoutRetriesExhaustBudget(t *testing.T) {
	e, reg := newTestExecutor(t)
	var attempts atomic.Int32
	def := testDef("sleepy")
	def.Config.TimeoutMs = 100
	def.Config.MaxRetries = 2
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		attempts.Add(1)
		select {
		case <-time.After(500 * time.Millisecond):
			return ToolOutput{Success: true}, nil
		case <-ctx.Done():
			return ToolOutput{}, ctx.Err()
		}
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	exec, err := e.Execute(context.Background(), "sleepy", nil, execPrincipal(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != ExecTimeout || exec.ErrorCode != CodeTimeout {
		t.Errorf("status=%s code=%s, want TIMEOUT", exec.Status, exec.ErrorCode)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want exactly maxRetries+1 = 3", got)
	}
	if exec.Retries != 2 {
		t.Errorf("retries = %d, want 2", exec.Retries)
	}
	// Three 100ms attempts plus backoffs of at least base and 2*base.
	if elapsed := time.Since(start); elapsed < 303*time.Millisecond {
		t.Errorf("elapsed = %s, attempts skipped their timeout or backoff", elapsed)
	}
}

func TestExecuteEmitsOneTerminalEvent(t *testing.T) {
	e, reg := newTestExecutor(t)
	def := testDef("echo")
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	var mu sync.Mutex
	counts := map[RegistryEvent]int{}
	for _, ev := range []RegistryEvent{EventQueued, EventRunning, EventCompleted, EventFailed, EventTimeout, EventCancelled} {
		ev := ev
		reg.Subscribe(ev, func(RegistryEvent, any) {
			mu.Lock()
			counts[ev]++
			mu.Unlock()
		})
	}

	if _, err := e.Execute(context.Background(), "echo", nil, execPrincipal(), ExecuteOptions{}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if counts[EventQueued] != 1 || counts[EventRunning] != 1 || counts[EventCompleted] != 1 {
		t.Errorf("lifecycle counts = %v", counts)
	}
	if counts[EventFailed]+counts[EventTimeout]+counts[EventCancelled] != 0 {
		t.Errorf("spurious terminal events: %v", counts)
	}
}

// fixedSampler always reports the same footprint.
type fixedSampler struct {
	memMB float64
	cpu   float64
}

func (s fixedSampler) Sample() (float64, float64) { return s.memMB, s.cpu }

func TestExecuteMemoryCapAborts(t *testing.T) {
	e, reg := newTestExecutor(t,
		ExecutorMaxRetries(0),
		ExecutorResourceCaps(100, 0),
		ExecutorSampler(fixedSampler{memMB: 512}))
	def := testDef("hog")
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		<-ctx.Done()
		return ToolOutput{}, ctx.Err()
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "hog", nil, execPrincipal(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != ExecFailed || exec.ErrorCode != CodeMemoryLimit {
		t.Errorf("status=%s code=%s", exec.Status, exec.ErrorCode)
	}
	if exec.Metrics.MemoryMB != 512 {
		t.Errorf("peak memory = %f, want 512", exec.Metrics.MemoryMB)
	}
}

func TestExecLogCapturedOnExecution(t *testing.T) {
	e, reg := newTestExecutor(t)
	def := testDef("chatty")
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		ExecLog(ctx, "step %d", 1)
		ExecLog(ctx, "step %d", 2)
		return ToolOutput{Success: true}, nil
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "chatty", nil, execPrincipal(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(exec.Logs) != 2 || exec.Logs[0] != "step 1" || exec.Logs[1] != "step 2" {
		t.Errorf("logs = %v", exec.Logs)
	}
}

func TestExecLogOutsideExecutionIsNoop(t *testing.T) {
	ExecLog(context.Background(), "dropped")
}

func TestExecuteRedactsRecordedParams(t *testing.T) {
	e, reg := newTestExecutor(t)
	var mu sync.Mutex
	var seen map[string]any
	def := testDef("secretive")
	def.Handler = func(ctx context.Context, params map[string]any) (ToolOutput, error) {
		mu.Lock()
		seen = params
		mu.Unlock()
		return ToolOutput{Success: true}, nil
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec, err := e.Execute(context.Background(), "secretive", map[string]any{
		"query":   "weather",
		"api_key": "pk_plaintext",
	}, execPrincipal(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Params["api_key"] != "[REDACTED]" || exec.Params["query"] != "weather" {
		t.Errorf("recorded params = %v", exec.Params)
	}
	mu.Lock()
	defer mu.Unlock()
	// The handler still sees the real value; only the record is redacted.
	if seen["api_key"] != "pk_plaintext" {
		t.Errorf("handler params = %v", seen)
	}
}
