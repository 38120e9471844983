package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pennylabs/penny"
)

func registerEchoTool(t *testing.T, env *testEnv) {
	t.Helper()
	def := penny.ToolDefinition{
		Name:    "echo",
		Version: "1.0.0",
		ParameterSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string", "minLength": 1}},
			"required": ["text"]
		}`),
		Handler: func(_ context.Context, params map[string]any) (penny.ToolOutput, error) {
			return penny.ToolOutput{Success: true, Data: params["text"]}, nil
		},
	}
	if err := env.server.registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestToolExecute(t *testing.T) {
	env := newTestEnv(t)
	registerEchoTool(t, env)

	resp := env.do(t, http.MethodPost, "/v1/tools/echo/execute", env.token, map[string]any{"text": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body toolExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if !body.Success {
		t.Errorf("success = false, error = %q", body.Error)
	}
	if body.ExecutionID == "" {
		t.Error("missing execution id")
	}
	if body.Status != penny.ExecCompleted {
		t.Errorf("status = %s", body.Status)
	}
	if body.Data != "hi" {
		t.Errorf("data = %v", body.Data)
	}
}

func TestToolExecuteReportsUsage(t *testing.T) {
	env := newTestEnv(t)
	def := penny.ToolDefinition{
		Name:            "slowish",
		Version:         "1.0.0",
		ParameterSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(context.Context, map[string]any) (penny.ToolOutput, error) {
			time.Sleep(20 * time.Millisecond)
			return penny.ToolOutput{Success: true}, nil
		},
	}
	if err := env.server.registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := env.do(t, http.MethodPost, "/v1/tools/slowish/execute", env.token, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Usage *struct {
			DurationMs int64 `json:"duration_ms"`
			Retries    int   `json:"retries"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if body.Usage == nil {
		t.Fatal("response has no usage object")
	}
	if body.Usage.DurationMs < 20 {
		t.Errorf("usage duration = %dms, want at least the handler's runtime", body.Usage.DurationMs)
	}
	if body.Usage.Retries != 0 {
		t.Errorf("usage retries = %d", body.Usage.Retries)
	}
}

func TestToolExecuteInvalidParamsCreatesNoExecution(t *testing.T) {
	env := newTestEnv(t)
	registerEchoTool(t, env)

	resp := env.do(t, http.MethodPost, "/v1/tools/echo/execute", env.token, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != penny.CodeInvalidParams {
		t.Errorf("code = %s", e.Code)
	}

	execs, err := env.store.ListToolExecutions(context.Background(), "t1", "", 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("executions = %d, want 0 for rejected params", len(execs))
	}
}

func TestToolExecuteUnknownTool(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/v1/tools/missing/execute", env.token, map[string]any{"x": 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Code != penny.CodeToolNotFound {
		t.Errorf("code = %s", e.Code)
	}
}

func TestToolExecuteScopeRejection(t *testing.T) {
	env := newTestEnv(t)
	def := penny.ToolDefinition{
		Name:            "admin_only",
		Version:         "1.0.0",
		ParameterSchema: json.RawMessage(`{"type":"object"}`),
		Config:          penny.ToolConfig{RequiredScopes: []string{"admin"}},
		Handler: func(context.Context, map[string]any) (penny.ToolOutput, error) {
			return penny.ToolOutput{Success: true}, nil
		},
	}
	if err := env.server.registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Token without the admin scope.
	limited := newLimitedToken(t, env, []string{"tools:web"})
	resp := env.do(t, http.MethodPost, "/v1/tools/admin_only/execute", limited, map[string]any{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListTools(t *testing.T) {
	env := newTestEnv(t)
	registerEchoTool(t, env)

	resp := env.do(t, http.MethodGet, "/v1/tools", env.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Tools []penny.ToolDefinition `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(body.Tools) != 1 || body.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", body.Tools)
	}
}
