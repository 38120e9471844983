package penny

import (
	"context"
	"encoding/json"
)

// RateLimitSpec is a tool-level admission budget. Capacity defaults to
// Requests when Burst is zero.
type RateLimitSpec struct {
	Requests  int `json:"requests"`
	WindowSec int `json:"window_sec"`
	Burst     int `json:"burst,omitempty"`
}

// ToolConfig carries the execution policy attached to a tool definition.
// Zero fields inherit server defaults at execution time.
type ToolConfig struct {
	TimeoutMs           int            `json:"timeout_ms,omitempty"`
	MaxRetries          int            `json:"max_retries,omitempty"`
	RetryableErrorCodes []Code         `json:"retryable_error_codes,omitempty"`
	NonRetryableErrors  []Code         `json:"non_retryable_errors,omitempty"`
	RequiresSandbox     bool           `json:"requires_sandbox,omitempty"`
	RateLimit           *RateLimitSpec `json:"rate_limit,omitempty"`
	RequiredScopes      []string       `json:"required_scopes,omitempty"`
	MaxMemoryMB         int            `json:"max_memory_mb,omitempty"`
	MaxCPUPercent       int            `json:"max_cpu_percent,omitempty"`
}

// ToolOutput is the result shape every handler must return. Success is
// mandatory; a failed output with an empty Error is rejected as
// INVALID_RESULT.
type ToolOutput struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolHandler runs one validated invocation. Params arrive already checked
// against the definition's schema with defaults applied.
type ToolHandler func(ctx context.Context, params map[string]any) (ToolOutput, error)

// ToolDefinition describes one registered tool.
type ToolDefinition struct {
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	Category        string          `json:"category,omitempty"`
	Author          string          `json:"author,omitempty"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameter_schema"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	Config          ToolConfig      `json:"config"`
	Handler         ToolHandler     `json:"-"`
}

// Spec projects the definition down to the provider-facing declaration.
func (d ToolDefinition) Spec() ToolSpec {
	return ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.ParameterSchema}
}

// ExecStatus is the tool execution state machine. Terminal states are final.
type ExecStatus string

const (
	ExecQueued    ExecStatus = "QUEUED"
	ExecRunning   ExecStatus = "RUNNING"
	ExecRetrying  ExecStatus = "RETRYING"
	ExecCompleted ExecStatus = "COMPLETED"
	ExecFailed    ExecStatus = "FAILED"
	ExecTimeout   ExecStatus = "TIMEOUT"
	ExecCancelled ExecStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	}
	return false
}

// ExecMetrics is the resource sample recorded on an execution.
type ExecMetrics struct {
	MemoryMB   float64 `json:"memory_mb,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
}

// ToolExecution is the persisted record of one tool invocation. Logs keep
// the last N lines the handler emitted.
type ToolExecution struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	PrincipalID string         `json:"principal_id,omitempty"`
	ToolName    string         `json:"tool_name"`
	Params      map[string]any `json:"params,omitempty"`
	Status      ExecStatus     `json:"status"`
	StartedAt   int64          `json:"started_at,omitempty"`
	CompletedAt int64          `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Retries     int            `json:"retries"`
	Result      *ToolOutput    `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   Code           `json:"error_code,omitempty"`
	Metrics     ExecMetrics    `json:"metrics"`
	Logs        []string       `json:"logs,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}
