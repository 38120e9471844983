package sandbox

import "context"

// EventType identifies a streamed execution event.
type EventType string

const (
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventPlot     EventType = "plot"
	EventVariable EventType = "variable"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one streamed chunk of execution output. Done or error is emitted
// exactly once, last.
type Event struct {
	Type    EventType `json:"type"`
	Data    string    `json:"data,omitempty"`
	Name    string    `json:"name,omitempty"`    // variable or plot file name
	Code    string    `json:"code,omitempty"`    // error code
	Message string    `json:"message,omitempty"` // error message
}

// InputFile is transferred into the session workspace before execution.
type InputFile struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// OutputFile is collected from the workspace after execution.
type OutputFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

// Request is one code execution.
type Request struct {
	SessionID  string      `json:"session_id"`
	Language   string      `json:"language"` // "python" or "javascript"
	Code       string      `json:"code"`
	TimeoutMs  int         `json:"timeout_ms,omitempty"`
	AllowNet   bool        `json:"allow_net,omitempty"`
	InputFiles []InputFile `json:"input_files,omitempty"`
}

// Result is the complete outcome of an execution.
type Result struct {
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	ExitCode   int               `json:"exit_code"`
	DurationMs int64             `json:"duration_ms"`
	MemoryMB   float64           `json:"memory_mb,omitempty"`
	CPUPercent float64           `json:"cpu_percent,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Plots      []OutputFile      `json:"plots,omitempty"`
	Files      []OutputFile      `json:"files,omitempty"`
	Truncated  bool              `json:"truncated,omitempty"`
}

// Runner executes code in an isolated environment. ExecuteStream sends
// events into ch in occurrence order and closes ch after exactly one
// terminal event.
type Runner interface {
	Execute(ctx context.Context, req Request) (Result, error)
	ExecuteStream(ctx context.Context, req Request, ch chan<- Event) (Result, error)
	CloseSession(ctx context.Context, sessionID string) error
	Shutdown(ctx context.Context) error
}
