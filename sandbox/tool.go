package sandbox

import (
	"context"
	"encoding/json"

	"github.com/pennylabs/penny"
)

var codeParamSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"code": {"type": "string", "minLength": 1, "description": "Python code to execute"},
		"session_id": {"type": "string", "description": "Reuse an execution session; variables persist across calls with the same id"},
		"timeout_ms": {"type": "integer", "minimum": 100, "maximum": 300000, "description": "Execution ceiling in milliseconds"},
		"allow_net": {"type": "boolean", "default": false, "description": "Allow outbound network access"}
	},
	"required": ["code"]
}`)

// PythonTool builds the builtin python_code tool backed by the given
// runner. Sessions without an explicit id get a fresh single-use one, so
// state only persists when the caller asks for it.
func PythonTool(r Runner) penny.ToolDefinition {
	return penny.ToolDefinition{
		Name:            "python_code",
		Version:         "1.0.0",
		Category:        "code",
		Author:          "penny",
		Description:     "Execute Python code in an isolated sandbox. Use for calculations, data analysis, and generating plots.",
		ParameterSchema: codeParamSchema,
		Config: penny.ToolConfig{
			TimeoutMs:       30000,
			MaxRetries:      0,
			RequiresSandbox: true,
			RequiredScopes:  []string{"tools:code"},
		},
		Handler: func(ctx context.Context, params map[string]any) (penny.ToolOutput, error) {
			return runCode(ctx, r, params)
		},
	}
}

func runCode(ctx context.Context, r Runner, params map[string]any) (penny.ToolOutput, error) {
	req := Request{
		Language: "python",
		Code:     params["code"].(string),
	}
	if v, ok := params["session_id"].(string); ok && v != "" {
		req.SessionID = v
	} else {
		req.SessionID = penny.NewID()
	}
	if v, ok := params["timeout_ms"].(float64); ok && v > 0 {
		req.TimeoutMs = int(v)
	}
	if v, ok := params["allow_net"].(bool); ok {
		req.AllowNet = v
	}

	result, err := r.Execute(ctx, req)
	if err != nil {
		// Policy violations and timeouts carry their own codes; the
		// executor classifies them for retry and status.
		return penny.ToolOutput{}, err
	}

	data := map[string]any{
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"exit_code":   result.ExitCode,
		"duration_ms": result.DurationMs,
		"session_id":  req.SessionID,
	}
	if len(result.Variables) > 0 {
		data["variables"] = result.Variables
	}
	if len(result.Plots) > 0 {
		names := make([]string, len(result.Plots))
		for i, p := range result.Plots {
			names[i] = p.Name
		}
		data["plots"] = names
	}
	if result.Truncated {
		data["truncated"] = true
	}

	if result.ExitCode != 0 {
		errMsg := result.Stderr
		if errMsg == "" {
			errMsg = "execution failed"
		}
		return penny.ToolOutput{Success: false, Data: data, Error: errMsg}, nil
	}
	return penny.ToolOutput{Success: true, Data: data}, nil
}
