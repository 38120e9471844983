package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pennylabs/penny"
)

// maxToolBody caps a direct tool execution request.
const maxToolBody = 4 << 20

type toolExecuteResponse struct {
	ExecutionID string           `json:"execution_id"`
	Status      penny.ExecStatus `json:"status"`
	Success     bool             `json:"success"`
	Data        any              `json:"data,omitempty"`
	Error       string           `json:"error,omitempty"`
	DurationMs  int64            `json:"duration_ms"`
	Retries     int              `json:"retries"`
	Usage       toolExecuteUsage `json:"usage"`
}

// toolExecuteUsage reports what the execution consumed.
type toolExecuteUsage struct {
	DurationMs int64   `json:"duration_ms"`
	Retries    int     `json:"retries"`
	MemoryMB   float64 `json:"memory_mb,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// handleToolExecute runs one tool synchronously. Validation, scope, and
// rate-limit rejections happen before any execution record exists, so
// they surface as plain errors with no execution_id.
func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	principal, _, err := s.principal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxToolBody))
	if err != nil {
		s.writeError(w, penny.Errf(penny.CodeInvalidParams, "failed to read body"))
		return
	}
	params := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			s.writeError(w, penny.Errf(penny.CodeInvalidParams, "body must be a JSON object"))
			return
		}
	}

	exec, err := s.executor.Execute(r.Context(), r.PathValue("name"), params, principal, penny.ExecuteOptions{})
	if err != nil && exec.ID == "" {
		s.writeError(w, err)
		return
	}

	resp := toolExecuteResponse{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Error:       exec.Error,
		DurationMs:  exec.DurationMs,
		Retries:     exec.Retries,
		Usage: toolExecuteUsage{
			DurationMs: exec.DurationMs,
			Retries:    exec.Retries,
			MemoryMB:   exec.Metrics.MemoryMB,
			CPUPercent: exec.Metrics.CPUPercent,
		},
	}
	if exec.Result != nil {
		resp.Success = exec.Result.Success
		resp.Data = exec.Result.Data
		if resp.Error == "" {
			resp.Error = exec.Result.Error
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListTools returns the definitions this principal may call.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	principal, tenant, err := s.principal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defs := s.registry.ListForPrincipal(tenant, principal)
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": defs})
}
