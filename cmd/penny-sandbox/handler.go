package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pennylabs/penny"
	"github.com/pennylabs/penny/sandbox"
)

// maxRequestBody caps the decoded request, input files included.
const maxRequestBody = 32 << 20

type handler struct {
	run        *runner
	workspaces *workspaces
	slots      chan struct{}
	logger     *slog.Logger
}

// decode reads and validates one execution request.
func (h *handler) decode(r *http.Request) (sandbox.Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return sandbox.Request{}, fmt.Errorf("read body: %w", err)
	}
	var req sandbox.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return sandbox.Request{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.SessionID == "" {
		return sandbox.Request{}, fmt.Errorf("session_id is required")
	}
	if req.Code == "" {
		return sandbox.Request{}, fmt.Errorf("code is required")
	}
	switch req.Language {
	case "", "python", "javascript", "node":
	default:
		return sandbox.Request{}, fmt.Errorf("unsupported language %q", req.Language)
	}
	return req, nil
}

// acquire takes an execution slot without waiting. Under load the agent
// fails fast so the host can retry or surface backpressure.
func (h *handler) acquire() bool {
	select {
	case h.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *handler) release() { <-h.slots }

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.acquire() {
		http.Error(w, "execution capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	dir, err := h.workspaces.get(req.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := writeInputFiles(dir, req.InputFiles); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out := h.run.run(r.Context(), dir, req, nil)
	if out.timedOut {
		http.Error(w, out.failure.Error(), http.StatusRequestTimeout)
		return
	}
	if out.failure != nil {
		h.logger.Error("execution failed", "session_id", req.SessionID, "error", out.failure)
		http.Error(w, out.failure.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out.result); err != nil {
		h.logger.Warn("response write failed", "error", err)
	}
}

func (h *handler) executeStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if !h.acquire() {
		http.Error(w, "execution capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	dir, err := h.workspaces.get(req.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := writeInputFiles(dir, req.InputFiles); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// stdout and stderr are pumped by separate goroutines.
	var emitMu sync.Mutex
	emit := func(ev sandbox.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		emitMu.Lock()
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		emitMu.Unlock()
	}

	out := h.run.run(r.Context(), dir, req, emit)
	switch {
	case out.timedOut:
		emit(sandbox.Event{Type: sandbox.EventError, Code: string(penny.CodeTimeout), Message: out.failure.Error()})
	case out.failure != nil:
		h.logger.Error("execution failed", "session_id", req.SessionID, "error", out.failure)
		emit(sandbox.Event{Type: sandbox.EventError, Code: string(penny.CodeInternal), Message: out.failure.Error()})
	default:
		emit(sandbox.Event{Type: sandbox.EventDone})
	}
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	if err := h.workspaces.delete(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
