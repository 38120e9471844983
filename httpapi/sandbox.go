package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pennylabs/penny"
	"github.com/pennylabs/penny/auth"
	"github.com/pennylabs/penny/sandbox"
)

const sandboxScope = "sandbox:execute"

// scopedSession prefixes session ids with the tenant so two tenants can
// never share workspace state by picking the same id.
func scopedSession(tenantID, sessionID string) string {
	return tenantID + "." + sessionID
}

func (s *Server) sandboxRequest(r *http.Request) (sandbox.Request, error) {
	principal, err := auth.Require(r.Context(), sandboxScope)
	if err != nil {
		return sandbox.Request{}, err
	}
	var req sandbox.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return sandbox.Request{}, penny.Errf(penny.CodeInvalidParams, "invalid JSON body")
	}
	if req.Code == "" {
		return sandbox.Request{}, penny.Errf(penny.CodeInvalidParams, "code is required")
	}
	if req.SessionID == "" {
		req.SessionID = penny.NewID()
	}
	req.SessionID = scopedSession(principal.TenantID, req.SessionID)
	return req, nil
}

func (s *Server) handleSandboxExecute(w http.ResponseWriter, r *http.Request) {
	req, err := s.sandboxRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.runner.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSandboxExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.sandboxRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, penny.Errf(penny.CodeInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The runner closes ch after exactly one terminal event.
	ch := make(chan sandbox.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}()
	if _, err := s.runner.ExecuteStream(r.Context(), req, ch); err != nil {
		s.logger.Debug("sandbox stream failed", "session_id", req.SessionID, "code", penny.CodeOf(err))
	}
	<-done
}

func (s *Server) handleCreateSandboxSession(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.Require(r.Context(), sandboxScope); err != nil {
		s.writeError(w, err)
		return
	}
	// Sessions materialize lazily on first execution; creating one only
	// reserves an id.
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": penny.NewID()})
}

func (s *Server) handleDeleteSandboxSession(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.Require(r.Context(), sandboxScope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.runner.CloseSession(r.Context(), scopedSession(principal.TenantID, id)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
