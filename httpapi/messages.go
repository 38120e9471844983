package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pennylabs/penny"
)

type messageRequest struct {
	ConversationID   string   `json:"conversation_id"`
	Content          string   `json:"content"`
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	ToolsEnabled     []string `json:"tools_enabled,omitempty"`
	ArtifactsEnabled bool     `json:"artifacts_enabled,omitempty"`
	Stream           bool     `json:"stream,omitempty"`
}

type messageResponse struct {
	ConversationID string        `json:"conversation_id"`
	Message        penny.Message `json:"message"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	principal, tenant, err := s.principal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.msgLimit != nil && s.limiter != nil {
		key := penny.LimiterKey{TenantID: tenant.ID, Scope: "messages", PrincipalID: principal.ID}
		if err := s.limiter.Allow(r.Context(), key, *s.msgLimit); err != nil {
			s.writeError(w, err)
			return
		}
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, penny.Errf(penny.CodeInvalidParams, "invalid JSON body"))
		return
	}
	if req.Content == "" {
		s.writeError(w, penny.Errf(penny.CodeInvalidParams, "content is required"))
		return
	}

	conv, err := s.resolveConversation(r, tenant.ID, req.ConversationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	userMsg := penny.Message{
		ID:             penny.NewID(),
		ConversationID: conv.ID,
		TenantID:       tenant.ID,
		Role:           "user",
		Content:        req.Content,
		CreatedAt:      penny.NowUnix(),
	}
	if err := s.store.StoreMessage(r.Context(), userMsg); err != nil {
		s.writeError(w, penny.WrapErr(penny.CodeInternal, err))
		return
	}
	if err := s.store.TouchConversation(r.Context(), tenant.ID, conv.ID, penny.NowUnix()); err != nil {
		s.logger.Debug("conversation touch failed", "conversation_id", conv.ID, "error", err)
	}

	opts := penny.ProcessOptions{
		Model:            req.Model,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		ToolsEnabled:     req.ToolsEnabled,
		ArtifactsEnabled: req.ArtifactsEnabled,
	}

	if req.Stream {
		s.streamMessage(w, r, tenant, principal, userMsg, opts)
		return
	}

	assistant, err := s.processor.Process(r.Context(), tenant, principal, userMsg, opts, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{ConversationID: conv.ID, Message: assistant})
}

// streamMessage forwards processor chunks as server-sent events. The
// processor owns the channel: it emits exactly one terminal done or error
// chunk and closes it.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request, tenant penny.Tenant, principal penny.Principal, userMsg penny.Message, opts penny.ProcessOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, penny.Errf(penny.CodeInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan penny.Chunk, 64)
	go func() {
		_, err := s.processor.Process(r.Context(), tenant, principal, userMsg, opts, ch)
		if err != nil {
			s.logger.Debug("message processing failed",
				"tenant_id", tenant.ID,
				"conversation_id", userMsg.ConversationID,
				"code", penny.CodeOf(err),
			)
		}
	}()

	for chunk := range ch {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// resolveConversation loads the target conversation or creates a fresh
// one when the request names none. Cross-tenant ids surface as NOT_FOUND.
func (s *Server) resolveConversation(r *http.Request, tenantID, id string) (penny.Conversation, error) {
	if id != "" {
		conv, err := s.store.GetConversation(r.Context(), tenantID, id)
		if err != nil {
			if penny.NotFoundErr(err) {
				return penny.Conversation{}, penny.Errf(penny.CodeNotFound, "conversation %s not found", id)
			}
			return penny.Conversation{}, penny.WrapErr(penny.CodeInternal, err)
		}
		return conv, nil
	}
	conv := penny.Conversation{
		ID:        penny.NewID(),
		TenantID:  tenantID,
		CreatedAt: penny.NowUnix(),
		UpdatedAt: penny.NowUnix(),
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		return penny.Conversation{}, penny.WrapErr(penny.CodeInternal, err)
	}
	return conv, nil
}
