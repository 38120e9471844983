package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/pennylabs/penny"
	"github.com/pennylabs/penny/auth"
)

const apiKeyScope = "api_keys:manage"

type createAPIKeyRequest struct {
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
}

type createAPIKeyResponse struct {
	APIKey penny.APIKey `json:"api_key"`
	// Key is the plaintext credential, returned exactly once. Only its
	// SHA-256 hash is stored.
	Key string `json:"key"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.Require(r.Context(), apiKeyScope)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, penny.Errf(penny.CodeInvalidParams, "invalid JSON body"))
		return
	}
	if req.Name == "" {
		s.writeError(w, penny.Errf(penny.CodeInvalidParams, "name is required"))
		return
	}
	if req.ExpiresAt != 0 && req.ExpiresAt <= penny.NowUnix() {
		s.writeError(w, penny.Errf(penny.CodeInvalidParams, "expires_at is in the past"))
		return
	}

	plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		s.writeError(w, penny.WrapErr(penny.CodeInternal, err))
		return
	}
	key := penny.APIKey{
		ID:        penny.NewID(),
		TenantID:  principal.TenantID,
		UserID:    principal.ID,
		Name:      req.Name,
		Hash:      penny.HashKey(plaintext),
		Scopes:    req.Scopes,
		Active:    true,
		CreatedAt: penny.NowUnix(),
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(r.Context(), key); err != nil {
		s.writeError(w, penny.WrapErr(penny.CodeInternal, err))
		return
	}

	s.writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: key, Key: plaintext})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.Require(r.Context(), apiKeyScope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	keys, err := s.store.ListAPIKeys(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, penny.WrapErr(penny.CodeInternal, err))
		return
	}
	if keys == nil {
		keys = []penny.APIKey{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.Require(r.Context(), apiKeyScope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	err = s.store.RevokeAPIKey(r.Context(), principal.TenantID, r.PathValue("id"))
	if err != nil {
		if penny.NotFoundErr(err) {
			s.writeError(w, penny.Errf(penny.CodeNotFound, "api key not found"))
			return
		}
		s.writeError(w, penny.WrapErr(penny.CodeInternal, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
