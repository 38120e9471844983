// Package httpapi exposes the request execution core over HTTP: message
// processing with SSE streaming, direct tool execution, sandbox access,
// and API key management. All error-to-status mapping lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pennylabs/penny"
	"github.com/pennylabs/penny/auth"
	"github.com/pennylabs/penny/sandbox"
)

// StatusClientClosedRequest is the nginx convention for a request the
// client abandoned before a response was written.
const StatusClientClosedRequest = 499

// MessageProcessor runs one user message to completion. Satisfied by
// *penny.Processor and the observer wrapper.
type MessageProcessor interface {
	Process(ctx context.Context, tenant penny.Tenant, principal penny.Principal, userMsg penny.Message, opts penny.ProcessOptions, ch chan<- penny.Chunk) (penny.Message, error)
}

// Server is the HTTP surface. Build it with NewServer and mount Handler.
type Server struct {
	store     penny.Store
	authn     *auth.Authenticator
	processor MessageProcessor
	executor  *penny.Executor
	registry  *penny.Registry

	limiter  *penny.Limiter
	runner   sandbox.Runner
	msgLimit *penny.RateLimitSpec
	audit    bool
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter enables the per-tenant message rate limit backend.
func WithLimiter(l *penny.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithSandbox mounts the /v1/sandbox endpoints on the given runner.
func WithSandbox(r sandbox.Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithMessageRateLimit applies spec to every tenant's /v1/messages calls.
func WithMessageRateLimit(spec penny.RateLimitSpec) Option {
	return func(s *Server) { s.msgLimit = &spec }
}

// WithAudit turns on per-request audit logging.
func WithAudit(enabled bool) Option {
	return func(s *Server) { s.audit = enabled }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(store penny.Store, authn *auth.Authenticator, processor MessageProcessor, executor *penny.Executor, registry *penny.Registry, opts ...Option) *Server {
	s := &Server{
		store:     store,
		authn:     authn,
		processor: processor,
		executor:  executor,
		registry:  registry,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// Handler builds the route table. Everything under /v1 requires a
// principal; /healthz does not.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/messages", s.handleMessages)
	v1.HandleFunc("GET /v1/tools", s.handleListTools)
	v1.HandleFunc("POST /v1/tools/{name}/execute", s.handleToolExecute)
	v1.HandleFunc("POST /v1/api-keys", s.handleCreateAPIKey)
	v1.HandleFunc("GET /v1/api-keys", s.handleListAPIKeys)
	v1.HandleFunc("DELETE /v1/api-keys/{id}", s.handleRevokeAPIKey)
	if s.runner != nil {
		v1.HandleFunc("POST /v1/sandbox/execute", s.handleSandboxExecute)
		v1.HandleFunc("POST /v1/sandbox/execute/stream", s.handleSandboxExecuteStream)
		v1.HandleFunc("POST /v1/sandbox/sessions", s.handleCreateSandboxSession)
		v1.HandleFunc("DELETE /v1/sandbox/sessions/{id}", s.handleDeleteSandboxSession)
	}
	mux.Handle("/v1/", s.authenticate(v1))

	return s.logRequests(mux)
}

// authenticate resolves the Authorization header into a principal and
// stores it in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			attrs = append(attrs, "tenant_id", p.TenantID)
		}
		if s.audit {
			s.logger.Info("request", attrs...)
		} else {
			s.logger.Debug("request", attrs...)
		}
	})
}

// statusOf maps error codes to HTTP statuses. NOT_FOUND covers
// cross-tenant reads too, so existence is never disclosed.
func statusOf(code penny.Code) int {
	switch code {
	case penny.CodeUnauthenticated, penny.CodeAuth:
		return http.StatusUnauthorized
	case penny.CodeUnauthorized:
		return http.StatusForbidden
	case penny.CodeNotFound, penny.CodeToolNotFound:
		return http.StatusNotFound
	case penny.CodeTenantDisabled, penny.CodeConflict:
		return http.StatusConflict
	case penny.CodeInvalidParams, penny.CodeInvalidResult, penny.CodeBadRequest, penny.CodePolicyViolation:
		return http.StatusBadRequest
	case penny.CodeRateLimited:
		return http.StatusTooManyRequests
	case penny.CodeQueueFull, penny.CodeOverloaded, penny.CodeUnavailable, penny.CodeNoProvider:
		return http.StatusServiceUnavailable
	case penny.CodeTimeout:
		return http.StatusGatewayTimeout
	case penny.CodeCancelled:
		return StatusClientClosedRequest
	case penny.CodeUpstream, penny.CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code      penny.Code `json:"code"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

// writeError serializes the coded error. Causes never reach the wire.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := penny.CodeOf(err)
	body := errorBody{Code: code, Message: err.Error(), Retryable: penny.IsRetryable(err)}
	if e, ok := err.(*penny.Error); ok {
		body.Message = e.Message
	}
	s.writeJSON(w, statusOf(code), map[string]any{"error": body})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

// principal fetches the authenticated caller and its tenant.
func (s *Server) principal(r *http.Request) (penny.Principal, penny.Tenant, error) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return penny.Principal{}, penny.Tenant{}, penny.Errf(penny.CodeUnauthenticated, "no principal")
	}
	tenant, err := s.store.GetTenant(r.Context(), p.TenantID)
	if err != nil {
		if penny.NotFoundErr(err) {
			return penny.Principal{}, penny.Tenant{}, penny.Errf(penny.CodeUnauthenticated, "unknown tenant")
		}
		return penny.Principal{}, penny.Tenant{}, penny.WrapErr(penny.CodeInternal, err)
	}
	if !tenant.Active {
		return penny.Principal{}, penny.Tenant{}, penny.Errf(penny.CodeTenantDisabled, "tenant %s is disabled", tenant.ID)
	}
	return p, tenant, nil
}
