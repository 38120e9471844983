// Package auth resolves request credentials into tenant-scoped principals.
// It accepts HS256 JWTs and opaque API keys and verifies the owning tenant
// exists and is active before any request proceeds.
package auth

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/pennylabs/penny"
)

// credentialRe splits the Authorization header into scheme and credential.
var credentialRe = regexp.MustCompile(`(?i)^(?:Bearer|ApiKey)\s+(.+)$`)

// touchTimeout bounds the async lastUsedAt update.
const touchTimeout = 5 * time.Second

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Authenticator turns an Authorization header into a Principal.
type Authenticator struct {
	jwt    *JWTService
	store  penny.Store
	logger *slog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

func NewAuthenticator(jwt *JWTService, store penny.Store, opts ...Option) *Authenticator {
	a := &Authenticator{jwt: jwt, store: store}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	return a
}

// Authenticate resolves the Authorization header value into a principal.
// Both "Bearer <jwt|apikey>" and "ApiKey <apikey>" forms are accepted;
// opaque credentials are looked up by SHA-256 hash. The tenant must exist
// and be active.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (penny.Principal, error) {
	m := credentialRe.FindStringSubmatch(authorization)
	if m == nil {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "missing or malformed credential")
	}
	credential := m[1]

	var (
		p   penny.Principal
		err error
	)
	if LooksLikeAPIKey(credential) {
		p, err = a.resolveAPIKey(ctx, credential)
	} else {
		p, err = a.jwt.Validate(credential)
	}
	if err != nil {
		return penny.Principal{}, err
	}

	tenant, terr := a.store.GetTenant(ctx, p.TenantID)
	if terr != nil {
		if penny.NotFoundErr(terr) {
			return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "unknown tenant")
		}
		return penny.Principal{}, penny.WrapErr(penny.CodeInternal, terr)
	}
	if !tenant.Active {
		return penny.Principal{}, penny.Errf(penny.CodeTenantDisabled, "tenant %s is disabled", tenant.ID)
	}
	return p, nil
}

func (a *Authenticator) resolveAPIKey(ctx context.Context, plaintext string) (penny.Principal, error) {
	key, err := a.store.GetAPIKeyByHash(ctx, penny.HashKey(plaintext))
	if err != nil {
		if penny.NotFoundErr(err) {
			return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "unknown api key")
		}
		return penny.Principal{}, penny.WrapErr(penny.CodeInternal, err)
	}
	if !key.Active {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "api key revoked")
	}
	if key.ExpiresAt > 0 && key.ExpiresAt < penny.NowUnix() {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "api key expired")
	}

	// Best-effort; a failure here never fails the request.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		if err := a.store.TouchAPIKey(ctx, key.ID, penny.NowUnix()); err != nil {
			a.logger.Debug("api key touch failed", "key_id", key.ID, "error", err)
		}
	}()

	return penny.Principal{
		ID:       key.UserID,
		TenantID: key.TenantID,
		Kind:     penny.PrincipalAPIKey,
		Scopes:   key.Scopes,
	}, nil
}
