package auth

import (
	"context"

	"github.com/pennylabs/penny"
)

type principalContextKey struct{}

// WithPrincipal attaches the authenticated principal to the context.
func WithPrincipal(ctx context.Context, p penny.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom retrieves the principal from the context.
func PrincipalFrom(ctx context.Context) (penny.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(penny.Principal)
	return p, ok
}

// Require checks that the context's principal holds scope. Returns
// UNAUTHENTICATED with no principal, UNAUTHORIZED without the scope.
func Require(ctx context.Context, scope string) (penny.Principal, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "no credential")
	}
	if !p.HasScope(scope) {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthorized, "missing scope %q", scope)
	}
	return p, nil
}
