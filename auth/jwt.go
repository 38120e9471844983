package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pennylabs/penny"
)

// JWTService handles token signing and verification.
type JWTService struct {
	secret   []byte
	audience string
	expiry   time.Duration
}

// NewJWTService builds a JWT helper. Tokens are HS256-signed and carry the
// audience when one is configured.
func NewJWTService(secret, audience string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), audience: audience, expiry: expiry}
}

// Claims is the token payload: subject + tenant + authorization sets.
type Claims struct {
	TenantID string   `json:"tenantId"`
	Roles    []string `json:"roles,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given principal.
func (s *JWTService) Generate(p penny.Principal) (string, error) {
	if len(s.secret) == 0 {
		return "", penny.Errf(penny.CodeUnauthenticated, "jwt signing not configured")
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.TenantID) == "" {
		return "", penny.Errf(penny.CodeInvalidParams, "principal id and tenant id required")
	}

	claims := Claims{
		TenantID: p.TenantID,
		Roles:    p.Roles,
		Scopes:   p.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a token (signature, expiry, audience) and
// returns the principal it carries.
func (s *JWTService) Validate(token string) (penny.Principal, error) {
	if len(s.secret) == 0 {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "jwt verification not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return penny.Principal{}, penny.Errf(penny.CodeUnauthenticated, "token missing subject or tenant")
	}
	return penny.Principal{
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Kind:     penny.PrincipalUser,
		Roles:    claims.Roles,
		Scopes:   claims.Scopes,
	}, nil
}
