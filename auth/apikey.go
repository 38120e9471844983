package auth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

const keyPrefix = "pk_"

// GenerateAPIKey returns a fresh plaintext key, pk_<base64url(32 random
// bytes)>. The plaintext is shown to the caller exactly once; only its
// SHA-256 is stored.
func GenerateAPIKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// LooksLikeAPIKey reports whether a bearer credential is an opaque API key
// rather than a JWT.
func LooksLikeAPIKey(credential string) bool {
	return strings.HasPrefix(credential, keyPrefix)
}
