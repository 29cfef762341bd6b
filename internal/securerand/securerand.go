// Package securerand generates unguessable tokens and the digests stored in
// their place.
package securerand

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// TokenBytes is the entropy of an opaque token
const TokenBytes = 32

// Token returns TokenBytes of crypto/rand output, base64url encoded without padding
func Token() (string, error) {
	return TokenN(TokenBytes)
}

// TokenN returns n random bytes, base64url encoded without padding
func TokenN(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Bytes returns n random bytes
func Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// Hash creates a SHA-256 hash of a token for storage
func Hash(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
