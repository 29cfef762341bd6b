// Package protect encrypts personal data before it is stored.
package protect

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKeyLength   = errors.New("encryption key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Protector encrypts and decrypts short strings such as identity numbers
type Protector interface {
	Protect(plaintext string) (string, error)
	Unprotect(ciphertext string) (string, error)
}

// XChaCha implements Protector with XChaCha20-Poly1305. Output is
// base64(nonce || sealed) so it fits a text column.
type XChaCha struct {
	key []byte
	// purpose is the associated data for every seal.
	purpose []byte
}

// NewXChaCha creates a protector from a 32 byte key
func NewXChaCha(key []byte, purpose string) (*XChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeyLength
	}
	return &XChaCha{key: append([]byte(nil), key...), purpose: []byte(purpose)}, nil
}

// NewXChaChaFromHex creates a protector from a hex encoded key
func NewXChaChaFromHex(hexKey, purpose string) (*XChaCha, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return NewXChaCha(key, purpose)
}

// Protect encrypts plaintext. An empty input stays empty.
func (p *XChaCha) Protect(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(p.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), p.purpose)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unprotect reverses Protect
func (p *XChaCha) Unprotect(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(p.key)
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, p.purpose)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
