package protect

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func TestXChaCha_RoundTrip(t *testing.T) {
	p, err := NewXChaCha(testKey, "nric")
	if err != nil {
		t.Fatal(err)
	}

	rapid.Check(t, func(t *rapid.T) {
		plain := rapid.StringMatching(`[A-Za-z0-9-]{1,20}`).Draw(t, "plain")

		enc, err := p.Protect(plain)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(enc, plain) {
			t.Fatalf("ciphertext leaks plaintext")
		}
		dec, err := p.Unprotect(enc)
		if err != nil {
			t.Fatal(err)
		}
		if dec != plain {
			t.Fatalf("round trip: got %q, want %q", dec, plain)
		}
	})
}

func TestXChaCha_NonceIsRandom(t *testing.T) {
	p, _ := NewXChaCha(testKey, "nric")
	a, _ := p.Protect("S1234567D")
	b, _ := p.Protect("S1234567D")
	if a == b {
		t.Error("same plaintext produced identical ciphertext")
	}
}

func TestXChaCha_Rejects(t *testing.T) {
	p, _ := NewXChaCha(testKey, "nric")
	enc, _ := p.Protect("S1234567D")

	other, _ := NewXChaCha(bytes.Repeat([]byte{0x01}, 32), "nric")
	if _, err := other.Unprotect(enc); err == nil {
		t.Error("wrong key decrypted")
	}

	wrongPurpose, _ := NewXChaCha(testKey, "other")
	if _, err := wrongPurpose.Unprotect(enc); err == nil {
		t.Error("wrong purpose decrypted")
	}

	if _, err := p.Unprotect("AAAA"); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("expected ErrCiphertextTooShort, got %v", err)
	}

	if _, err := NewXChaCha([]byte("short"), "nric"); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestXChaCha_Empty(t *testing.T) {
	p, _ := NewXChaChaFromHex(strings.Repeat("ab", 32), "nric")
	if enc, err := p.Protect(""); err != nil || enc != "" {
		t.Errorf("Protect(\"\") = %q, %v", enc, err)
	}
	if dec, err := p.Unprotect(""); err != nil || dec != "" {
		t.Errorf("Unprotect(\"\") = %q, %v", dec, err)
	}
}
