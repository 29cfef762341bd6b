// Package mfa manages TOTP enrollment and verification.
//
// A user moves NotEnrolled -> KeyGenerated -> Enrolled. The key is created
// once and reused until enrollment completes; enrollment itself needs a Proof
// that only a successful code check can produce.
package mfa

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
)

const (
	// Period is the TOTP time step
	Period = 30
	// Skew is how many steps either side of now are accepted
	Skew = 1
	// SecretSize is the number of random bytes in a shared secret
	SecretSize = 20
)

var (
	ErrNoProof     = errors.New("mfa: enabling requires a verified code")
	ErrNoSecret    = errors.New("mfa: no shared secret for user")
	ErrInvalidCode = errors.New("mfa: invalid code")
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var validateOpts = totp.ValidateOpts{
	Period:    Period,
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// EnrollmentState is the per-user MFA lifecycle state
type EnrollmentState string

const (
	NotEnrolled  EnrollmentState = "not_enrolled"
	KeyGenerated EnrollmentState = "key_generated"
	Enrolled     EnrollmentState = "enrolled"
)

// State derives the enrollment state from the stored user
func State(u *repository.User) EnrollmentState {
	switch {
	case u.MFAEnabled:
		return Enrolled
	case u.MFASecret != nil && *u.MFASecret != "":
		return KeyGenerated
	default:
		return NotEnrolled
	}
}

// Proof shows that a user just presented a valid code for their secret
type Proof struct {
	userID uuid.UUID
}

// Manager generates and verifies TOTP secrets for users
type Manager struct {
	issuer string
}

// NewManager creates a new Manager. issuer is shown by authenticator apps.
func NewManager(issuer string) *Manager {
	return &Manager{issuer: issuer}
}

// Issuer returns the configured issuer
func (m *Manager) Issuer() string {
	return m.issuer
}

// EnsureKey returns the user's shared secret, generating and storing one if
// none exists yet. created reports whether a new secret was generated.
func (m *Manager) EnsureKey(ctx context.Context, r repository.Repositories, userID uuid.UUID, now time.Time) (secret string, created bool, err error) {
	user, err := r.Users().GetByID(ctx, userID)
	if err != nil {
		return "", false, err
	}

	if user.MFASecret != nil && *user.MFASecret != "" {
		return *user.MFASecret, false, nil
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: user.Email,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", false, fmt.Errorf("generate totp secret: %w", err)
	}

	if err := r.Users().SetMFASecret(ctx, userID, key.Secret(), now); err != nil {
		return "", false, err
	}

	return key.Secret(), true, nil
}

// BuildEnrollmentURI returns the otpauth:// URI an authenticator app scans
func BuildEnrollmentURI(issuer, accountLabel, secret string) (string, error) {
	raw, err := secretEncoding.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", fmt.Errorf("decode totp secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountLabel,
		Period:      Period,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}

	return key.URL(), nil
}

// VerifyCode validates a 6-digit code against secret at now, allowing one
// step of clock skew either way.
func VerifyCode(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != int(otp.DigitsSix) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), validateOpts)
	return err == nil && ok
}

// Verify checks code against the user's stored secret and returns the Proof
// needed by Enable.
func (m *Manager) Verify(user *repository.User, code string, now time.Time) (Proof, error) {
	if user.MFASecret == nil || *user.MFASecret == "" {
		return Proof{}, ErrNoSecret
	}
	if !VerifyCode(*user.MFASecret, code, now) {
		return Proof{}, ErrInvalidCode
	}
	return Proof{userID: user.ID}, nil
}

// Enable marks the user as enrolled
func (m *Manager) Enable(ctx context.Context, r repository.Repositories, userID uuid.UUID, proof Proof, now time.Time) error {
	if proof.userID == uuid.Nil || proof.userID != userID {
		return ErrNoProof
	}
	return r.Users().SetMFAEnabled(ctx, userID, true, now)
}
