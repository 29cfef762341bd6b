package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
	"github.com/welldanyogia/jobportal-auth/internal/securerand"
)

// DefaultPendingTokenTTL bounds the gap between the password step and the
// MFA step of a login.
const DefaultPendingTokenTTL = 5 * time.Minute

// PendingClaims carries a half-finished authentication between requests
type PendingClaims struct {
	Email   string                  `json:"email,omitempty"`
	Purpose repository.TokenPurpose `json:"purpose"`
	jwt.RegisteredClaims
}

// UserID returns the user ID from the Subject claim
func (c *PendingClaims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// PendingTokenConfig holds configuration for PendingTokenService
type PendingTokenConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// PendingTokenService issues signed, expiring, single-use tokens for the
// MFA challenge and mandatory MFA setup steps. The signature makes the
// token tamper-proof; the jti recorded in one_time_tokens makes it
// single-use.
type PendingTokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewPendingTokenService creates a new PendingTokenService instance
func NewPendingTokenService(cfg PendingTokenConfig) *PendingTokenService {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPendingTokenTTL
	}
	return &PendingTokenService{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
	}
}

// TTL returns the pending token lifetime
func (s *PendingTokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for user and records its jti so it can be consumed once
func (s *PendingTokenService) Issue(ctx context.Context, r repository.Repositories, user *repository.User, purpose repository.TokenPurpose, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.ttl)
	jti := uuid.New().String()

	claims := PendingClaims{
		Email:   user.Email,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	err = r.Tokens().Create(ctx, &repository.OneTimeToken{
		TokenHash: securerand.Hash(jti),
		UserID:    user.ID,
		Purpose:   purpose,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// Parse verifies signature, issuer, expiry at now and purpose. It does not
// check whether the token was already consumed.
func (s *PendingTokenService) Parse(tokenString string, purpose repository.TokenPurpose, now time.Time) (*PendingClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	token, err := parser.ParseWithClaims(tokenString, &PendingClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*PendingClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	if claims.Purpose != purpose {
		return nil, errors.New("invalid token purpose")
	}

	if _, err := claims.UserID(); err != nil {
		return nil, errors.New("invalid token subject")
	}

	return claims, nil
}

// Consume marks the token used. A second call fails with
// repository.ErrTokenNotFound.
func (s *PendingTokenService) Consume(ctx context.Context, r repository.Repositories, claims *PendingClaims, now time.Time) error {
	_, err := r.Tokens().Consume(ctx, securerand.Hash(claims.ID), claims.Purpose, now)
	return err
}
