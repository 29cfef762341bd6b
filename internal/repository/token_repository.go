package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrTokenNotFound is returned when a one-time token is unknown, expired,
// already consumed or issued for another purpose.
var ErrTokenNotFound = errors.New("token not found")

type tokenRepository struct {
	db DBTX
}

func (r *tokenRepository) Create(ctx context.Context, token *OneTimeToken) error {
	query := `
		INSERT INTO one_time_tokens (token_hash, user_id, purpose, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Exec(ctx, query,
		token.TokenHash,
		token.UserID,
		string(token.Purpose),
		token.ExpiresAt,
		token.CreatedAt,
	)
	return err
}

// Consume marks the token as used in one conditional UPDATE, so two racing
// consumers cannot both succeed.
func (r *tokenRepository) Consume(ctx context.Context, tokenHash string, purpose TokenPurpose, now time.Time) (*OneTimeToken, error) {
	query := `
		UPDATE one_time_tokens
		SET consumed_at = $3
		WHERE token_hash = $1 AND purpose = $2 AND consumed_at IS NULL AND expires_at > $3
		RETURNING token_hash, user_id, purpose, expires_at, consumed_at, created_at
	`

	token := &OneTimeToken{}
	var p string
	err := r.db.QueryRow(ctx, query, tokenHash, string(purpose), now).Scan(
		&token.TokenHash,
		&token.UserID,
		&p,
		&token.ExpiresAt,
		&token.ConsumedAt,
		&token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	token.Purpose = TokenPurpose(p)

	return token, nil
}
