package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

const sessionColumns = `id, user_id, token_hash, created_at, expires_at, ip_address, user_agent, is_active`

// sessionRepository implements SessionRepository using PostgreSQL
type sessionRepository struct {
	db DBTX
}

// Create inserts a new session into the database
func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (user_id, token_hash, created_at, expires_at, ip_address, user_agent, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		session.UserID,
		session.TokenHash,
		session.CreatedAt,
		session.ExpiresAt,
		session.IPAddress,
		session.UserAgent,
	).Scan(&session.ID)
	if err != nil {
		return err
	}

	session.IsActive = true
	return nil
}

// GetByTokenHash retrieves a session by its token hash
func (r *sessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`
	return scanSession(r.db.QueryRow(ctx, query, tokenHash))
}

// GetByTokenHashForUpdate retrieves a session and holds its row lock until
// the surrounding transaction ends. Outside a transaction the lock is released
// as soon as the statement completes.
func (r *sessionRepository) GetByTokenHashForUpdate(ctx context.Context, tokenHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1 FOR UPDATE`
	return scanSession(r.db.QueryRow(ctx, query, tokenHash))
}

func scanSession(row pgx.Row) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.IPAddress,
		&session.UserAgent,
		&session.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// UpdateExpiry moves the expiry of an active session
func (r *sessionRepository) UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	result, err := r.db.Exec(ctx,
		`UPDATE sessions SET expires_at = $1 WHERE id = $2 AND is_active`, expiresAt, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// Deactivate marks a session inactive. Deactivating an inactive session is a no-op.
func (r *sessionRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `UPDATE sessions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// DeactivateAllForUser marks every active session of a user inactive and
// returns how many were affected.
func (r *sessionRepository) DeactivateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := r.db.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND is_active`, userID)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}

// CountActive counts sessions whose active flag is set
func (r *sessionRepository) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND is_active`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
