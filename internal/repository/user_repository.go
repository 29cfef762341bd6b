package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// emailUniqueIndex is the unique index on LOWER(email)
const emailUniqueIndex = "idx_users_email_lower"

const userColumns = `id, email, password_hash, mfa_secret, mfa_enabled, email_confirmed,
	access_failed_count, lockout_end, first_name, last_name, gender, date_of_birth,
	nric_encrypted, who_am_i, resume_key, created_at, updated_at`

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	db DBTX
}

// Create inserts a new user. A concurrent registration with the same email
// loses on the unique index and gets ErrEmailAlreadyExists.
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (email, password_hash, email_confirmed, first_name, last_name,
			gender, date_of_birth, nric_encrypted, who_am_i, resume_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		strings.TrimSpace(user.Email),
		user.PasswordHash,
		user.EmailConfirmed,
		user.FirstName,
		user.LastName,
		user.Gender,
		user.DateOfBirth,
		user.NRICEncrypted,
		user.WhoAmI,
		user.ResumeKey,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err, emailUniqueIndex) {
			return ErrEmailAlreadyExists
		}
		return err
	}

	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a user by their email address (case-insensitive)
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUser(r.db.QueryRow(ctx, query, strings.TrimSpace(email)))
}

// GetByIDForUpdate retrieves a user by ID and locks the row
func (r *userRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`
	return scanUser(r.db.QueryRow(ctx, query, id))
}

// GetByEmailForUpdate retrieves a user by email and locks the row. Login
// holds this lock so that the lockout check and the counter update cannot
// interleave with another attempt on the same account.
func (r *userRepository) GetByEmailForUpdate(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1) FOR UPDATE`
	return scanUser(r.db.QueryRow(ctx, query, strings.TrimSpace(email)))
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.MFASecret,
		&user.MFAEnabled,
		&user.EmailConfirmed,
		&user.AccessFailedCount,
		&user.LockoutEnd,
		&user.FirstName,
		&user.LastName,
		&user.Gender,
		&user.DateOfBirth,
		&user.NRICEncrypted,
		&user.WhoAmI,
		&user.ResumeKey,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// UpdatePasswordHash replaces the stored password hash
func (r *userRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string, now time.Time) error {
	return r.exec(ctx, `UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`, hash, now, id)
}

// SetMFASecret stores the shared TOTP secret
func (r *userRepository) SetMFASecret(ctx context.Context, id uuid.UUID, secret string, now time.Time) error {
	return r.exec(ctx, `UPDATE users SET mfa_secret = $1, updated_at = $2 WHERE id = $3`, secret, now, id)
}

// SetMFAEnabled flips the MFA-enabled flag
func (r *userRepository) SetMFAEnabled(ctx context.Context, id uuid.UUID, enabled bool, now time.Time) error {
	return r.exec(ctx, `UPDATE users SET mfa_enabled = $1, updated_at = $2 WHERE id = $3`, enabled, now, id)
}

// ConfirmEmail marks the email address as confirmed
func (r *userRepository) ConfirmEmail(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.exec(ctx, `UPDATE users SET email_confirmed = TRUE, updated_at = $1 WHERE id = $2`, now, id)
}

// RecordFailedAttempt increments access_failed_count in a single statement so
// concurrent failures for the same account are never lost.
func (r *userRepository) RecordFailedAttempt(ctx context.Context, id uuid.UUID, threshold int, lockUntil, now time.Time) (*FailedAttemptResult, error) {
	query := `
		WITH prev AS (
			SELECT id, COALESCE(lockout_end > $4::timestamptz, FALSE) AS locked
			FROM users WHERE id = $1 FOR UPDATE
		)
		UPDATE users u SET
			lockout_end = CASE
				WHEN prev.locked THEN u.lockout_end
				WHEN u.access_failed_count + 1 >= $2::int THEN $3::timestamptz
				ELSE u.lockout_end END,
			access_failed_count = CASE
				WHEN prev.locked THEN u.access_failed_count
				WHEN u.access_failed_count + 1 >= $2::int THEN 0
				ELSE u.access_failed_count + 1 END
		FROM prev
		WHERE u.id = prev.id
		RETURNING u.access_failed_count, u.lockout_end,
			NOT prev.locked AND COALESCE(u.lockout_end = $3::timestamptz, FALSE),
			prev.locked
	`

	result := &FailedAttemptResult{}
	err := r.db.QueryRow(ctx, query, id, threshold, lockUntil, now).Scan(
		&result.AccessFailedCount,
		&result.LockoutEnd,
		&result.Locked,
		&result.AlreadyLocked,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return result, nil
}

// ResetFailedAttempts clears the failure counter after a successful password check
func (r *userRepository) ResetFailedAttempts(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `UPDATE users SET access_failed_count = 0, lockout_end = NULL WHERE id = $1`, id)
}

func (r *userRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ResumeKeyChecker reports which resume object keys are referenced by users
type ResumeKeyChecker struct {
	db DBTX
}

// NewResumeKeyChecker creates a checker over db
func NewResumeKeyChecker(db DBTX) *ResumeKeyChecker {
	return &ResumeKeyChecker{db: db}
}

// BatchInUse returns a set of the keys that appear in users.resume_key
func (c *ResumeKeyChecker) BatchInUse(ctx context.Context, keys []string) (map[string]bool, error) {
	inUse := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return inUse, nil
	}

	rows, err := c.db.Query(ctx, `SELECT resume_key FROM users WHERE resume_key = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	keysFound, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, k := range keysFound {
		inUse[k] = true
	}
	return inUse, nil
}
