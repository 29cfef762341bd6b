package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// GetByIDForUpdate and GetByEmailForUpdate lock the row for the rest of
	// the transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmailForUpdate(ctx context.Context, email string) (*User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string, now time.Time) error
	SetMFASecret(ctx context.Context, id uuid.UUID, secret string, now time.Time) error
	SetMFAEnabled(ctx context.Context, id uuid.UUID, enabled bool, now time.Time) error
	ConfirmEmail(ctx context.Context, id uuid.UUID, now time.Time) error
	// RecordFailedAttempt increments the failure counter atomically. When the
	// counter reaches threshold the account is locked until lockUntil and the
	// counter starts over. An account still locked at now is left untouched
	// and reported as AlreadyLocked.
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, threshold int, lockUntil, now time.Time) (*FailedAttemptResult, error)
	ResetFailedAttempts(ctx context.Context, id uuid.UUID) error
}

// PasswordHistoryRepository defines the interface for password history access
type PasswordHistoryRepository interface {
	Append(ctx context.Context, entry *PasswordHistoryEntry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, userID uuid.UUID, limit int) ([]PasswordHistoryEntry, error)
}

// SessionRepository defines the interface for session data access
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	// GetByTokenHashForUpdate locks the row for the rest of the transaction.
	GetByTokenHashForUpdate(ctx context.Context, tokenHash string) (*Session, error)
	UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	DeactivateAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	// CountActive counts sessions with the active flag set. Expiry is not
	// evaluated here.
	CountActive(ctx context.Context, userID uuid.UUID) (int, error)
}

// TokenRepository defines the interface for one-time token access
type TokenRepository interface {
	Create(ctx context.Context, token *OneTimeToken) error
	// Consume marks the token used if it exists for purpose, is unused and
	// unexpired at now. Otherwise it returns ErrTokenNotFound.
	Consume(ctx context.Context, tokenHash string, purpose TokenPurpose, now time.Time) (*OneTimeToken, error)
}

// AuditRepository defines the append side of the audit log
type AuditRepository interface {
	Append(ctx context.Context, event *AuditEvent) error
}

// AuditReader lists audit events for display
type AuditReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]AuditEvent, error)
}

// Repositories groups the per-entity repositories bound to one connection
// or transaction.
type Repositories interface {
	Users() UserRepository
	PasswordHistory() PasswordHistoryRepository
	Sessions() SessionRepository
	Tokens() TokenRepository
	Audit() AuditRepository
}

// Store is the transactional persistence boundary. Repositories obtained
// directly from the Store run each statement on its own; WithinTx commits
// everything fn does or nothing.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
}
