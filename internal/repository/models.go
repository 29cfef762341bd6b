package repository

import (
	"time"

	"github.com/google/uuid"
)

// UnknownUserID is recorded on audit events that cannot be tied to an account.
const UnknownUserID = "(unknown)"

// User represents a registered account in the database
type User struct {
	ID                uuid.UUID  `db:"id"`
	Email             string     `db:"email"`
	PasswordHash      string     `db:"password_hash"`
	MFASecret         *string    `db:"mfa_secret"`
	MFAEnabled        bool       `db:"mfa_enabled"`
	EmailConfirmed    bool       `db:"email_confirmed"`
	AccessFailedCount int        `db:"access_failed_count"`
	LockoutEnd        *time.Time `db:"lockout_end"`
	FirstName         string     `db:"first_name"`
	LastName          string     `db:"last_name"`
	Gender            string     `db:"gender"`
	DateOfBirth       time.Time  `db:"date_of_birth"`
	NRICEncrypted     string     `db:"nric_encrypted"`
	WhoAmI            *string    `db:"who_am_i"`
	ResumeKey         *string    `db:"resume_key"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// IsLockedOut reports whether the lockout window is still open at now.
func (u *User) IsLockedOut(now time.Time) bool {
	return u.LockoutEnd != nil && now.Before(*u.LockoutEnd)
}

// PasswordHistoryEntry is an append-only record of a password hash a user has held
type PasswordHistoryEntry struct {
	ID           int64     `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	PasswordHash string    `db:"password_hash"`
	ChangedAt    time.Time `db:"changed_at"`
}

// Session represents a server-side session record. Only the hash of the
// client-held token is stored.
type Session struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
	IPAddress string    `db:"ip_address"`
	UserAgent string    `db:"user_agent"`
	IsActive  bool      `db:"is_active"`
}

// IsValid reports whether the session can still be used at now.
func (s *Session) IsValid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// AuditEvent is an immutable record of a security-relevant action
type AuditEvent struct {
	ID         int64     `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	Action     string    `db:"action" json:"action"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// TokenPurpose scopes a one-time token to a single flow
type TokenPurpose string

const (
	PurposeEmailConfirmation TokenPurpose = "email_confirmation"
	PurposePasswordReset     TokenPurpose = "password_reset"
	PurposeMFAChallenge      TokenPurpose = "mfa_challenge"
	PurposeMFASetup          TokenPurpose = "mfa_setup"
)

// OneTimeToken is a hashed, expiring token that can be consumed exactly once
type OneTimeToken struct {
	TokenHash  string       `db:"token_hash"`
	UserID     uuid.UUID    `db:"user_id"`
	Purpose    TokenPurpose `db:"purpose"`
	ExpiresAt  time.Time    `db:"expires_at"`
	ConsumedAt *time.Time   `db:"consumed_at"`
	CreatedAt  time.Time    `db:"created_at"`
}

// FailedAttemptResult reports the lockout counter state after a failed login
type FailedAttemptResult struct {
	AccessFailedCount int
	LockoutEnd        *time.Time
	// Locked is true when this attempt tripped the lockout.
	Locked bool
	// AlreadyLocked is true when the account was locked before this attempt.
	AlreadyLocked bool
}
