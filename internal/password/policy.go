// Package password validates password strength and enforces the age, reuse
// and change-frequency rules kept in each user's password history.
package password

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
)

const (
	// MinLength is the minimum required password length
	MinLength = 12
	// MaxBytes is the longest password bcrypt accepts, in bytes
	MaxBytes = 72
	// ReuseDepth is how many of the most recent passwords may not be reused
	ReuseDepth = 2
)

// Violation represents a specific password strength failure
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Violations checks a password against every strength rule and returns one
// entry per failed rule (empty if the password is strong enough).
func Violations(password string) []Violation {
	var violations []Violation

	if len([]rune(password)) < MinLength {
		violations = append(violations, Violation{
			Field:   "password",
			Message: fmt.Sprintf("Password must be at least %d characters long", MinLength),
		})
	}

	if len(password) > MaxBytes {
		violations = append(violations, Violation{
			Field:   "password",
			Message: fmt.Sprintf("Password must be at most %d bytes long (non-ASCII characters take more than one byte)", MaxBytes),
		})
	}

	var hasUpper, hasLower, hasDigit, hasOther bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasDigit = true
		case !unicode.IsLetter(char):
			hasOther = true
		}
	}

	if !hasUpper {
		violations = append(violations, Violation{
			Field:   "password",
			Message: "Password must contain at least one uppercase letter",
		})
	}
	if !hasLower {
		violations = append(violations, Violation{
			Field:   "password",
			Message: "Password must contain at least one lowercase letter",
		})
	}
	if !hasDigit {
		violations = append(violations, Violation{
			Field:   "password",
			Message: "Password must contain at least one number",
		})
	}
	if !hasOther {
		violations = append(violations, Violation{
			Field:   "password",
			Message: "Password must contain at least one special character",
		})
	}

	return violations
}

// ValidateStrength reports whether password satisfies every strength rule
func ValidateStrength(password string) bool {
	return len(Violations(password)) == 0
}

// Decision is the outcome of a policy rule that can deny an action
type Decision struct {
	Allowed bool
	// MinutesRemaining is set when a change is denied for being too soon.
	MinutesRemaining int
}

// Config holds the tunable policy rules
type Config struct {
	// MinChangeMinutes is the minimum time between two password changes
	MinChangeMinutes int
	// MaxAgeDays forces rotation after this many days. Zero or less disables it.
	MaxAgeDays int
}

// Policy enforces history-backed password rules
type Policy struct {
	cfg    Config
	hasher Hasher
}

// NewPolicy creates a new Policy instance
func NewPolicy(cfg Config, hasher Hasher) *Policy {
	return &Policy{cfg: cfg, hasher: hasher}
}

// Hasher returns the hasher used for reuse checks
func (p *Policy) Hasher() Hasher {
	return p.hasher
}

func (p *Policy) latest(ctx context.Context, r repository.Repositories, userID uuid.UUID) (*repository.PasswordHistoryEntry, error) {
	entries, err := r.PasswordHistory().Recent(ctx, userID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// CheckChangeFrequency denies a change when the last one happened less than
// MinChangeMinutes ago.
func (p *Policy) CheckChangeFrequency(ctx context.Context, r repository.Repositories, userID uuid.UUID, now time.Time) (Decision, error) {
	last, err := p.latest(ctx, r, userID)
	if err != nil {
		return Decision{}, err
	}
	if last == nil || p.cfg.MinChangeMinutes <= 0 {
		return Decision{Allowed: true}, nil
	}

	minInterval := time.Duration(p.cfg.MinChangeMinutes) * time.Minute
	elapsed := now.Sub(last.ChangedAt)
	if elapsed >= minInterval {
		return Decision{Allowed: true}, nil
	}

	remaining := int(math.Ceil((minInterval - elapsed).Minutes()))
	return Decision{Allowed: false, MinutesRemaining: remaining}, nil
}

// CheckReuse denies candidate when it matches any of the ReuseDepth most
// recent passwords.
func (p *Policy) CheckReuse(ctx context.Context, r repository.Repositories, userID uuid.UUID, candidate string) (Decision, error) {
	entries, err := r.PasswordHistory().Recent(ctx, userID, ReuseDepth)
	if err != nil {
		return Decision{}, err
	}

	for _, e := range entries {
		if p.hasher.Verify(candidate, e.PasswordHash) {
			return Decision{Allowed: false}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// RecordChange appends newHash to the user's history
func (p *Policy) RecordChange(ctx context.Context, r repository.Repositories, userID uuid.UUID, newHash string, now time.Time) error {
	return r.PasswordHistory().Append(ctx, &repository.PasswordHistoryEntry{
		UserID:       userID,
		PasswordHash: newHash,
		ChangedAt:    now,
	})
}

// CheckMaxAge reports whether the current password is older than MaxAgeDays.
// A user without history is never considered expired.
func (p *Policy) CheckMaxAge(ctx context.Context, r repository.Repositories, userID uuid.UUID, now time.Time) (bool, error) {
	if p.cfg.MaxAgeDays <= 0 {
		return false, nil
	}

	last, err := p.latest(ctx, r, userID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}

	maxAge := time.Duration(p.cfg.MaxAgeDays) * 24 * time.Hour
	return now.Sub(last.ChangedAt) > maxAge, nil
}
