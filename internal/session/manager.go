// Package session issues, validates and revokes server-side sessions. The
// client holds an opaque random token; only its SHA-256 digest is stored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/metrics"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
	"github.com/welldanyogia/jobportal-auth/internal/securerand"
)

// DefaultIdleTimeout is the sliding expiration window
const DefaultIdleTimeout = 30 * time.Minute

var (
	// ErrSessionInvalid is returned for unknown, inactive or expired sessions
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSessionExpired is returned when validation found a live session past
	// its expiry and deactivated it. It wraps ErrSessionInvalid.
	ErrSessionExpired = fmt.Errorf("%w: expired", ErrSessionInvalid)
)

// Manager handles the session lifecycle
type Manager struct {
	store       repository.Store
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewManager creates a new Manager. A non-positive idleTimeout uses
// DefaultIdleTimeout.
func NewManager(store repository.Store, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, idleTimeout: idleTimeout, logger: logger}
}

// IdleTimeout returns the sliding expiration window
func (m *Manager) IdleTimeout() time.Duration {
	return m.idleTimeout
}

// Create issues a new session for userID inside the caller's repositories and
// returns the client token alongside the stored record.
func (m *Manager) Create(ctx context.Context, r repository.Repositories, userID uuid.UUID, clientIP, clientAgent string, now time.Time) (string, *repository.Session, error) {
	token, err := securerand.Token()
	if err != nil {
		return "", nil, err
	}

	s := &repository.Session{
		UserID:    userID,
		TokenHash: securerand.Hash(token),
		CreatedAt: now,
		ExpiresAt: now.Add(m.idleTimeout),
		IPAddress: clientIP,
		UserAgent: clientAgent,
	}
	if err := r.Sessions().Create(ctx, s); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}

	metrics.SessionsCreated.Inc()
	return token, s, nil
}

// Validate checks token and slides its expiry forward in one transaction with
// the session row locked. A session found expired while still flagged active
// is deactivated and ErrSessionExpired is returned. With ErrSessionInvalid
// the session is returned when the token matched one that is no longer active.
func (m *Manager) Validate(ctx context.Context, token string, now time.Time) (*repository.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	var (
		result  *repository.Session
		outcome error
	)
	err := m.store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		s, err := r.Sessions().GetByTokenHashForUpdate(ctx, securerand.Hash(token))
		if errors.Is(err, repository.ErrSessionNotFound) {
			outcome = ErrSessionInvalid
			return nil
		}
		if err != nil {
			return err
		}

		if !s.IsValid(now) {
			outcome = ErrSessionInvalid
			result = s
			if s.IsActive {
				if err := r.Sessions().Deactivate(ctx, s.ID); err != nil {
					return err
				}
				s.IsActive = false
				outcome = ErrSessionExpired
			}
			return nil
		}

		s.ExpiresAt = now.Add(m.idleTimeout)
		if err := r.Sessions().UpdateExpiry(ctx, s.ID, s.ExpiresAt); err != nil {
			return err
		}
		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if errors.Is(outcome, ErrSessionExpired) {
		metrics.SessionsInvalidated.WithLabelValues("expired").Inc()
		m.logger.DebugContext(ctx, "session expired", slog.String("session_id", result.ID.String()))
		return result, outcome
	}
	if outcome != nil {
		return nil, outcome
	}
	return result, nil
}

// Revoke deactivates the session for token. Unknown tokens and already
// inactive sessions are not an error. The returned session is nil when the
// token is unknown; revoked reports whether this call changed its state.
func (m *Manager) Revoke(ctx context.Context, r repository.Repositories, token string) (s *repository.Session, revoked bool, err error) {
	if token == "" {
		return nil, false, nil
	}

	s, err = r.Sessions().GetByTokenHashForUpdate(ctx, securerand.Hash(token))
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !s.IsActive {
		return s, false, nil
	}

	if err := r.Sessions().Deactivate(ctx, s.ID); err != nil {
		return nil, false, err
	}
	s.IsActive = false
	metrics.SessionsInvalidated.WithLabelValues("logout").Inc()
	return s, true, nil
}

// RevokeAll deactivates every active session of userID
func (m *Manager) RevokeAll(ctx context.Context, r repository.Repositories, userID uuid.UUID) (int64, error) {
	n, err := r.Sessions().DeactivateAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	metrics.SessionsInvalidated.WithLabelValues("revoked").Add(float64(n))
	return n, nil
}

// CountActive counts sessions flagged active for userID. Expiry is not
// evaluated.
func (m *Manager) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	return m.store.Sessions().CountActive(ctx, userID)
}
