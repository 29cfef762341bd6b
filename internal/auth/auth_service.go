package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/audit"
	appctx "github.com/welldanyogia/jobportal-auth/internal/context"
	"github.com/welldanyogia/jobportal-auth/internal/metrics"
	"github.com/welldanyogia/jobportal-auth/internal/mfa"
	"github.com/welldanyogia/jobportal-auth/internal/password"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
	"github.com/welldanyogia/jobportal-auth/internal/securerand"
	"github.com/welldanyogia/jobportal-auth/internal/session"
)

// Lockout defaults
const (
	DefaultLockoutThreshold = 3
	DefaultLockoutDuration  = 15 * time.Minute
)

// State is the outcome of a login step. Locked and failed attempts are
// reported as errors, not states.
type State string

const (
	StateMFARequired      State = "mfa_required"
	StateMFASetupRequired State = "mfa_setup_required"
	StateAuthenticated    State = "authenticated"
)

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult reports where a login step left the caller. PendingToken is
// set for MFARequired and MFASetupRequired; SessionToken only once
// Authenticated.
type LoginResult struct {
	State            State
	PendingToken     string
	PendingExpiresAt time.Time
	SessionToken     string
	Session          *repository.Session
}

// Enrollment is what the client needs to add the account to an authenticator
type Enrollment struct {
	SharedKey        string
	AuthenticatorURI string
}

// Config holds the lockout rules
type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
}

// AuthService orchestrates login, MFA and logout
type AuthService struct {
	store     repository.Store
	hasher    password.Hasher
	policy    *password.Policy
	mfa       *mfa.Manager
	sessions  *session.Manager
	pending   *PendingTokenService
	audit     *audit.Recorder
	cfg       Config
	dummyHash string
	logger    *slog.Logger
}

// NewAuthService creates a new AuthService instance. It hashes a throwaway
// password once so that logins for unknown emails cost the same as real ones.
func NewAuthService(
	store repository.Store,
	policy *password.Policy,
	mfaManager *mfa.Manager,
	sessions *session.Manager,
	pending *PendingTokenService,
	recorder *audit.Recorder,
	cfg Config,
	logger *slog.Logger,
) (*AuthService, error) {
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = DefaultLockoutThreshold
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if logger == nil {
		logger = slog.Default()
	}

	filler, err := securerand.Token()
	if err != nil {
		return nil, err
	}
	dummyHash, err := policy.Hasher().Hash(filler)
	if err != nil {
		return nil, fmt.Errorf("hash dummy password: %w", err)
	}

	return &AuthService{
		store:     store,
		hasher:    policy.Hasher(),
		policy:    policy,
		mfa:       mfaManager,
		sessions:  sessions,
		pending:   pending,
		audit:     recorder,
		cfg:       cfg,
		dummyHash: dummyHash,
		logger:    logger,
	}, nil
}

// Login checks credentials. It never creates a session: a correct password
// leads to MFARequired or, for users without MFA, MFASetupRequired.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, client appctx.ClientInfo, now time.Time) (*LoginResult, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		fields := map[string][]string{}
		if email == "" {
			fields["email"] = []string{"Email is required"}
		}
		if req.Password == "" {
			fields["password"] = []string{"Password is required"}
		}
		return nil, NewValidationError(fields)
	}

	var (
		result  *LoginResult
		outcome error
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		// The row lock serializes concurrent attempts on one account until commit.
		user, err := r.Users().GetByEmailForUpdate(ctx, email)
		if errors.Is(err, repository.ErrUserNotFound) {
			s.hasher.Verify(req.Password, s.dummyHash)
			outcome = ErrInvalidCredentials
			return s.audit.Record(ctx, r, uuid.Nil, audit.LoginFailure, now)
		}
		if err != nil {
			return err
		}

		matched := s.hasher.Verify(req.Password, user.PasswordHash)

		if user.IsLockedOut(now) {
			outcome = ErrLockedOut
			return s.audit.Record(ctx, r, user.ID, audit.Lockout, now)
		}

		if !matched {
			res, err := r.Users().RecordFailedAttempt(ctx, user.ID, s.cfg.LockoutThreshold, now.Add(s.cfg.LockoutDuration), now)
			if err != nil {
				return err
			}
			if res.Locked || res.AlreadyLocked {
				outcome = ErrLockedOut
				return s.audit.Record(ctx, r, user.ID, audit.Lockout, now)
			}
			outcome = ErrInvalidCredentials
			return s.audit.Record(ctx, r, user.ID, audit.LoginFailure, now)
		}

		if user.AccessFailedCount > 0 || user.LockoutEnd != nil {
			if err := r.Users().ResetFailedAttempts(ctx, user.ID); err != nil {
				return err
			}
		}

		if !user.EmailConfirmed {
			outcome = ErrEmailNotConfirmed
			return s.audit.Record(ctx, r, user.ID, audit.LoginEmailUnconfirmed, now)
		}

		state, purpose, action := StateMFASetupRequired, repository.PurposeMFASetup, audit.LoginAttemptWithout2FA
		if user.MFAEnabled {
			state, purpose, action = StateMFARequired, repository.PurposeMFAChallenge, audit.MFAChallengeIssued
		}

		token, expiresAt, err := s.pending.Issue(ctx, r, user, purpose, now)
		if err != nil {
			return err
		}
		result = &LoginResult{State: state, PendingToken: token, PendingExpiresAt: expiresAt}
		return s.audit.Record(ctx, r, user.ID, action, now)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "login failed", slog.String("error", err.Error()), slog.String("ip", client.IP))
		return nil, Transient(err)
	}

	switch {
	case errors.Is(outcome, ErrLockedOut):
		metrics.LoginOutcomes.WithLabelValues("locked").Inc()
	case errors.Is(outcome, ErrInvalidCredentials):
		metrics.LoginOutcomes.WithLabelValues("invalid").Inc()
	case errors.Is(outcome, ErrEmailNotConfirmed):
		metrics.LoginOutcomes.WithLabelValues("unconfirmed").Inc()
	case outcome == nil:
		metrics.LoginOutcomes.WithLabelValues(string(result.State)).Inc()
	}

	if outcome != nil {
		return nil, outcome
	}
	return result, nil
}

// resolvePending parses a pending token or records the failure against the
// unknown identity.
func (s *AuthService) resolvePending(ctx context.Context, tokenString string, purpose repository.TokenPurpose, failure audit.Action, now time.Time) (*PendingClaims, uuid.UUID, error) {
	claims, err := s.pending.Parse(tokenString, purpose, now)
	if err != nil {
		s.logger.DebugContext(ctx, "pending token rejected", slog.String("reason", err.Error()))
		if auditErr := s.audit.Record(ctx, s.store, uuid.Nil, failure, now); auditErr != nil {
			return nil, uuid.Nil, Transient(auditErr)
		}
		return nil, uuid.Nil, ErrPendingTokenInvalid
	}
	userID, _ := claims.UserID()
	return claims, userID, nil
}

// VerifyMFA completes an MFARequired login. A wrong code leaves the pending
// token usable and does not touch the lockout counter.
func (s *AuthService) VerifyMFA(ctx context.Context, pendingToken, code string, client appctx.ClientInfo, now time.Time) (*LoginResult, error) {
	claims, userID, err := s.resolvePending(ctx, pendingToken, repository.PurposeMFAChallenge, audit.Login2FAFailure, now)
	if err != nil {
		return nil, err
	}

	var (
		result  *LoginResult
		outcome error
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		user, err := r.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}

		if user.MFASecret == nil || !mfa.VerifyCode(*user.MFASecret, code, now) {
			outcome = ErrInvalidMFACode
			return s.audit.Record(ctx, r, user.ID, audit.Login2FAFailure, now)
		}

		if err := s.pending.Consume(ctx, r, claims, now); err != nil {
			if !errors.Is(err, repository.ErrTokenNotFound) {
				return err
			}
			outcome = ErrPendingTokenInvalid
			return s.audit.Record(ctx, r, user.ID, audit.Login2FAFailure, now)
		}

		token, sess, err := s.sessions.Create(ctx, r, user.ID, client.IP, client.UserAgent, now)
		if err != nil {
			return err
		}
		result = &LoginResult{State: StateAuthenticated, SessionToken: token, Session: sess}
		return s.audit.Record(ctx, r, user.ID, audit.Login2FASuccess, now)
	})
	if err != nil {
		return nil, Transient(err)
	}
	if outcome != nil {
		return nil, outcome
	}

	metrics.LoginOutcomes.WithLabelValues(string(StateAuthenticated)).Inc()
	return result, nil
}

// BeginEnrollment returns the shared key for a user in MFASetupRequired,
// generating it on first use.
func (s *AuthService) BeginEnrollment(ctx context.Context, setupToken string, now time.Time) (*Enrollment, error) {
	_, userID, err := s.resolvePending(ctx, setupToken, repository.PurposeMFASetup, audit.MFAEnrollmentFailure, now)
	if err != nil {
		return nil, err
	}

	var (
		enrollment *Enrollment
		outcome    error
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		user, err := r.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if user.MFAEnabled {
			outcome = ErrAlreadyEnrolled
			return s.audit.Record(ctx, r, user.ID, audit.MFAEnrollmentFailure, now)
		}

		secret, created, err := s.mfa.EnsureKey(ctx, r, user.ID, now)
		if err != nil {
			return err
		}

		uri, err := mfa.BuildEnrollmentURI(s.mfa.Issuer(), user.Email, secret)
		if err != nil {
			return err
		}
		enrollment = &Enrollment{SharedKey: FormatSharedKey(secret), AuthenticatorURI: uri}

		if created {
			return s.audit.Record(ctx, r, user.ID, audit.MFAKeyGenerated, now)
		}
		return nil
	})
	if err != nil {
		return nil, Transient(err)
	}
	if outcome != nil {
		return nil, outcome
	}
	return enrollment, nil
}

// CompleteEnrollment verifies the first code from the authenticator, turns
// MFA on and issues the user's first session.
func (s *AuthService) CompleteEnrollment(ctx context.Context, setupToken, code string, client appctx.ClientInfo, now time.Time) (*LoginResult, error) {
	claims, userID, err := s.resolvePending(ctx, setupToken, repository.PurposeMFASetup, audit.MFAEnrollmentFailure, now)
	if err != nil {
		return nil, err
	}

	var (
		result  *LoginResult
		outcome error
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		user, err := r.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if user.MFAEnabled {
			outcome = ErrAlreadyEnrolled
			return s.audit.Record(ctx, r, user.ID, audit.MFAEnrollmentFailure, now)
		}

		proof, err := s.mfa.Verify(user, code, now)
		if err != nil {
			outcome = ErrInvalidMFACode
			return s.audit.Record(ctx, r, user.ID, audit.MFAEnrollmentFailure, now)
		}

		if err := s.pending.Consume(ctx, r, claims, now); err != nil {
			if !errors.Is(err, repository.ErrTokenNotFound) {
				return err
			}
			outcome = ErrPendingTokenInvalid
			return s.audit.Record(ctx, r, user.ID, audit.MFAEnrollmentFailure, now)
		}

		if err := s.mfa.Enable(ctx, r, user.ID, proof, now); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, r, user.ID, audit.TwoFactorEnabled, now); err != nil {
			return err
		}

		token, sess, err := s.sessions.Create(ctx, r, user.ID, client.IP, client.UserAgent, now)
		if err != nil {
			return err
		}
		result = &LoginResult{State: StateAuthenticated, SessionToken: token, Session: sess}
		return s.audit.Record(ctx, r, user.ID, audit.LoginSuccess, now)
	})
	if err != nil {
		return nil, Transient(err)
	}
	if outcome != nil {
		return nil, outcome
	}

	metrics.LoginOutcomes.WithLabelValues(string(StateAuthenticated)).Inc()
	return result, nil
}

// Logout revokes the session behind token. Repeated or unknown logouts
// succeed without recording anything.
func (s *AuthService) Logout(ctx context.Context, token string, now time.Time) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		sess, revoked, err := s.sessions.Revoke(ctx, r, token)
		if err != nil {
			return err
		}
		if !revoked {
			return nil
		}
		return s.audit.Record(ctx, r, sess.UserID, audit.Logout, now)
	})
	if err != nil {
		return Transient(err)
	}
	return nil
}

// Authenticate validates a session token, sliding its expiry, and builds the
// principal for the request.
func (s *AuthService) Authenticate(ctx context.Context, token string, now time.Time) (*appctx.Principal, error) {
	sess, err := s.sessions.Validate(ctx, token, now)
	if errors.Is(err, session.ErrSessionExpired) {
		if auditErr := s.audit.Record(ctx, s.store, sess.UserID, audit.SessionExpired, now); auditErr != nil {
			return nil, Transient(auditErr)
		}
		return nil, ErrSessionInvalid
	}
	if errors.Is(err, session.ErrSessionInvalid) {
		userID := uuid.Nil
		if sess != nil {
			userID = sess.UserID
		}
		if auditErr := s.audit.Record(ctx, s.store, userID, audit.SessionRejected, now); auditErr != nil {
			return nil, Transient(auditErr)
		}
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, Transient(err)
	}

	user, err := s.store.Users().GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, Transient(err)
	}

	expired, err := s.policy.CheckMaxAge(ctx, s.store, user.ID, now)
	if err != nil {
		return nil, Transient(err)
	}

	return &appctx.Principal{
		UserID:           user.ID,
		Email:            user.Email,
		EmailConfirmed:   user.EmailConfirmed,
		SessionToken:     token,
		SessionExpiresAt: sess.ExpiresAt,
		PasswordExpired:  expired,
	}, nil
}

// FormatSharedKey splits a base32 secret into lower-case groups of four for
// manual entry.
func FormatSharedKey(secret string) string {
	var b strings.Builder
	for i, r := range strings.ToLower(secret) {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
