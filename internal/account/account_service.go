// Package account implements registration and the self-service flows of a
// signed-in user: email confirmation, password change and reset, profile and
// security activity.
package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/audit"
	"github.com/welldanyogia/jobportal-auth/internal/auth"
	appctx "github.com/welldanyogia/jobportal-auth/internal/context"
	"github.com/welldanyogia/jobportal-auth/internal/mailer"
	"github.com/welldanyogia/jobportal-auth/internal/metrics"
	"github.com/welldanyogia/jobportal-auth/internal/password"
	"github.com/welldanyogia/jobportal-auth/internal/protect"
	"github.com/welldanyogia/jobportal-auth/internal/recaptcha"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
	"github.com/welldanyogia/jobportal-auth/internal/sanitizer"
	"github.com/welldanyogia/jobportal-auth/internal/securerand"
	"github.com/welldanyogia/jobportal-auth/internal/session"
	"github.com/welldanyogia/jobportal-auth/internal/storage"
)

// Token lifetimes
const (
	DefaultConfirmationTTL = 24 * time.Hour
	DefaultResetTTL        = time.Hour
)

// Activity listing bounds
const (
	DefaultActivityLimit = 20
	MaxActivityLimit     = 100
)

const dateLayout = "2006-01-02"

// CodeRecaptchaFailed is returned when bot verification rejects a registration
const CodeRecaptchaFailed = "RECAPTCHA_FAILED"

var (
	ErrCaptchaFailed = &auth.Error{
		Kind:    auth.KindValidation,
		Code:    CodeRecaptchaFailed,
		Message: "reCAPTCHA verification failed. Please try again.",
	}
	ErrPasswordReused = auth.NewPolicyError("You cannot reuse a recent password.")

	// errResetReused rolls back a reset so the token stays usable.
	errResetReused = errors.New("reset password reuses a recent password")
)

// RegisterRequest represents the registration payload
type RegisterRequest struct {
	Email           string `json:"email" validate:"required,email,max=256"`
	Password        string `json:"password" validate:"required,min=12,pwbytes"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
	FirstName       string `json:"first_name" validate:"required,max=100,personname"`
	LastName        string `json:"last_name" validate:"required,max=100,personname"`
	Gender          string `json:"gender" validate:"required,max=20"`
	NRIC            string `json:"nric" validate:"required,min=3,max=20,nric"`
	DateOfBirth     string `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
	WhoAmI          string `json:"who_am_i" validate:"max=2000"`
	RecaptchaToken  string `json:"recaptcha_token"`
}

// ResumeUpload is an optional file sent with the registration
type ResumeUpload struct {
	Filename string
	Size     int64
	Body     io.Reader
}

// RegisterResult identifies the new account
type RegisterResult struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

// ChangePasswordRequest represents a password change by a signed-in user
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// ResetPasswordRequest completes a password reset started by email
type ResetPasswordRequest struct {
	Token           string `json:"token"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// ResendResult reports what a resend request did
type ResendResult struct {
	AlreadyConfirmed bool `json:"already_confirmed"`
	Sent             bool `json:"sent"`
}

// Profile is the signed-in user's view of their account
type Profile struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Gender         string    `json:"gender"`
	DateOfBirth    string    `json:"date_of_birth"`
	NRIC           string    `json:"nric"`
	WhoAmI         *string   `json:"who_am_i"`
	EmailConfirmed bool      `json:"email_confirmed"`
	MFAEnabled     bool      `json:"mfa_enabled"`
	ActiveSessions int       `json:"active_sessions"`
	ResumeURL      *string   `json:"resume_url"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResumeLinker hands out time-limited download links for stored resumes
type ResumeLinker interface {
	PresignedURL(ctx context.Context, key string) (string, error)
}

// Config holds account flow settings
type Config struct {
	// PublicURL is the externally visible base URL used in emailed links
	PublicURL       string
	ConfirmationTTL time.Duration
	ResetTTL        time.Duration
}

// Dependencies groups what the Service needs. Resumes may be nil, in which
// case uploads are rejected.
type Dependencies struct {
	Store     repository.Store
	AuditLog  repository.AuditReader
	Policy    *password.Policy
	Sessions  *session.Manager
	Audit     *audit.Recorder
	Protector protect.Protector
	Sanitizer *sanitizer.StrictSanitizer
	Resumes   storage.ResumeStore
	Mailer    mailer.Sender
	Templates *mailer.Renderer
	Captcha   recaptcha.Verifier
	Logger    *slog.Logger
}

// Service implements the account flows
type Service struct {
	Dependencies
	cfg Config
}

// NewService creates a new Service instance
func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = DefaultConfirmationTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Captcha == nil {
		deps.Captcha = recaptcha.Disabled{}
	}
	return &Service{Dependencies: deps, cfg: cfg}
}

// Register creates an unconfirmed account and mails a confirmation link.
// A mail failure is audited but does not fail the registration.
func (s *Service) Register(ctx context.Context, req RegisterRequest, resume *ResumeUpload, client appctx.ClientInfo, now time.Time) (*RegisterResult, error) {
	ok, err := s.Captcha.Verify(ctx, req.RecaptchaToken, client.IP)
	if err != nil {
		s.Logger.WarnContext(ctx, "recaptcha verification error", slog.String("error", err.Error()))
	}
	if !ok {
		return nil, ErrCaptchaFailed
	}

	req.Email = strings.TrimSpace(req.Email)
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.NRIC = strings.TrimSpace(req.NRIC)

	if err := validate.Struct(req); err != nil {
		return nil, auth.NewValidationError(validationFields(err))
	}
	dob, _ := time.Parse(dateLayout, req.DateOfBirth)
	if !dob.Before(now) {
		return nil, auth.NewValidationError(map[string][]string{
			"date_of_birth": {"date_of_birth must be in the past"},
		})
	}
	if fields := strengthFields("password", req.Password); fields != nil {
		return nil, auth.NewValidationError(fields)
	}

	if _, err := s.Store.Users().GetByEmail(ctx, req.Email); err == nil {
		return nil, auth.ErrEmailExists
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, auth.Transient(err)
	}

	var ext string
	if resume != nil {
		if s.Resumes == nil {
			return nil, auth.NewValidationError(map[string][]string{"resume": {"Resume uploads are not available"}})
		}
		if ext, err = storage.ValidateResume(resume.Filename, resume.Size); err != nil {
			return nil, auth.NewValidationError(map[string][]string{"resume": {err.Error()}})
		}
	}

	hash, err := s.Policy.Hasher().Hash(req.Password)
	if err != nil {
		return nil, auth.Transient(fmt.Errorf("hash password: %w", err))
	}
	nric, err := s.Protector.Protect(req.NRIC)
	if err != nil {
		return nil, auth.Transient(fmt.Errorf("protect nric: %w", err))
	}

	user := &repository.User{
		Email:         req.Email,
		PasswordHash:  hash,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Gender:        req.Gender,
		DateOfBirth:   dob,
		NRICEncrypted: nric,
		WhoAmI:        s.Sanitizer.Optional(req.WhoAmI, sanitizer.MaxWhoAmILength),
	}

	if resume != nil {
		key := storage.NewResumeKey(ext)
		if err := s.Resumes.Put(ctx, key, resume.Body, resume.Size, storage.ContentType(ext)); err != nil {
			return nil, auth.Transient(fmt.Errorf("store resume: %w", err))
		}
		user.ResumeKey = &key
	}

	var token string
	err = s.Store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		if err := r.Users().Create(ctx, user); err != nil {
			return err
		}
		if err := s.Policy.RecordChange(ctx, r, user.ID, user.PasswordHash, now); err != nil {
			return err
		}
		if token, err = s.issueToken(ctx, r, user.ID, repository.PurposeEmailConfirmation, s.cfg.ConfirmationTTL, now); err != nil {
			return err
		}
		return s.Audit.Record(ctx, r, user.ID, audit.Register, now)
	})
	if err != nil {
		s.discardResume(ctx, user.ResumeKey)
		if errors.Is(err, repository.ErrEmailAlreadyExists) {
			return nil, auth.ErrEmailExists
		}
		return nil, auth.Transient(err)
	}

	s.Logger.InfoContext(ctx, "user registered", slog.String("user_id", user.ID.String()))

	if err := s.mailConfirmation(ctx, user, token); err != nil {
		s.recordMailFailure(ctx, user.ID, mailer.TemplateConfirmEmail, audit.EmailSendFailure, now)
	}

	return &RegisterResult{UserID: user.ID, Email: user.Email}, nil
}

// ConfirmEmail consumes a confirmation token. Unknown, expired and already
// used tokens are rejected alike.
func (s *Service) ConfirmEmail(ctx context.Context, token string, now time.Time) error {
	var outcome error
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		t, err := r.Tokens().Consume(ctx, securerand.Hash(token), repository.PurposeEmailConfirmation, now)
		if errors.Is(err, repository.ErrTokenNotFound) {
			outcome = auth.ErrTokenInvalid
			return s.Audit.Record(ctx, r, uuid.Nil, audit.EmailConfirmationFailed, now)
		}
		if err != nil {
			return err
		}

		if err := r.Users().ConfirmEmail(ctx, t.UserID, now); err != nil {
			return err
		}
		return s.Audit.Record(ctx, r, t.UserID, audit.EmailConfirmed, now)
	})
	if err != nil {
		return auth.Transient(err)
	}
	return outcome
}

// ResendConfirmation mails a fresh confirmation link to a signed-in user
// whose email is not yet confirmed.
func (s *Service) ResendConfirmation(ctx context.Context, p *appctx.Principal, now time.Time) (*ResendResult, error) {
	user, err := s.Store.Users().GetByID(ctx, p.UserID)
	if err != nil {
		return nil, auth.Transient(err)
	}
	if user.EmailConfirmed {
		return &ResendResult{AlreadyConfirmed: true}, nil
	}

	var token string
	err = s.Store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		token, err = s.issueToken(ctx, r, user.ID, repository.PurposeEmailConfirmation, s.cfg.ConfirmationTTL, now)
		return err
	})
	if err != nil {
		return nil, auth.Transient(err)
	}

	if err := s.mailConfirmation(ctx, user, token); err != nil {
		s.recordMailFailure(ctx, user.ID, mailer.TemplateConfirmEmail, audit.ResendConfirmationEmailFailed, now)
		return &ResendResult{}, nil
	}
	if err := s.Audit.Record(ctx, s.Store, user.ID, audit.ResendConfirmationEmail, now); err != nil {
		return nil, auth.Transient(err)
	}
	return &ResendResult{Sent: true}, nil
}

// ChangePassword replaces the signed-in user's password. Rule denials and a
// wrong current password are audited as PasswordChangeDenied.
func (s *Service) ChangePassword(ctx context.Context, p *appctx.Principal, req ChangePasswordRequest, now time.Time) error {
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return auth.NewValidationError(requiredFields(map[string]string{
			"current_password": req.CurrentPassword,
			"new_password":     req.NewPassword,
		}))
	}
	if req.NewPassword != req.ConfirmPassword {
		return auth.NewValidationError(map[string][]string{
			"confirm_password": {"New password and confirmation do not match"},
		})
	}

	var outcome error
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		deny := func(e error) error {
			outcome = e
			return s.Audit.Record(ctx, r, p.UserID, audit.PasswordChangeDenied, now)
		}

		// Locked so that concurrent changes see each other's history rows.
		user, err := r.Users().GetByIDForUpdate(ctx, p.UserID)
		if err != nil {
			return err
		}

		decision, err := s.Policy.CheckChangeFrequency(ctx, r, user.ID, now)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return deny(auth.NewPolicyError(fmt.Sprintf(
				"Your password was changed recently. Try again in %d minute(s).", decision.MinutesRemaining)))
		}

		decision, err = s.Policy.CheckReuse(ctx, r, user.ID, req.NewPassword)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return deny(ErrPasswordReused)
		}

		if !s.Policy.Hasher().Verify(req.CurrentPassword, user.PasswordHash) {
			return deny(auth.NewValidationError(map[string][]string{
				"current_password": {"Current password is incorrect"},
			}))
		}

		if fields := strengthFields("new_password", req.NewPassword); fields != nil {
			outcome = auth.NewValidationError(fields)
			return nil
		}

		hash, err := s.Policy.Hasher().Hash(req.NewPassword)
		if err != nil {
			return err
		}
		if err := r.Users().UpdatePasswordHash(ctx, user.ID, hash, now); err != nil {
			return err
		}
		if err := s.Policy.RecordChange(ctx, r, user.ID, hash, now); err != nil {
			return err
		}
		return s.Audit.Record(ctx, r, user.ID, audit.PasswordChanged, now)
	})
	if err != nil {
		return auth.Transient(err)
	}
	return outcome
}

// RequestPasswordReset mails a reset link when email belongs to an account.
// The caller cannot tell whether it did.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, now time.Time) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return auth.NewValidationError(map[string][]string{"email": {"Email is required"}})
	}

	user, err := s.Store.Users().GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		s.Logger.DebugContext(ctx, "password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return auth.Transient(err)
	}

	var token string
	err = s.Store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		if token, err = s.issueToken(ctx, r, user.ID, repository.PurposePasswordReset, s.cfg.ResetTTL, now); err != nil {
			return err
		}
		return s.Audit.Record(ctx, r, user.ID, audit.PasswordResetRequested, now)
	})
	if err != nil {
		return auth.Transient(err)
	}

	msg, err := s.Templates.PasswordReset(user.Email, s.link("/account/reset-password", token))
	if err == nil {
		err = s.Mailer.Send(ctx, msg)
	}
	if err != nil {
		s.recordMailFailure(ctx, user.ID, mailer.TemplatePasswordReset, audit.EmailSendFailure, now)
	}
	return nil
}

// ResetPassword sets a new password using an emailed reset token. Every
// session of the user is revoked and the lockout counter is cleared. A
// rejected password leaves the token usable.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest, now time.Time) error {
	if req.NewPassword != req.ConfirmPassword {
		return auth.NewValidationError(map[string][]string{
			"confirm_password": {"Passwords do not match"},
		})
	}
	if fields := strengthFields("new_password", req.NewPassword); fields != nil {
		return auth.NewValidationError(fields)
	}

	var (
		outcome error
		userID  uuid.UUID
	)
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		t, err := r.Tokens().Consume(ctx, securerand.Hash(req.Token), repository.PurposePasswordReset, now)
		if errors.Is(err, repository.ErrTokenNotFound) {
			outcome = auth.ErrTokenInvalid
			return s.Audit.Record(ctx, r, uuid.Nil, audit.PasswordResetFailed, now)
		}
		if err != nil {
			return err
		}
		userID = t.UserID

		if _, err := r.Users().GetByIDForUpdate(ctx, t.UserID); err != nil {
			return err
		}

		decision, err := s.Policy.CheckReuse(ctx, r, t.UserID, req.NewPassword)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return errResetReused
		}

		hash, err := s.Policy.Hasher().Hash(req.NewPassword)
		if err != nil {
			return err
		}
		if err := r.Users().UpdatePasswordHash(ctx, t.UserID, hash, now); err != nil {
			return err
		}
		if err := r.Users().ResetFailedAttempts(ctx, t.UserID); err != nil {
			return err
		}
		if err := s.Policy.RecordChange(ctx, r, t.UserID, hash, now); err != nil {
			return err
		}
		if _, err := s.Sessions.RevokeAll(ctx, r, t.UserID); err != nil {
			return err
		}
		return s.Audit.Record(ctx, r, t.UserID, audit.PasswordReset, now)
	})
	if errors.Is(err, errResetReused) {
		if err := s.Audit.Record(ctx, s.Store, userID, audit.PasswordResetFailed, now); err != nil {
			return auth.Transient(err)
		}
		return ErrPasswordReused
	}
	if err != nil {
		return auth.Transient(err)
	}
	return outcome
}

// Profile returns the signed-in user's account details with the NRIC
// decrypted.
func (s *Service) Profile(ctx context.Context, p *appctx.Principal) (*Profile, error) {
	user, err := s.Store.Users().GetByID(ctx, p.UserID)
	if err != nil {
		return nil, auth.Transient(err)
	}

	nric, err := s.Protector.Unprotect(user.NRICEncrypted)
	if err != nil {
		return nil, auth.Transient(fmt.Errorf("unprotect nric: %w", err))
	}

	active, err := s.Sessions.CountActive(ctx, user.ID)
	if err != nil {
		return nil, auth.Transient(err)
	}

	profile := &Profile{
		ID:             user.ID,
		Email:          user.Email,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		Gender:         user.Gender,
		DateOfBirth:    user.DateOfBirth.Format(dateLayout),
		NRIC:           nric,
		WhoAmI:         user.WhoAmI,
		EmailConfirmed: user.EmailConfirmed,
		MFAEnabled:     user.MFAEnabled,
		ActiveSessions: active,
		CreatedAt:      user.CreatedAt,
	}

	if linker, ok := s.Resumes.(ResumeLinker); ok && user.ResumeKey != nil {
		link, err := linker.PresignedURL(ctx, *user.ResumeKey)
		if err != nil {
			s.Logger.WarnContext(ctx, "failed to presign resume", slog.String("error", err.Error()))
		} else {
			profile.ResumeURL = &link
		}
	}
	return profile, nil
}

// Activity lists the signed-in user's most recent audit events, newest first
func (s *Service) Activity(ctx context.Context, p *appctx.Principal, limit int) ([]repository.AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	if limit > MaxActivityLimit {
		limit = MaxActivityLimit
	}

	events, err := s.AuditLog.ListByUser(ctx, p.UserID.String(), limit)
	if err != nil {
		return nil, auth.Transient(err)
	}
	if events == nil {
		events = []repository.AuditEvent{}
	}
	return events, nil
}

// issueToken stores the hash of a fresh one-time token and returns the raw value
func (s *Service) issueToken(ctx context.Context, r repository.Repositories, userID uuid.UUID, purpose repository.TokenPurpose, ttl time.Duration, now time.Time) (string, error) {
	raw, err := securerand.Token()
	if err != nil {
		return "", err
	}
	err = r.Tokens().Create(ctx, &repository.OneTimeToken{
		TokenHash: securerand.Hash(raw),
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}

func (s *Service) link(path, token string) string {
	return s.cfg.PublicURL + path + "?token=" + url.QueryEscape(token)
}

func (s *Service) mailConfirmation(ctx context.Context, user *repository.User, token string) error {
	msg, err := s.Templates.ConfirmEmail(user.Email, s.link("/api/v1/account/confirm", token))
	if err != nil {
		return err
	}
	return s.Mailer.Send(ctx, msg)
}

func (s *Service) recordMailFailure(ctx context.Context, userID uuid.UUID, template string, action audit.Action, now time.Time) {
	metrics.MailFailures.WithLabelValues(template).Inc()
	if err := s.Audit.Record(ctx, s.Store, userID, action, now); err != nil {
		s.Logger.ErrorContext(ctx, "failed to record mail failure", slog.String("error", err.Error()))
	}
}

func (s *Service) discardResume(ctx context.Context, key *string) {
	if key == nil {
		return
	}
	if err := s.Resumes.Delete(ctx, *key); err != nil {
		s.Logger.WarnContext(ctx, "failed to remove resume after failed registration",
			slog.String("key", *key),
			slog.String("error", err.Error()))
	}
}

func strengthFields(field, pw string) map[string][]string {
	violations := password.Violations(pw)
	if len(violations) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Message)
	}
	return map[string][]string{field: msgs}
}

func requiredFields(values map[string]string) map[string][]string {
	fields := make(map[string][]string)
	for name, v := range values {
		if v == "" {
			fields[name] = []string{name + " is required"}
		}
	}
	return fields
}
