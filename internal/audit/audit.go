// Package audit records security-relevant events. Events are appended through
// the repositories of the caller's transaction so an event commits or rolls
// back together with the state change it describes.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/metrics"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
)

// Action enumerates the audited events
type Action string

const (
	Register                      Action = "Register"
	EmailConfirmed                Action = "EmailConfirmed"
	EmailConfirmationFailed       Action = "EmailConfirmationFailed"
	EmailSendFailure              Action = "EmailSendFailure"
	ResendConfirmationEmail       Action = "ResendConfirmationEmail"
	ResendConfirmationEmailFailed Action = "ResendConfirmationEmailFailed"

	LoginFailure           Action = "LoginFailure"
	Lockout                Action = "Lockout"
	LoginEmailUnconfirmed  Action = "LoginEmailUnconfirmed"
	LoginAttemptWithout2FA Action = "LoginAttemptWithout2FA"
	MFAChallengeIssued     Action = "MFAChallengeIssued"
	Login2FASuccess        Action = "Login2FASuccess"
	Login2FAFailure        Action = "Login2FAFailure"
	LoginSuccess           Action = "LoginSuccess"
	Logout                 Action = "Logout"
	SessionExpired         Action = "SessionExpired"
	SessionRejected        Action = "SessionRejected"

	MFAKeyGenerated      Action = "MFAKeyGenerated"
	MFAEnrollmentFailure Action = "MFAEnrollmentFailure"
	TwoFactorEnabled     Action = "2FAEnabled"

	PasswordChanged        Action = "PasswordChanged"
	PasswordChangeDenied   Action = "PasswordChangeDenied"
	PasswordResetRequested Action = "PasswordResetRequested"
	PasswordReset          Action = "PasswordReset"
	PasswordResetFailed    Action = "PasswordResetFailed"
)

// Recorder appends audit events
type Recorder struct {
	logger *slog.Logger
}

// NewRecorder creates a new Recorder
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// Record appends an event for userID. uuid.Nil is recorded as the unknown
// sentinel.
func (rec *Recorder) Record(ctx context.Context, r repository.Repositories, userID uuid.UUID, action Action, now time.Time) error {
	id := repository.UnknownUserID
	if userID != uuid.Nil {
		id = userID.String()
	}
	return rec.RecordRaw(ctx, r, id, action, now)
}

// RecordRaw appends an event with an already formatted user reference
func (rec *Recorder) RecordRaw(ctx context.Context, r repository.Repositories, userID string, action Action, now time.Time) error {
	event := &repository.AuditEvent{
		UserID:     userID,
		Action:     string(action),
		OccurredAt: now.UTC(),
	}
	if err := r.Audit().Append(ctx, event); err != nil {
		rec.logger.ErrorContext(ctx, "failed to append audit event",
			slog.String("action", string(action)),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return err
	}

	metrics.AuditEventsRecorded.WithLabelValues(string(action)).Inc()
	rec.logger.InfoContext(ctx, "audit",
		slog.String("action", string(action)),
		slog.String("user_id", userID),
		slog.Int64("event_id", event.ID),
	)
	return nil
}
