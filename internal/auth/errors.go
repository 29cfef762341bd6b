package auth

import (
	"errors"
	"fmt"
)

// Kind classifies service errors. Handlers pick the HTTP status from the
// kind and the body from the error's code and message.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindLockedOut      Kind = "locked_out"
	KindMFA            Kind = "mfa"
	KindTokenInvalid   Kind = "token_invalid"
	KindConflict       Kind = "conflict"
	KindTransient      Kind = "transient"
	KindUnconfirmed    Kind = "unconfirmed"
	KindPolicyDenied   Kind = "policy_denied"
	KindUnauthorized   Kind = "unauthorized"
)

// Error codes for API responses
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeInvalidMFACode      = "INVALID_MFA_CODE"
	CodeTokenInvalid        = "TOKEN_INVALID"
	CodePendingTokenInvalid = "PENDING_TOKEN_INVALID"
	CodeEmailExists         = "EMAIL_EXISTS"
	CodeEmailNotConfirmed   = "EMAIL_NOT_CONFIRMED"
	CodePasswordPolicy      = "PASSWORD_POLICY"
	CodePasswordExpired     = "PASSWORD_EXPIRED"
	CodeSessionInvalid      = "AUTH_SESSION_INVALID"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
)

// invalidLoginMessage is shared by every credential failure so unknown
// emails, wrong passwords and lockouts look the same to the caller.
const invalidLoginMessage = "Invalid login attempt."

// Error is a classified service error
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fields holds per-field messages for validation errors.
	Fields map[string][]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Service errors
var (
	ErrInvalidCredentials  = &Error{Kind: KindAuthentication, Code: CodeInvalidCredentials, Message: invalidLoginMessage}
	ErrLockedOut           = &Error{Kind: KindLockedOut, Code: CodeInvalidCredentials, Message: invalidLoginMessage}
	ErrInvalidMFACode      = &Error{Kind: KindMFA, Code: CodeInvalidMFACode, Message: "Invalid authenticator code."}
	ErrPendingTokenInvalid = &Error{Kind: KindUnauthorized, Code: CodePendingTokenInvalid, Message: "Your sign-in attempt has expired. Please sign in again."}
	ErrTokenInvalid        = &Error{Kind: KindTokenInvalid, Code: CodeTokenInvalid, Message: "The link is invalid or has expired."}
	ErrEmailExists         = &Error{Kind: KindConflict, Code: CodeEmailExists, Message: "An account with this email already exists."}
	ErrEmailNotConfirmed   = &Error{Kind: KindUnconfirmed, Code: CodeEmailNotConfirmed, Message: "Please confirm your email address before signing in."}
	ErrSessionInvalid      = &Error{Kind: KindUnauthorized, Code: CodeSessionInvalid, Message: "Your session is invalid or has expired."}
	ErrAlreadyEnrolled     = &Error{Kind: KindTokenInvalid, Code: CodePendingTokenInvalid, Message: "Two-factor authentication is already enabled."}
)

// NewValidationError reports bad input shape with per-field messages
func NewValidationError(fields map[string][]string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeValidationError,
		Message: "Request validation failed",
		Fields:  fields,
	}
}

// NewPolicyError reports a password rule that denied the request
func NewPolicyError(message string) *Error {
	return &Error{Kind: KindPolicyDenied, Code: CodePasswordPolicy, Message: message}
}

// Transient wraps an infrastructure failure
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Code: CodeInternalError, Message: "An unexpected error occurred", Err: err}
}

// KindOf classifies err. Errors that are not *Error are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}
