package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	appctx "github.com/welldanyogia/jobportal-auth/internal/context"
)

// SessionCookieName is the cookie carrying the opaque session token
const SessionCookieName = "jobportal_session"

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// MFAVerifyRequest is the second login step for enrolled users
type MFAVerifyRequest struct {
	PendingToken string `json:"pending_token"`
	Code         string `json:"code"`
}

// MFASetupRequest starts enrollment for a user in MFASetupRequired
type MFASetupRequest struct {
	SetupToken string `json:"setup_token"`
}

// MFAEnableRequest finishes enrollment with the first authenticator code
type MFAEnableRequest struct {
	SetupToken string `json:"setup_token"`
	Code       string `json:"code"`
}

// LoginResponse is returned after the password step
type LoginResponse struct {
	State            State     `json:"state"`
	PendingToken     string    `json:"pending_token"`
	PendingExpiresAt time.Time `json:"pending_expires_at"`
}

// SessionResponse is returned once a session exists
type SessionResponse struct {
	State            State     `json:"state"`
	SessionToken     string    `json:"session_token"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// EnrollmentResponse carries what an authenticator app needs
type EnrollmentResponse struct {
	SharedKey  string `json:"shared_key"`
	OTPAuthURI string `json:"otpauth_uri"`
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
	now         func() time.Time
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		now:         time.Now,
	}
}

// Login handles the password step
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, h.now(), http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	res, err := h.authService.Login(r.Context(), req, ClientFromRequest(r), h.now())
	if err != nil {
		RespondError(w, h.now(), err)
		return
	}

	WriteSuccess(w, h.now(), http.StatusOK, LoginResponse{
		State:            res.State,
		PendingToken:     res.PendingToken,
		PendingExpiresAt: res.PendingExpiresAt,
	})
}

// VerifyMFA handles the authenticator code for enrolled users
// POST /api/v1/auth/mfa/verify
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req MFAVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, h.now(), http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if fields := requireFields(map[string]string{"pending_token": req.PendingToken, "code": req.Code}); fields != nil {
		RespondError(w, h.now(), NewValidationError(fields))
		return
	}

	res, err := h.authService.VerifyMFA(r.Context(), req.PendingToken, req.Code, ClientFromRequest(r), h.now())
	if err != nil {
		RespondError(w, h.now(), err)
		return
	}
	h.writeSession(w, res)
}

// SetupMFA returns the shared key for mandatory enrollment
// POST /api/v1/auth/mfa/setup
func (h *AuthHandler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	var req MFASetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, h.now(), http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if fields := requireFields(map[string]string{"setup_token": req.SetupToken}); fields != nil {
		RespondError(w, h.now(), NewValidationError(fields))
		return
	}

	enrollment, err := h.authService.BeginEnrollment(r.Context(), req.SetupToken, h.now())
	if err != nil {
		RespondError(w, h.now(), err)
		return
	}

	WriteSuccess(w, h.now(), http.StatusOK, EnrollmentResponse{
		SharedKey:  enrollment.SharedKey,
		OTPAuthURI: enrollment.AuthenticatorURI,
	})
}

// EnableMFA confirms enrollment and signs the user in
// POST /api/v1/auth/mfa/enable
func (h *AuthHandler) EnableMFA(w http.ResponseWriter, r *http.Request) {
	var req MFAEnableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, h.now(), http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if fields := requireFields(map[string]string{"setup_token": req.SetupToken, "code": req.Code}); fields != nil {
		RespondError(w, h.now(), NewValidationError(fields))
		return
	}

	res, err := h.authService.CompleteEnrollment(r.Context(), req.SetupToken, req.Code, ClientFromRequest(r), h.now())
	if err != nil {
		RespondError(w, h.now(), err)
		return
	}
	h.writeSession(w, res)
}

// Logout revokes the caller's session. It succeeds even when the session is
// already gone.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := SessionToken(r); token != "" {
		if err := h.authService.Logout(r.Context(), token, h.now()); err != nil {
			RespondError(w, h.now(), err)
			return
		}
	}

	ClearSessionCookie(w)
	WriteSuccess(w, h.now(), http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, res *LoginResult) {
	SetSessionCookie(w, res.SessionToken)
	WriteSuccess(w, h.now(), http.StatusOK, SessionResponse{
		State:            res.State,
		SessionToken:     res.SessionToken,
		SessionExpiresAt: res.Session.ExpiresAt,
	})
}

func requireFields(values map[string]string) map[string][]string {
	var fields map[string][]string
	for name, v := range values {
		if strings.TrimSpace(v) == "" {
			if fields == nil {
				fields = make(map[string][]string)
			}
			fields[name] = []string{name + " is required"}
		}
	}
	return fields
}

// StatusFor maps an error kind to its HTTP status. Authentication, lockout
// and MFA failures share a status so they cannot be told apart.
func StatusFor(kind Kind) int {
	switch kind {
	case KindValidation, KindPolicyDenied, KindTokenInvalid:
		return http.StatusBadRequest
	case KindAuthentication, KindLockedOut, KindMFA, KindUnauthorized:
		return http.StatusUnauthorized
	case KindUnconfirmed:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err using its kind, code and external message
func RespondError(w http.ResponseWriter, now time.Time, err error) {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindTransient {
		WriteError(w, now, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}
	WriteError(w, now, StatusFor(e.Kind), e.Code, e.Message, e.Fields)
}

// WriteSuccess writes a successful JSON response
func WriteSuccess(w http.ResponseWriter, now time.Time, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: now.UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// WriteError writes an error JSON response
func WriteError(w http.ResponseWriter, now time.Time, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: now.UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// SetSessionCookie stores the session token in an HttpOnly, Secure,
// SameSite=Strict cookie
func SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearSessionCookie expires the session cookie
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// SessionToken reads the session token from the cookie, falling back to a
// Bearer Authorization header for non-browser clients.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// ClientFromRequest extracts the caller's IP address and user agent. The IP
// is the host part of RemoteAddr; forwarding headers are only honored when a
// proxy-aware middleware has already rewritten RemoteAddr.
func ClientFromRequest(r *http.Request) appctx.ClientInfo {
	return appctx.ClientInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
