package account

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/welldanyogia/jobportal-auth/internal/auth"
	appctx "github.com/welldanyogia/jobportal-auth/internal/context"
	"github.com/welldanyogia/jobportal-auth/internal/storage"
)

// maxRegisterBody bounds a multipart registration: the resume plus form fields
const maxRegisterBody = storage.MaxResumeSize + 1<<20

// Handler handles HTTP requests for account endpoints
type Handler struct {
	service *Service
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a new Handler instance
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		logger:  logger,
		now:     time.Now,
	}
}

// Register handles POST /api/v1/account/register. It accepts a JSON body or
// a multipart form carrying an optional "resume" file.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	req, resume, err := h.decodeRegister(w, r)
	if errors.Is(err, storage.ErrResumeSize) {
		auth.RespondError(w, h.now(), auth.NewValidationError(map[string][]string{"resume": {err.Error()}}))
		return
	}
	if err != nil {
		auth.WriteError(w, h.now(), http.StatusBadRequest, auth.CodeValidationError, "Invalid request body", nil)
		return
	}
	if resume != nil {
		defer resume.close()
	}

	var upload *ResumeUpload
	if resume != nil {
		upload = &resume.ResumeUpload
	}

	res, err := h.service.Register(r.Context(), *req, upload, auth.ClientFromRequest(r), h.now())
	if err != nil {
		auth.RespondError(w, h.now(), err)
		return
	}

	auth.WriteSuccess(w, h.now(), http.StatusCreated, map[string]interface{}{
		"user_id": res.UserID,
		"email":   res.Email,
		"message": "Registration successful. Please check your email to confirm your account.",
	})
}

type multipartResume struct {
	ResumeUpload
	close func() error
}

var errInvalidBody = errors.New("invalid request body")

func (h *Handler) decodeRegister(w http.ResponseWriter, r *http.Request) (*RegisterRequest, *multipartResume, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, nil, errInvalidBody
		}
		return &req, nil, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRegisterBody)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, storage.ErrResumeSize
		}
		return nil, nil, errInvalidBody
	}

	req := &RegisterRequest{
		Email:           r.FormValue("email"),
		Password:        r.FormValue("password"),
		ConfirmPassword: r.FormValue("confirm_password"),
		FirstName:       r.FormValue("first_name"),
		LastName:        r.FormValue("last_name"),
		Gender:          r.FormValue("gender"),
		NRIC:            r.FormValue("nric"),
		DateOfBirth:     r.FormValue("date_of_birth"),
		WhoAmI:          r.FormValue("who_am_i"),
		RecaptchaToken:  r.FormValue("recaptcha_token"),
	}

	file, header, err := r.FormFile("resume")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, nil
	}
	if err != nil {
		return nil, nil, errInvalidBody
	}
	return req, &multipartResume{
		ResumeUpload: ResumeUpload{Filename: header.Filename, Size: header.Size, Body: file},
		close:        file.Close,
	}, nil
}

// ConfirmEmail handles GET /api/v1/account/confirm?token=
func (h *Handler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ConfirmEmail(r.Context(), r.URL.Query().Get("token"), h.now()); err != nil {
		auth.RespondError(w, h.now(), err)
		return
	}
	auth.WriteSuccess(w, h.now(), http.StatusOK, map[string]string{
		"message": "Thank you for confirming your email.",
	})
}

// ResendConfirmation handles POST /api/v1/account/confirmation/resend
func (h *Handler) ResendConfirmation(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	res, err := h.service.ResendConfirmation(r.Context(), p, h.now())
	if err != nil {
		auth.RespondError(w, h.now(), err)
		return
	}

	message := "Confirmation email has been sent to " + p.Email
	switch {
	case res.AlreadyConfirmed:
		message = "Your email is already confirmed!"
	case !res.Sent:
		message = "Failed to send confirmation email. Please try again later."
	}
	auth.WriteSuccess(w, h.now(), http.StatusOK, map[string]interface{}{
		"already_confirmed": res.AlreadyConfirmed,
		"sent":              res.Sent,
		"message":           message,
	})
}

// ChangePassword handles POST /api/v1/account/password/change
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, h.now(), http.StatusBadRequest, auth.CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := h.service.ChangePassword(r.Context(), p, req, h.now()); err != nil {
		auth.RespondError(w, h.now(), err)
		return
	}
	auth.WriteSuccess(w, h.now(), http.StatusOK, map[string]string{
		"message": "Password changed successfully.",
	})
}

// ForgotPassword handles POST /api/v1/account/password/forgot. The response
// is the same whether or not the email is registered.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, h.now(), http.StatusBadRequest, auth.CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email, h.now()); err != nil {
		auth.RespondError(w, h.now(), err)
		return
	}
	auth.WriteSuccess(w, h.now(), http.StatusOK, map[string]string{
		"message": "If an account with that email exists, a reset link has been sent.",
	})
}

// ResetPassword handles POST /api/v1/account/password/reset
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, h.now(), http.StatusBadRequest, auth.CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := h.service.ResetPassword(r.Context(), req, h.now()); err != nil {
		auth.RespondError(w, h.now(), err)
		return
	}
	auth.WriteSuccess(w, h.now(), http.StatusOK, map[string]string{
		"message": "Password reset successfully.",
	})
}

// Me handles GET /api/v1/account/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	profile, err := h.service.Profile(r.Context(), p)
	if err != nil {
		auth.RespondError(w, h.now(), err)
		return
	}
	auth.WriteSuccess(w, h.now(), http.StatusOK, profile)
}

// Activity handles GET /api/v1/account/activity?limit=
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			auth.RespondError(w, h.now(), auth.NewValidationError(map[string][]string{
				"limit": {"limit must be a number"},
			}))
			return
		}
		limit = n
	}

	events, err := h.service.Activity(r.Context(), p, limit)
	if err != nil {
		auth.RespondError(w, h.now(), err)
		return
	}
	auth.WriteSuccess(w, h.now(), http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*appctx.Principal, bool) {
	p, ok := appctx.ExtractPrincipal(r.Context())
	if !ok {
		auth.RespondError(w, h.now(), auth.ErrSessionInvalid)
		return nil, false
	}
	return p, true
}
