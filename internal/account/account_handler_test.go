package account

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/welldanyogia/jobportal-auth/internal/audit"
	"github.com/welldanyogia/jobportal-auth/internal/auth"
	appctx "github.com/welldanyogia/jobportal-auth/internal/context"
	"github.com/welldanyogia/jobportal-auth/internal/mfa"
	"github.com/welldanyogia/jobportal-auth/internal/password"
	"golang.org/x/crypto/bcrypt"
)

func newTestHandler(e *testEnv) *Handler {
	h := NewHandler(e.svc, discardLogger())
	h.now = func() time.Time { return baseTime }
	return h
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) auth.APIResponse {
	t.Helper()
	var resp auth.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

// withPrincipal stands in for the session middleware
func withPrincipal(p *appctx.Principal) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(appctx.WithPrincipal(r.Context(), p)))
		})
	}
}

func passThrough(next http.Handler) http.Handler { return next }

func newRouter(h *Handler, p *appctx.Principal) chi.Router {
	r := chi.NewRouter()
	sessionAuth := Middleware(passThrough)
	if p != nil {
		sessionAuth = withPrincipal(p)
	}
	RegisterRoutes(r, h, sessionAuth, passThrough, nil)
	return r
}

func TestHandler_RegisterConfirmLogin(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	router := newRouter(newTestHandler(e), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/account/register", jsonBody(t, validRequest("a@b.com"))))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	token := e.mail.lastToken(t)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/account/confirm?token="+token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/account/confirm?token="+token, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second confirm status = %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Error == nil || resp.Error.Code != auth.CodeTokenInvalid {
		t.Errorf("unexpected error body %+v", resp.Error)
	}

	pending := auth.NewPendingTokenService(auth.PendingTokenConfig{
		Secret: "test-pending-secret-key-32-chars",
		TTL:    5 * time.Minute,
		Issuer: "test-issuer",
	})
	authSvc, err := auth.NewAuthService(e.store, password.NewPolicy(password.Config{}, password.NewBcryptHasher(bcrypt.MinCost)),
		mfa.NewManager("JobPortal"), e.sessions, pending, audit.NewRecorder(discardLogger()), auth.Config{}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	res, err := authSvc.Login(context.Background(), auth.LoginRequest{Email: "a@b.com", Password: testPassword}, testClient, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("login after confirmation: %v", err)
	}
	if res.State != auth.StateMFASetupRequired || res.SessionToken != "" {
		t.Errorf("expected MFASetupRequired without a session, got %+v", res)
	}
}

func TestHandler_RegisterMultipartWithResume(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	router := newRouter(newTestHandler(e), nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	req := validRequest("multi@example.com")
	for k, v := range map[string]string{
		"email":            req.Email,
		"password":         req.Password,
		"confirm_password": req.ConfirmPassword,
		"first_name":       req.FirstName,
		"last_name":        req.LastName,
		"gender":           req.Gender,
		"nric":             req.NRIC,
		"date_of_birth":    req.DateOfBirth,
		"who_am_i":         req.WhoAmI,
	} {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("resume", "resume.pdf")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("%PDF-1.7 test"))
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/account/register", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(e.resumes.objects) != 1 {
		t.Fatalf("expected one stored resume, got %d", len(e.resumes.objects))
	}
	for _, data := range e.resumes.objects {
		if string(data) != "%PDF-1.7 test" {
			t.Errorf("stored resume = %q", data)
		}
	}
}

func TestHandler_RegisterValidationAndConflict(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	router := newRouter(newTestHandler(e), nil)

	bad := validRequest("bad")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/account/register", jsonBody(t, bad)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Error == nil || len(resp.Error.Details["email"]) == 0 {
		t.Errorf("expected email details, got %+v", resp.Error)
	}

	e.register(t, "taken@example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/account/register", jsonBody(t, validRequest("taken@example.com"))))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/account/register", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
}

func TestHandler_ForgotPasswordDoesNotEnumerate(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	e.register(t, "member@example.com")
	router := newRouter(newTestHandler(e), nil)

	var bodies []string
	for _, email := range []string{"member@example.com", "stranger@example.com"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/account/password/forgot", jsonBody(t, map[string]string{"email": email})))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d for %s", rec.Code, email)
		}
		bodies = append(bodies, rec.Body.String())
	}
	if bodies[0] != bodies[1] {
		t.Errorf("responses differ:\n%s\n%s", bodies[0], bodies[1])
	}
}

func TestHandler_SessionRoutes(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	res := e.register(t, "me@example.com")

	anon := newRouter(newTestHandler(e), nil)
	rec := httptest.NewRecorder()
	anon.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/account/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /me status = %d", rec.Code)
	}

	router := newRouter(newTestHandler(e), principal(res))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/account/me", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/me status = %d", rec.Code)
	}
	var profile struct {
		Data Profile `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&profile); err != nil {
		t.Fatal(err)
	}
	if profile.Data.NRIC != "S1234567D" || profile.Data.Email != "me@example.com" {
		t.Errorf("unexpected profile %+v", profile.Data)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/account/activity?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/account/activity?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("activity status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	change := ChangePasswordRequest{CurrentPassword: "Wr0ng!Password", NewPassword: "N3w!Password#2", ConfirmPassword: "N3w!Password#2"}
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/account/password/change", jsonBody(t, change)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("wrong current password status = %d", rec.Code)
	}
}
