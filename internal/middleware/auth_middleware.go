package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/welldanyogia/jobportal-auth/internal/auth"
	appctx "github.com/welldanyogia/jobportal-auth/internal/context"
)

// Authenticator resolves a session token into the request's principal
type Authenticator interface {
	Authenticate(ctx context.Context, token string, now time.Time) (*appctx.Principal, error)
}

// AuthMiddleware guards routes that need a signed-in user
type AuthMiddleware struct {
	authenticator Authenticator
	now           func() time.Time
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(authenticator Authenticator) *AuthMiddleware {
	return &AuthMiddleware{
		authenticator: authenticator,
		now:           time.Now,
	}
}

// Authenticate validates the session from the cookie or Bearer header,
// sliding its expiry, and stores the principal and client in the request
// context. Invalid sessions get 401 and the cookie is cleared.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.SessionToken(r)
		if token == "" {
			auth.RespondError(w, m.now(), auth.ErrSessionInvalid)
			return
		}

		principal, err := m.authenticator.Authenticate(r.Context(), token, m.now())
		if err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) {
				auth.ClearSessionCookie(w)
			}
			auth.RespondError(w, m.now(), err)
			return
		}

		ctx := appctx.WithPrincipal(r.Context(), principal)
		ctx = appctx.WithClient(ctx, auth.ClientFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFreshPassword rejects principals whose password is past its maximum
// age with 403 PASSWORD_EXPIRED. It must run after Authenticate.
func (m *AuthMiddleware) RequireFreshPassword(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := appctx.ExtractPrincipal(r.Context())
		if !ok {
			auth.RespondError(w, m.now(), auth.ErrSessionInvalid)
			return
		}
		if p.PasswordExpired {
			auth.WriteError(w, m.now(), http.StatusForbidden, auth.CodePasswordExpired,
				"Your password has expired. Please change it to continue.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
