package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router.
// Every route is public; logout identifies the session from the request
// itself so that repeated calls stay harmless. limiter guards the steps
// that accept secrets.
func RegisterRoutes(r chi.Router, handler *AuthHandler, limiter Middleware) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter)
			}
			r.Post("/login", handler.Login)
			r.Post("/mfa/verify", handler.VerifyMFA)
			r.Post("/mfa/setup", handler.SetupMFA)
			r.Post("/mfa/enable", handler.EnableMFA)
		})
		r.Post("/logout", handler.Logout)
	})
}
