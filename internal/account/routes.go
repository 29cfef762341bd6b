package account

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers account routes with the Chi router.
// sessionAuth establishes the principal; passwordFresh rejects principals
// whose password has expired and is skipped for the change-password route so
// the user can still rotate it. limiter guards the public routes and may be
// nil.
func RegisterRoutes(r chi.Router, handler *Handler, sessionAuth, passwordFresh, limiter Middleware) {
	r.Route("/account", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter)
			}
			r.Post("/register", handler.Register)
			r.Get("/confirm", handler.ConfirmEmail)
			r.Post("/password/forgot", handler.ForgotPassword)
			r.Post("/password/reset", handler.ResetPassword)
		})

		r.Group(func(r chi.Router) {
			r.Use(sessionAuth)
			r.Post("/password/change", handler.ChangePassword)

			r.Group(func(r chi.Router) {
				r.Use(passwordFresh)
				r.Post("/confirmation/resend", handler.ResendConfirmation)
				r.Get("/me", handler.Me)
				r.Get("/activity", handler.Activity)
			})
		})
	})
}
