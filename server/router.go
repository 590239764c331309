package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all authentication endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if len(a.Config.Server.AllowedOrigins) > 0 {
		r.Use(CORSMiddleware(a.Config.Server.AllowedOrigins, a.Cookies.CSRFHeader(false), a.Cookies.CSRFHeader(true)))
	}

	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Post("/auth/login", a.handleLogin)
	r.Post("/auth/logout", a.handleLogout)
	r.Post("/auth/refresh", a.handleRefresh)

	if a.OIDC != nil {
		r.Get("/auth/oidc/login", a.handleOIDCLogin)
		r.Get("/auth/oidc/callback", a.handleOIDCCallback)
	}

	r.With(a.requirePending).Post("/auth/2fa/login/verify", a.handleTwoFALoginVerify)

	r.Group(func(r chi.Router) {
		r.Use(a.requireSession)
		r.Get("/auth/me", a.handleMe)
		r.Post("/auth/2fa/init", a.handleTwoFAInit)
		r.Post("/auth/2fa/enable", a.handleTwoFAEnable)
		r.Post("/auth/2fa/disable", a.handleTwoFADisable)
	})

	return r
}
