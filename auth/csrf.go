package auth

import (
	"log/slog"
	"net/http"
)

// DefaultSafeMethods are never CSRF-checked.
var DefaultSafeMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// CSRFValidator enforces the double-submit pattern: the raw header value
// must match the unsigned cookie value and the csrf claim inside the bearer
// token.
type CSRFValidator struct {
	cookies     CookieConfig
	signer      *CookieSigner
	safeMethods map[string]bool
	logger      *slog.Logger
}

// NewCSRFValidator builds a validator. safeMethods defaults to
// GET/HEAD/OPTIONS when nil.
func NewCSRFValidator(cookies CookieConfig, signer *CookieSigner, safeMethods []string, logger *slog.Logger) *CSRFValidator {
	if safeMethods == nil {
		safeMethods = DefaultSafeMethods
	}
	safe := make(map[string]bool, len(safeMethods))
	for _, m := range safeMethods {
		safe[m] = true
	}
	return &CSRFValidator{cookies: cookies, signer: signer, safeMethods: safe, logger: logger}
}

// Validate checks the request against the claims of an ACCESS or REFRESH
// token. Safe methods are skipped, and so are requests without the csrf
// cookie: bearer-only clients have no cookie to forge.
func (v *CSRFValidator) Validate(r *http.Request, claims *Claims) error {
	if v.safeMethods[r.Method] {
		return nil
	}

	cookieName := v.cookies.CSRFName
	if claims.TwoFaPending {
		cookieName = v.cookies.CSRF2FAName
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	if claims.CSRF == "" {
		v.reject(r, claims, CSRFMissingClaim)
		return &CSRFError{Reason: CSRFMissingClaim}
	}

	// The header key shares the cookie's name, so pending sessions echo
	// the value under the 2fa variant.
	header := r.Header.Get(cookieName)
	if header == "" {
		v.reject(r, claims, CSRFMissingHeader)
		return &CSRFError{Reason: CSRFMissingHeader}
	}

	unsigned, err := v.signer.Unsign(cookie.Value)
	if err != nil || unsigned != claims.CSRF || header != claims.CSRF {
		v.reject(r, claims, CSRFMismatch)
		return &CSRFError{Reason: CSRFMismatch}
	}

	return nil
}

func (v *CSRFValidator) reject(r *http.Request, claims *Claims, reason CSRFReason) {
	login := ""
	if claims.Identity != nil {
		login = claims.Identity.Login
	}
	v.logger.Warn("csrf rejected",
		"reason", string(reason),
		"remote", r.RemoteAddr,
		"user", login,
		"method", r.Method,
		"path", r.URL.Path,
	)
}
