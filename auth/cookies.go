package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

// Default cookie names and paths. Each kind is scoped so browsers never send
// a non-applicable cookie to an unrelated endpoint.
const (
	DefaultAccessCookie    = "access_token"
	DefaultRefreshCookie   = "refresh_token"
	DefaultWSCookie        = "ws_token"
	DefaultCSRFCookie      = "csrf_token"
	DefaultAccess2FACookie = "access_token_2fa"
	DefaultCSRF2FACookie   = "csrf_token_2fa"

	DefaultRefreshPath   = "/auth/refresh"
	DefaultWSPath        = "/socket.io"
	DefaultTwoFAPath     = "/auth/2fa/login/verify"
	DefaultRootPath      = "/"
)

// CookieConfig controls cookie names, paths, and attributes.
type CookieConfig struct {
	AccessName    string
	RefreshName   string
	WSName        string
	CSRFName      string
	Access2FAName string
	CSRF2FAName   string

	RefreshPath string
	WSPath      string
	TwoFAPath   string

	Domain string
	Secure bool
}

// DefaultCookieConfig returns the standard names and paths.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		AccessName:    DefaultAccessCookie,
		RefreshName:   DefaultRefreshCookie,
		WSName:        DefaultWSCookie,
		CSRFName:      DefaultCSRFCookie,
		Access2FAName: DefaultAccess2FACookie,
		CSRF2FAName:   DefaultCSRF2FACookie,
		RefreshPath:   DefaultRefreshPath,
		WSPath:        DefaultWSPath,
		TwoFAPath:     DefaultTwoFAPath,
		Secure:        true,
	}
}

// Name returns the configured cookie name for a kind.
func (c CookieConfig) Name(kind Kind) string {
	switch kind {
	case KindAccess:
		return c.AccessName
	case KindRefresh:
		return c.RefreshName
	case KindWS:
		return c.WSName
	case KindCSRF:
		return c.CSRFName
	case KindAccess2FA:
		return c.Access2FAName
	case KindCSRF2FA:
		return c.CSRF2FAName
	}
	return ""
}

// Path returns the cookie path for a kind.
func (c CookieConfig) Path(kind Kind) string {
	switch kind {
	case KindRefresh:
		return c.RefreshPath
	case KindWS:
		return c.WSPath
	case KindAccess2FA:
		return c.TwoFAPath
	default:
		return DefaultRootPath
	}
}

// CSRFHeader is the header carrying the raw double-submit value; it shares
// the name of the csrf cookie matching the session's stage.
func (c CookieConfig) CSRFHeader(pending bool) string {
	if pending {
		return c.CSRF2FAName
	}
	return c.CSRFName
}

func (c CookieConfig) httpOnly(kind Kind) bool {
	// The csrf cookies must be readable by the frontend so it can echo the
	// value in the header.
	return kind != KindCSRF && kind != KindCSRF2FA
}

// WriteSet places every token of a set at its kind-specific path.
func (c CookieConfig) WriteSet(w http.ResponseWriter, set *TokenSet) {
	for _, tok := range set.Tokens {
		http.SetCookie(w, &http.Cookie{
			Name:     c.Name(tok.Kind),
			Value:    tok.Value,
			Path:     c.Path(tok.Kind),
			Domain:   c.Domain,
			HttpOnly: c.httpOnly(tok.Kind),
			Secure:   c.Secure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(tok.TTL.Seconds()),
		})
	}
}

// ClearSession removes the full session cookie set on logout.
func (c CookieConfig) ClearSession(w http.ResponseWriter) {
	for _, kind := range []Kind{KindAccess, KindRefresh, KindWS, KindCSRF} {
		c.clear(w, kind)
	}
}

// ClearPending removes the 2FA-pending pair once verification completes.
func (c CookieConfig) ClearPending(w http.ResponseWriter) {
	c.clear(w, KindAccess2FA)
	c.clear(w, KindCSRF2FA)
}

func (c CookieConfig) clear(w http.ResponseWriter, kind Kind) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name(kind),
		Value:    "",
		Path:     c.Path(kind),
		Domain:   c.Domain,
		HttpOnly: c.httpOnly(kind),
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// CookieSigner integrity-protects csrf cookie values with HMAC-SHA256. The
// encoded form is "value.signature".
type CookieSigner struct {
	key []byte
}

// NewCookieSigner builds a signer from the configured secret.
func NewCookieSigner(key []byte) *CookieSigner {
	return &CookieSigner{key: key}
}

// Sign appends the value's signature.
func (s *CookieSigner) Sign(value string) string {
	return value + "." + s.mac(value)
}

// Unsign verifies the signature and returns the raw value.
func (s *CookieSigner) Unsign(signed string) (string, error) {
	idx := strings.LastIndexByte(signed, '.')
	if idx < 0 {
		return "", errors.New("unsigned cookie value")
	}
	value, sig := signed[:idx], signed[idx+1:]
	if !hmac.Equal([]byte(sig), []byte(s.mac(value))) {
		return "", errors.New("cookie signature mismatch")
	}
	return value, nil
}

func (s *CookieSigner) mac(value string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
