package oidc

import (
	"net/http"
	"time"
)

// Pending-exchange cookie names. The state/nonce/verifier triple plus the
// chosen redirect URI live in short-lived httpOnly cookies scoped to the
// callback path, and are cleared unconditionally when the callback runs.
const (
	stateCookie    = "oidc_state"
	nonceCookie    = "oidc_nonce"
	verifierCookie = "oidc_verifier"
	redirectCookie = "oidc_redirect"

	// pendingTTL bounds the window between authorization redirect and
	// callback.
	pendingTTL = 10 * time.Minute
)

var pendingCookies = []string{stateCookie, nonceCookie, verifierCookie, redirectCookie}

type pendingExchange struct {
	State       string
	Nonce       string
	Verifier    string
	RedirectURI string
}

func (p *Provider) writePending(w http.ResponseWriter, pending pendingExchange) {
	values := map[string]string{
		stateCookie:    pending.State,
		nonceCookie:    pending.Nonce,
		verifierCookie: pending.Verifier,
		redirectCookie: pending.RedirectURI,
	}
	for _, name := range pendingCookies {
		if values[name] == "" {
			continue
		}
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    values[name],
			Path:     p.callbackPath,
			HttpOnly: true,
			Secure:   p.opts.SecureCookies,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(pendingTTL.Seconds()),
		})
	}
}

func (p *Provider) readPending(r *http.Request) pendingExchange {
	read := func(name string) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return c.Value
	}
	return pendingExchange{
		State:       read(stateCookie),
		Nonce:       read(nonceCookie),
		Verifier:    read(verifierCookie),
		RedirectURI: read(redirectCookie),
	}
}

// clearPending removes every pending-exchange cookie. It runs on success and
// failure alike so a stored state can never be replayed.
func (p *Provider) clearPending(w http.ResponseWriter) {
	for _, name := range pendingCookies {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     p.callbackPath,
			HttpOnly: true,
			Secure:   p.opts.SecureCookies,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}

// antiCache prevents intermediaries from replaying the authorization
// redirect with its freshly minted state.
func antiCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}
