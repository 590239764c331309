package oidc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"authd/auth"
)

const testRedirectURI = "https://app.example.com/auth/oidc/callback"

func newTestOIDC(t *testing.T, mutate func(*Options)) (*Provider, *auth.MemoryUsers) {
	t.Helper()
	opts := Options{
		Issuer:         "https://issuer.example.com",
		ClientID:       "authd-client",
		RedirectURI:    testRedirectURI,
		AutoCreateUser: true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := auth.NewMemoryUsers()
	local := auth.NewLocalProvider(users, logger)
	reconciler := auth.NewReconciler(users, logger)

	p, err := New(opts, users, local, reconciler, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.setParty(&relyingParty{
		oauth: oauth2.Config{
			ClientID:    opts.ClientID,
			RedirectURL: opts.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://issuer.example.com/authorize",
				TokenURL: "https://issuer.example.com/token",
			},
			Scopes: []string{"openid", "profile", "email"},
		},
		pkce: true,
	})
	return p, users
}

func cookieByName(t *testing.T, res *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestBeginWritesPendingCookies(t *testing.T) {
	p, _ := newTestOIDC(t, nil)
	rec := httptest.NewRecorder()

	authURL, err := p.Begin(context.Background(), rec, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "authd-client" {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != testRedirectURI {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("state") == "" || q.Get("nonce") == "" {
		t.Fatal("state and nonce must be present in the authorization URL")
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("pkce challenge missing: %v", q)
	}

	res := rec.Result()
	state := cookieByName(t, res, stateCookie)
	if state == nil || state.Value != q.Get("state") {
		t.Fatalf("state cookie does not match url state: %v", state)
	}
	nonce := cookieByName(t, res, nonceCookie)
	if nonce == nil || nonce.Value != q.Get("nonce") {
		t.Fatalf("nonce cookie does not match url nonce: %v", nonce)
	}
	verifier := cookieByName(t, res, verifierCookie)
	if verifier == nil || verifier.Value == "" {
		t.Fatal("verifier cookie missing")
	}
	for _, c := range res.Cookies() {
		if c.Path != "/auth/oidc/callback" {
			t.Fatalf("cookie %s scoped to %q, want callback path", c.Name, c.Path)
		}
		if !c.HttpOnly {
			t.Fatalf("cookie %s must be httpOnly", c.Name)
		}
	}

	if cc := res.Header.Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("Cache-Control = %q", cc)
	}
}

func TestBeginWithoutPKCE(t *testing.T) {
	p, _ := newTestOIDC(t, nil)
	p.setParty(&relyingParty{
		oauth: oauth2.Config{
			ClientID:    "authd-client",
			RedirectURL: testRedirectURI,
			Endpoint:    oauth2.Endpoint{AuthURL: "https://issuer.example.com/authorize"},
		},
	})
	rec := httptest.NewRecorder()

	authURL, err := p.Begin(context.Background(), rec, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if strings.Contains(authURL, "code_challenge") {
		t.Fatal("issuer without S256 support must not get a pkce challenge")
	}
	if c := cookieByName(t, rec.Result(), verifierCookie); c != nil {
		t.Fatal("verifier cookie must not be set without pkce")
	}
}

func TestBeginDesktopPort(t *testing.T) {
	p, _ := newTestOIDC(t, func(o *Options) { o.DesktopPorts = []int{43110} })

	rec := httptest.NewRecorder()
	authURL, err := p.Begin(context.Background(), rec, 43110)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	u, _ := url.Parse(authURL)
	if got := u.Query().Get("redirect_uri"); got != "http://127.0.0.1:43110/auth/oidc/callback" {
		t.Fatalf("loopback redirect_uri = %q", got)
	}
	if c := cookieByName(t, rec.Result(), redirectCookie); c == nil || !strings.Contains(c.Value, "43110") {
		t.Fatalf("redirect cookie must carry the loopback URI: %v", c)
	}

	_, err = p.Begin(context.Background(), httptest.NewRecorder(), 9999)
	if !errors.Is(err, auth.ErrBadOAuthState) {
		t.Fatalf("unlisted port must be rejected, got %v", err)
	}
}

func callbackRequest(query string, cookies map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/auth/oidc/callback?"+query, nil)
	for name, value := range cookies {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return r
}

func TestCallbackMissingStateCookie(t *testing.T) {
	p, _ := newTestOIDC(t, nil)
	rec := httptest.NewRecorder()

	_, err := p.Callback(context.Background(), rec, callbackRequest("state=abc&code=xyz", nil))
	if !errors.Is(err, auth.ErrBadOAuthState) {
		t.Fatalf("expected ErrBadOAuthState, got %v", err)
	}

	// Failure still clears every pending cookie.
	cleared := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge == -1 {
			cleared[c.Name] = true
		}
	}
	for _, name := range pendingCookies {
		if !cleared[name] {
			t.Fatalf("cookie %s not cleared on failure", name)
		}
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	p, _ := newTestOIDC(t, nil)
	req := callbackRequest("state=evil&code=xyz", map[string]string{
		stateCookie:    "good",
		nonceCookie:    "n",
		verifierCookie: "v",
	})

	_, err := p.Callback(context.Background(), httptest.NewRecorder(), req)
	if !errors.Is(err, auth.ErrBadOAuthState) {
		t.Fatalf("expected ErrBadOAuthState, got %v", err)
	}
}

func TestCallbackMissingVerifier(t *testing.T) {
	p, _ := newTestOIDC(t, nil)
	req := callbackRequest("state=good&code=xyz", map[string]string{
		stateCookie: "good",
		nonceCookie: "n",
	})

	_, err := p.Callback(context.Background(), httptest.NewRecorder(), req)
	if !errors.Is(err, auth.ErrBadOAuthState) {
		t.Fatalf("pkce issuer without verifier cookie must fail, got %v", err)
	}
}

func TestCallbackMissingCode(t *testing.T) {
	p, _ := newTestOIDC(t, nil)
	req := callbackRequest("state=good", map[string]string{
		stateCookie:    "good",
		nonceCookie:    "n",
		verifierCookie: "v",
	})

	_, err := p.Callback(context.Background(), httptest.NewRecorder(), req)
	if !errors.Is(err, auth.ErrBadOAuthState) {
		t.Fatalf("expected ErrBadOAuthState, got %v", err)
	}
}

func TestAuthenticatePasswordBypass(t *testing.T) {
	hash, _ := auth.HashPassword("pw")
	seed := func(t *testing.T, users *auth.MemoryUsers, id auth.Identity) {
		t.Helper()
		id.PasswordHash = hash
		id.Active = true
		if _, err := users.Create(context.Background(), &id); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	tests := []struct {
		name     string
		identity *auth.Identity
		creds    auth.Credentials
		fallback bool
		wantOK   bool
	}{
		{name: "unknown user", creds: auth.Credentials{Login: "ghost", Password: "pw"}},
		{name: "regular user rejected", identity: &auth.Identity{Login: "jdoe"}, creds: auth.Credentials{Login: "jdoe", Password: "pw"}},
		{name: "regular user with fallback", identity: &auth.Identity{Login: "jdoe"}, creds: auth.Credentials{Login: "jdoe", Password: "pw"}, fallback: true, wantOK: true},
		{name: "admin bypass", identity: &auth.Identity{Login: "root", Role: auth.RoleAdmin}, creds: auth.Credentials{Login: "root", Password: "pw"}, wantOK: true},
		{name: "guest bypass", identity: &auth.Identity{Login: "visitor", Guest: true}, creds: auth.Credentials{Login: "visitor", Password: "pw"}, wantOK: true},
		{name: "scoped bypass", identity: &auth.Identity{Login: "jdoe"}, creds: auth.Credentials{Login: "jdoe", Password: "pw", Scoped: true}, wantOK: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, users := newTestOIDC(t, func(o *Options) { o.EnablePasswordAuthFallback = tc.fallback })
			if tc.identity != nil {
				seed(t, users, *tc.identity)
			}

			identity, err := p.Authenticate(context.Background(), tc.creds)
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if tc.wantOK && identity == nil {
				t.Fatal("expected local password to be accepted")
			}
			if !tc.wantOK && identity != nil {
				t.Fatal("expected password login to be rejected")
			}
		})
	}
}

func TestRandomTokenUnpredictable(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		v, err := randomToken()
		if err != nil {
			t.Fatalf("randomToken: %v", err)
		}
		if len(v) != 32 {
			t.Fatalf("token length = %d, want 32 hex chars", len(v))
		}
		if seen[v] {
			t.Fatalf("token repeated: %s", v)
		}
		seen[v] = true
	}
}

func TestDeriveLogin(t *testing.T) {
	tests := []struct {
		preferred, email, sub string
		want                  string
	}{
		{"JDoe", "jane@example.com", "sub-1", "jdoe"},
		{"  ", "Jane.Doe@example.com", "sub-1", "jane.doe"},
		{"", "", "Sub-1", "sub-1"},
		{"", "@example.com", "sub-1", "sub-1"},
		{"", "", "", ""},
	}
	for _, tc := range tests {
		if got := deriveLogin(tc.preferred, tc.email, tc.sub); got != tc.want {
			t.Errorf("deriveLogin(%q, %q, %q) = %q, want %q", tc.preferred, tc.email, tc.sub, got, tc.want)
		}
	}
}
