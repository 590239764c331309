// Package oidc implements the OIDC identity provider: the
// authorization-code + PKCE relying-party handshake against an upstream
// issuer, and the reconciliation of its identities into local users.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"authd/auth"
)

// ErrIncompleteProfile rejects upstream identities lacking an email or a
// derivable login.
var ErrIncompleteProfile = errors.New("oidc profile incomplete")

// Options configures the relying party.
type Options struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// RoleClaim names the ID-token/userinfo claim holding group or role
	// membership; AdminValue is the entry that maps to the administrator
	// role. Empty RoleClaim means no admin mapping is configured.
	RoleClaim  string
	AdminValue string

	// SkipSubjectCheck disables the userinfo subject comparison for
	// providers that return a different sub from the userinfo endpoint.
	SkipSubjectCheck bool

	// DesktopPorts allow-lists loopback ports for the desktop redirect
	// variant. Empty disables it.
	DesktopPorts []int

	AutoCreateUser             bool
	EnablePasswordAuthFallback bool
	SecureCookies              bool
}

// relyingParty is the lazily discovered upstream configuration. Racing
// first requests may build it redundantly; they converge on an equivalent
// value, so an atomic pointer suffices.
type relyingParty struct {
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	oauth    oauth2.Config
	pkce     bool
}

// Provider runs the OIDC flows and the local-password bypass policy for
// OIDC-managed accounts.
type Provider struct {
	opts         Options
	users        auth.UserRepository
	local        *auth.LocalProvider
	reconciler   *auth.Reconciler
	logger       *slog.Logger
	callbackPath string

	party atomic.Pointer[relyingParty]
}

// New constructs the provider. Upstream discovery is deferred until the
// first flow needs it.
func New(opts Options, users auth.UserRepository, local *auth.LocalProvider, reconciler *auth.Reconciler, logger *slog.Logger) (*Provider, error) {
	if opts.Issuer == "" {
		return nil, errors.New("oidc issuer required")
	}
	if opts.RedirectURI == "" {
		return nil, errors.New("oidc redirect URI required")
	}
	redirect, err := url.Parse(opts.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect URI: %w", err)
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	return &Provider{
		opts:         opts,
		users:        users,
		local:        local,
		reconciler:   reconciler,
		logger:       logger,
		callbackPath: redirect.Path,
	}, nil
}

// Name identifies the provider.
func (p *Provider) Name() string { return "oidc" }

// Authenticate implements the local-password bypass for OIDC-managed
// accounts: guests, admins, scoped requests, and (when configured) all
// users may still log in with the local password.
func (p *Provider) Authenticate(ctx context.Context, creds auth.Credentials) (*auth.Identity, error) {
	local, err := p.users.FindByLogin(ctx, creds.Login)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, nil
	}
	if creds.Scoped || local.Guest || local.IsAdmin() || p.opts.EnablePasswordAuthFallback {
		return p.local.Authenticate(ctx, creds)
	}
	p.logger.Warn("password login rejected for oidc-managed account", "user", creds.Login)
	return nil, nil
}

// Begin starts the authorization-code flow: it generates state, nonce, and
// (when the issuer supports it) a PKCE verifier, stores them in callback
// scoped cookies, and returns the upstream authorization URL. desktopPort
// selects the loopback redirect variant and must be allow-listed.
func (p *Provider) Begin(ctx context.Context, w http.ResponseWriter, desktopPort int) (string, error) {
	party, err := p.resolveParty(ctx)
	if err != nil {
		return "", err
	}

	redirectURI := p.opts.RedirectURI
	if desktopPort != 0 {
		redirectURI, err = p.loopbackRedirect(desktopPort)
		if err != nil {
			return "", err
		}
	}

	state, err := randomToken()
	if err != nil {
		return "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", err
	}
	pending := pendingExchange{
		State:       state,
		Nonce:       nonce,
		RedirectURI: redirectURI,
	}

	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", pending.Nonce),
	}
	if party.pkce {
		pending.Verifier = oauth2.GenerateVerifier()
		params = append(params,
			oauth2.SetAuthURLParam("code_challenge", oauth2.S256ChallengeFromVerifier(pending.Verifier)),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}

	antiCache(w)
	p.writePending(w, pending)

	cfg := party.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(pending.State, params...), nil
}

// Callback completes the flow. Validation order: state cookie, PKCE
// verifier cookie, code exchange, nonce, subject, userinfo, profile. Every
// pending cookie is cleared no matter the outcome.
func (p *Provider) Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.Identity, error) {
	pending := p.readPending(r)
	defer p.clearPending(w)

	if pending.State == "" {
		return nil, fmt.Errorf("%w: missing state cookie", auth.ErrBadOAuthState)
	}

	party, err := p.resolveParty(ctx)
	if err != nil {
		return nil, err
	}
	if party.pkce && pending.Verifier == "" {
		return nil, fmt.Errorf("%w: missing pkce verifier cookie", auth.ErrBadOAuthState)
	}

	query := r.URL.Query()
	if query.Get("state") != pending.State {
		p.logger.Warn("oidc state mismatch", "remote", r.RemoteAddr)
		return nil, fmt.Errorf("%w: state mismatch", auth.ErrBadOAuthState)
	}
	code := query.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", auth.ErrBadOAuthState)
	}

	cfg := party.oauth
	if pending.RedirectURI != "" {
		cfg.RedirectURL = pending.RedirectURI
	}
	var exchangeOpts []oauth2.AuthCodeOption
	if pending.Verifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", pending.Verifier))
	}
	token, err := cfg.Exchange(ctx, code, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: id_token missing in response", auth.ErrBadOAuthState)
	}
	idToken, err := party.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != pending.Nonce {
		p.logger.Warn("oidc nonce mismatch", "remote", r.RemoteAddr)
		return nil, fmt.Errorf("%w: nonce mismatch", auth.ErrBadOAuthState)
	}
	if idToken.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", auth.ErrBadOAuthState)
	}

	profile, err := p.fetchProfile(ctx, party, token, idToken)
	if err != nil {
		return nil, err
	}

	local, err := p.users.FindByLogin(ctx, profile.Login)
	if err != nil {
		return nil, err
	}
	return p.reconciler.Reconcile(ctx, local, *profile, auth.ReconcileOptions{
		AutoCreate:           p.opts.AutoCreateUser,
		AdminGroupConfigured: p.opts.RoleClaim != "",
	})
}

type userClaims struct {
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	Name              string `json:"name"`
}

// fetchProfile pulls userinfo with the access token, checks the subject
// against the ID token, and derives login and names.
func (p *Provider) fetchProfile(ctx context.Context, party *relyingParty, token *oauth2.Token, idToken *gooidc.IDToken) (*auth.ExternalIdentity, error) {
	info, err := party.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	if !p.opts.SkipSubjectCheck && info.Subject != idToken.Subject {
		return nil, fmt.Errorf("%w: userinfo subject mismatch", auth.ErrBadOAuthState)
	}

	var claims userClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse userinfo claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: no email", ErrIncompleteProfile)
	}

	login := deriveLogin(claims.PreferredUsername, claims.Email, idToken.Subject)
	if login == "" {
		return nil, fmt.Errorf("%w: no derivable login", ErrIncompleteProfile)
	}

	first, last := claims.GivenName, claims.FamilyName
	if first == "" && last == "" && claims.Name != "" {
		first = claims.Name
	}

	return &auth.ExternalIdentity{
		Login:     login,
		Email:     claims.Email,
		FirstName: first,
		LastName:  last,
		Admin:     p.isAdmin(idToken),
	}, nil
}

// isAdmin checks the configured role claim of the ID token for the admin
// value.
func (p *Provider) isAdmin(idToken *gooidc.IDToken) bool {
	if p.opts.RoleClaim == "" || p.opts.AdminValue == "" {
		return false
	}
	var all map[string]any
	if err := idToken.Claims(&all); err != nil {
		return false
	}
	switch values := all[p.opts.RoleClaim].(type) {
	case string:
		return strings.EqualFold(values, p.opts.AdminValue)
	case []any:
		for _, v := range values {
			if s, ok := v.(string); ok && strings.EqualFold(s, p.opts.AdminValue) {
				return true
			}
		}
	}
	return false
}

// resolveParty performs lazy discovery. The result is treated as immutable;
// concurrent initializers converge on an equivalent value.
func (p *Provider) resolveParty(ctx context.Context) (*relyingParty, error) {
	if party := p.party.Load(); party != nil {
		return party, nil
	}

	provider, err := gooidc.NewProvider(ctx, p.opts.Issuer)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", auth.ErrGatewayTimeout, err)
		}
		return nil, fmt.Errorf("%w: discovery: %v", auth.ErrServiceUnavailable, err)
	}

	var discovery struct {
		CodeChallengeMethods []string `json:"code_challenge_methods_supported"`
	}
	_ = provider.Claims(&discovery)

	endpoint := provider.Endpoint()
	if p.opts.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	party := &relyingParty{
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: p.opts.ClientID}),
		oauth: oauth2.Config{
			ClientID:     p.opts.ClientID,
			ClientSecret: p.opts.ClientSecret,
			RedirectURL:  p.opts.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       p.opts.Scopes,
		},
		pkce: slices.Contains(discovery.CodeChallengeMethods, "S256"),
	}
	p.party.Store(party)
	return party, nil
}

// setParty injects a pre-built relying party; tests use it to avoid
// discovery.
func (p *Provider) setParty(party *relyingParty) {
	p.party.Store(party)
}

// loopbackRedirect builds the desktop loopback redirect URI after checking
// the port allow-list.
func (p *Provider) loopbackRedirect(port int) (string, error) {
	if !slices.Contains(p.opts.DesktopPorts, port) {
		return "", fmt.Errorf("%w: loopback port %d not allowed", auth.ErrBadOAuthState, port)
	}
	return "http://127.0.0.1:" + strconv.Itoa(port) + p.callbackPath, nil
}

// deriveLogin picks the local login: preferred_username, else the email
// local-part, else the subject; trimmed and lower-cased.
func deriveLogin(preferred, email, sub string) string {
	if v := strings.ToLower(strings.TrimSpace(preferred)); v != "" {
		return v
	}
	if email != "" {
		local, _, _ := strings.Cut(email, "@")
		if v := strings.ToLower(strings.TrimSpace(local)); v != "" {
			return v
		}
	}
	return strings.ToLower(strings.TrimSpace(sub))
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
