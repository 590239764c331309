package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"authd/auth"
	"authd/cache"
	"authd/ldap"
	"authd/oidc"
)

// Headers carrying second-factor material. Codes never travel in bodies so
// request logging stays safe to enable.
const (
	HeaderTwoFACode     = "x-auth-2fa-code"
	HeaderTwoFARecovery = "x-auth-2fa-recovery"
	HeaderPassword      = "x-auth-password"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Users   auth.UserRepository
	Keys    *auth.Keystore
	Issuer  *auth.Issuer
	Cookies auth.CookieConfig
	CSRF    *auth.CSRFValidator
	TwoFA   *auth.TwoFactor
	Orch    *auth.Orchestrator

	// OIDC is non-nil only when the oidc provider is selected.
	OIDC *oidc.Provider

	pending  cache.Cache
	stopKeys chan struct{}
}

// NewApp wires together the application state from configuration. The user
// repository is injected so deployments can bring their own storage.
func NewApp(ctx context.Context, cfg Config, users auth.UserRepository, logger *slog.Logger) (*App, error) {
	if users == nil {
		users = auth.NewMemoryUsers()
	}

	encKey, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}
	enc, err := auth.NewEncryptor(encKey)
	if err != nil {
		return nil, err
	}

	keys, err := auth.NewKeystore(cfg.Secrets.KeysPath, cfg.Secrets.RotateInterval.Std(), logger)
	if err != nil {
		return nil, err
	}

	signer := auth.NewCookieSigner([]byte(cfg.Secrets.CookieSignKey))
	cookies := cfg.CookieConfig()
	issuer := auth.NewIssuer(keys, signer, cfg.TokenTTLs(), cfg.Server.IssuerName, logger, nil)
	csrf := auth.NewCSRFValidator(cookies, signer, nil, logger)

	var pending cache.Cache
	redisCache, err := cache.NewRedis(cfg.Redis.URL, cfg.Redis.Prefix)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if redisCache != nil {
		pending = redisCache
	} else {
		logger.Info("redis not configured, using in-process pending-secret cache")
		pending = cache.NewMemory(nil)
	}

	twofa := auth.NewTwoFactor(users, pending, enc, cfg.Totp.Issuer, NewLogNotifier(logger), logger, nil)

	local := auth.NewLocalProvider(users, logger)
	reconciler := auth.NewReconciler(users, logger)

	var provider auth.Provider
	var oidcProvider *oidc.Provider
	switch cfg.Provider {
	case "local":
		provider = local
	case "ldap":
		provider = ldap.New(cfg.LDAPOptions(), nil, users, local, reconciler, logger)
	case "oidc":
		oidcProvider, err = oidc.New(cfg.OIDCOptions(), users, local, reconciler, logger)
		if err != nil {
			return nil, err
		}
		provider = oidcProvider
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}

	orch := auth.NewOrchestrator(provider, users, issuer, cookies, twofa, cfg.Totp.Enabled, logger)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Users:    users,
		Keys:     keys,
		Issuer:   issuer,
		Cookies:  cookies,
		CSRF:     csrf,
		TwoFA:    twofa,
		Orch:     orch,
		OIDC:     oidcProvider,
		pending:  pending,
		stopKeys: make(chan struct{}),
	}
	go keys.StartRotation(app.stopKeys)

	return app, nil
}

// Close stops background work and releases the cache connection.
func (a *App) Close() error {
	close(a.stopKeys)
	if c, ok := a.pending.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	TwoFaPending bool         `json:"two_fa_pending"`
	User         *userPayload `json:"user,omitempty"`
}

type userPayload struct {
	ID            int64    `json:"id"`
	Login         string   `json:"login"`
	Email         string   `json:"email"`
	FirstName     string   `json:"first_name,omitempty"`
	LastName      string   `json:"last_name,omitempty"`
	DisplayName   string   `json:"display_name"`
	Role          string   `json:"role"`
	Language      string   `json:"language,omitempty"`
	TwoFaEnabled  bool     `json:"two_fa_enabled"`
	Applications  []string `json:"applications,omitempty"`
}

func newUserPayload(id *auth.Identity) *userPayload {
	return &userPayload{
		ID:           id.ID,
		Login:        id.Login,
		Email:        id.Email,
		FirstName:    id.FirstName,
		LastName:     id.LastName,
		DisplayName:  id.DisplayName(),
		Role:         string(id.Role),
		Language:     id.Language,
		TwoFaEnabled: id.TwoFactorEnabled(),
		Applications: id.Applications,
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Login == "" || req.Password == "" {
		http.Error(w, "login and password are required", http.StatusBadRequest)
		return
	}

	result, err := a.Orch.Login(r.Context(), w, auth.Credentials{Login: req.Login, Password: req.Password})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}

	resp := loginResponse{TwoFaPending: result.TwoFaPending}
	if !result.TwoFaPending {
		resp.User = newUserPayload(result.Identity)
	}
	writeJSON(w, resp)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Orch.Logout(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(a.Cookies.RefreshName)
	if err != nil || cookie.Value == "" {
		http.Error(w, "missing refresh token", http.StatusUnauthorized)
		return
	}

	claims, err := a.Issuer.Verify(cookie.Value, auth.KindRefresh)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if err := a.CSRF.Validate(r, claims); err != nil {
		a.writeAuthError(w, r, err)
		return
	}

	result, err := a.Orch.RefreshSession(r.Context(), w, claims)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, loginResponse{User: newUserPayload(result.Identity)})
}

func (a *App) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	desktopPort := 0
	if v := r.URL.Query().Get("desktop_port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid desktop_port", http.StatusBadRequest)
			return
		}
		desktopPort = port
	}

	url, err := a.OIDC.Begin(r.Context(), w, desktopPort)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (a *App) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	identity, err := a.OIDC.Callback(r.Context(), w, r)
	if err != nil {
		a.Logger.Warn("oidc callback failed", "error", err)
		a.writeAuthError(w, r, err)
		return
	}
	if !identity.Active {
		http.Error(w, "account locked", http.StatusForbidden)
		return
	}

	if _, err := a.Orch.EstablishSession(w, identity); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, a.Config.Server.PublicURL, http.StatusFound)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.currentIdentity(w, r)
	if !ok {
		return
	}
	writeJSON(w, newUserPayload(identity))
}

func (a *App) handleTwoFAInit(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.currentIdentity(w, r)
	if !ok {
		return
	}
	// Externally provisioned accounts (oidc) carry no local hash; for those
	// the live session is the only proof we can ask for.
	if identity.PasswordHash != "" && !auth.CheckPassword(identity.PasswordHash, r.Header.Get(HeaderPassword)) {
		http.Error(w, "invalid password", http.StatusUnauthorized)
		return
	}

	enrollment, err := a.TwoFA.Init(r.Context(), identity)
	if err != nil {
		a.Logger.Error("two-factor init failed", "error", err, "user", identity.Login)
		http.Error(w, "enrollment failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{
		"secret": enrollment.Secret,
		"qr_png": base64.StdEncoding.EncodeToString(enrollment.QRPNG),
	})
}

func (a *App) handleTwoFAEnable(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.currentIdentity(w, r)
	if !ok {
		return
	}

	codes, err := a.TwoFA.Enable(r.Context(), identity, r.Header.Get(HeaderTwoFACode))
	switch {
	case errors.Is(err, auth.ErrNoPendingSecret):
		http.Error(w, "no pending enrollment", http.StatusConflict)
		return
	case errors.Is(err, auth.ErrInvalidTwoFaCode):
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	case err != nil:
		a.Logger.Error("two-factor enable failed", "error", err, "user", identity.Login)
		http.Error(w, "enable failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string][]string{"recovery_codes": codes})
}

func (a *App) handleTwoFADisable(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.currentIdentity(w, r)
	if !ok {
		return
	}

	result, err := a.TwoFA.Disable(r.Context(), identity,
		r.Header.Get(HeaderTwoFACode), recoveryRequested(r))
	if err != nil {
		if errors.Is(err, auth.ErrTwoFaNotEnabled) {
			http.Error(w, "two-factor not enabled", http.StatusConflict)
			return
		}
		a.Logger.Error("two-factor disable failed", "error", err, "user", identity.Login)
		http.Error(w, "disable failed", http.StatusInternalServerError)
		return
	}
	if !result.Success {
		http.Error(w, result.Message, http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleTwoFALoginVerify(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	result, err := a.Orch.VerifyTwoFactorLogin(r.Context(), w, claims,
		r.Header.Get(HeaderTwoFACode), recoveryRequested(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, loginResponse{User: newUserPayload(result.Identity)})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Keys.PublicJWKS())
}

// requireSession verifies the access token cookie and the double-submit csrf
// material before the handler runs.
func (a *App) requireSession(next http.Handler) http.Handler {
	return a.requireToken(next, auth.KindAccess, func(c auth.CookieConfig) string { return c.AccessName })
}

// requirePending is the gate for the second login step: only the short-lived
// pending token pair is accepted.
func (a *App) requirePending(next http.Handler) http.Handler {
	return a.requireToken(next, auth.KindAccess2FA, func(c auth.CookieConfig) string { return c.Access2FAName })
}

func (a *App) requireToken(next http.Handler, kind auth.Kind, name func(auth.CookieConfig) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(name(a.Cookies))
		if err != nil || cookie.Value == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		claims, err := a.Issuer.Verify(cookie.Value, kind)
		if err != nil {
			a.writeAuthError(w, r, err)
			return
		}
		if err := a.CSRF.Validate(r, claims); err != nil {
			a.writeAuthError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// currentIdentity resolves the session claims to a fresh identity record.
func (a *App) currentIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.Identity == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}

	identity, err := a.Users.FindByLogin(r.Context(), claims.Identity.Login)
	if err != nil {
		a.Logger.Error("identity lookup failed", "error", err, "user", claims.Identity.Login)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return nil, false
	}
	if identity == nil || !identity.Active {
		http.Error(w, "account unavailable", http.StatusUnauthorized)
		return nil, false
	}
	return identity, true
}

func (a *App) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := auth.IsCSRFError(err); ok {
		http.Error(w, "csrf validation failed", http.StatusForbidden)
		return
	}
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		http.Error(w, "token expired", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrTokenInvalid):
		http.Error(w, "invalid token", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrAccountMismatch):
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrAccountLocked):
		http.Error(w, "account locked", http.StatusForbidden)
	case errors.Is(err, auth.ErrBadOAuthState):
		http.Error(w, "invalid authorization state", http.StatusBadRequest)
	case errors.Is(err, auth.ErrServiceUnavailable):
		http.Error(w, "authentication service unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, auth.ErrGatewayTimeout):
		http.Error(w, "authentication service timeout", http.StatusGatewayTimeout)
	default:
		a.Logger.Error("authentication error", "error", err, "path", r.URL.Path)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func recoveryRequested(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get(HeaderTwoFARecovery), "true")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
