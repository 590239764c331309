package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// LoginResult reports the outcome of a login attempt. When TwoFaPending is
// true only the ACCESS_2FA/CSRF_2FA pair was issued and the caller must
// complete verification at the 2FA endpoint.
type LoginResult struct {
	Identity     *Identity
	Set          *TokenSet
	TwoFaPending bool
}

// Orchestrator drives a login end to end: provider authentication, 2FA
// gating, and token/cookie issuance. The provider is resolved once at
// configuration-load time.
type Orchestrator struct {
	provider    Provider
	users       UserRepository
	issuer      *Issuer
	cookies     CookieConfig
	twofa       *TwoFactor
	totpEnabled bool
	logger      *slog.Logger
}

// NewOrchestrator wires the orchestrator. totpEnabled is the server-wide
// switch; identities additionally opt in individually.
func NewOrchestrator(provider Provider, users UserRepository, issuer *Issuer, cookies CookieConfig, twofa *TwoFactor, totpEnabled bool, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		provider:    provider,
		users:       users,
		issuer:      issuer,
		cookies:     cookies,
		twofa:       twofa,
		totpEnabled: totpEnabled,
		logger:      logger,
	}
}

// Login authenticates the credentials and writes the resulting cookie set.
func (o *Orchestrator) Login(ctx context.Context, w http.ResponseWriter, creds Credentials) (*LoginResult, error) {
	identity, err := o.provider.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, ErrInvalidCredentials
	}
	if !identity.Active {
		return nil, fmt.Errorf("%w: %s", ErrAccountLocked, identity.Login)
	}

	return o.EstablishSession(w, identity)
}

// EstablishSession issues tokens for an already-authenticated identity,
// applying the 2FA gate. OIDC callback handling reuses it after the code
// exchange.
func (o *Orchestrator) EstablishSession(w http.ResponseWriter, identity *Identity) (*LoginResult, error) {
	if o.totpEnabled && identity.TwoFactorEnabled() {
		set, err := o.issuer.IssuePendingSet(identity)
		if err != nil {
			return nil, err
		}
		o.cookies.WriteSet(w, set)
		o.logger.Info("login pending two-factor", "user", identity.Login, "provider", o.provider.Name())
		return &LoginResult{Identity: identity, Set: set, TwoFaPending: true}, nil
	}

	set, err := o.issuer.IssueLoginSet(identity)
	if err != nil {
		return nil, err
	}
	o.cookies.WriteSet(w, set)
	o.logger.Info("session established", "user", identity.Login, "provider", o.provider.Name())
	return &LoginResult{Identity: identity, Set: set}, nil
}

// VerifyTwoFactorLogin upgrades a pending login: on a valid code it discards
// the pending pair and issues the full session set.
func (o *Orchestrator) VerifyTwoFactorLogin(ctx context.Context, w http.ResponseWriter, pending *Claims, code string, recovery bool) (*LoginResult, error) {
	if !pending.TwoFaPending || pending.Identity == nil {
		return nil, ErrTokenInvalid
	}

	identity, err := o.users.FindByLogin(ctx, pending.Identity.Login)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, pending.Identity.Login)
	}
	if !identity.Active {
		return nil, fmt.Errorf("%w: %s", ErrAccountLocked, identity.Login)
	}

	result, err := o.twofa.Verify(ctx, identity, code, recovery)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		o.logger.Warn("two-factor verification failed", "user", identity.Login)
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, result.Message)
	}

	set, err := o.issuer.IssueLoginSet(identity)
	if err != nil {
		return nil, err
	}
	o.cookies.ClearPending(w)
	o.cookies.WriteSet(w, set)
	o.logger.Info("two-factor verified, session established", "user", identity.Login)
	return &LoginResult{Identity: identity, Set: set}, nil
}

// RefreshSession reshapes the remaining lifetime of a refresh token into a
// fresh cookie set. The original absolute expiry is never extended.
func (o *Orchestrator) RefreshSession(ctx context.Context, w http.ResponseWriter, claims *Claims) (*LoginResult, error) {
	if claims.Identity == nil || claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}

	identity, err := o.users.FindByLogin(ctx, claims.Identity.Login)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, claims.Identity.Login)
	}
	if !identity.Active {
		return nil, fmt.Errorf("%w: %s", ErrAccountLocked, identity.Login)
	}

	set, err := o.issuer.Refresh(identity, claims.ExpiresAt.Time)
	if err != nil {
		return nil, err
	}
	o.cookies.WriteSet(w, set)
	return &LoginResult{Identity: identity, Set: set}, nil
}

// Logout clears the session cookie set.
func (o *Orchestrator) Logout(w http.ResponseWriter) {
	o.cookies.ClearSession(w)
}
