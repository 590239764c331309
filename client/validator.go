// Package client is a small library for services that sit behind authd and
// need to verify its tokens locally: it fetches the published JWKS, caches
// it, and validates access or websocket tokens without calling back into the
// auth service on every request.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the token validator. JWKSURL is the only
// required field; it normally points at authd's /.well-known/jwks.json.
type ValidatorConfig struct {
	JWKSURL string

	// Issuer, when set, must match the token's iss claim.
	Issuer string

	// AllowedKinds restricts the accepted token kinds. Empty means ACCESS
	// only; socket services add WS.
	AllowedKinds []string

	// CookieName is the fallback cookie checked when no bearer header is
	// present. Empty means "access_token".
	CookieName string

	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Validator verifies authd-signed tokens against the published key set.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// Identity is the user snapshot carried inside a verified token.
type Identity struct {
	ID           int64    `json:"id"`
	Login        string   `json:"login"`
	Email        string   `json:"email"`
	FullName     string   `json:"fullName"`
	Language     string   `json:"language"`
	Role         string   `json:"role"`
	Applications []string `json:"applications"`
	TwoFaEnabled bool     `json:"twoFaEnabled"`
}

// Claims is the validated token content exposed to resource servers.
type Claims struct {
	Identity  Identity
	Kind      string
	Issuer    string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type tokenClaims struct {
	Identity     *Identity `json:"identity"`
	Kind         string    `json:"kind"`
	TwoFaPending bool      `json:"twoFaPending"`
	jwt.RegisteredClaims
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if len(cfg.AllowedKinds) == 0 {
		cfg.AllowedKinds = []string{"ACCESS"}
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "access_token"
	}
	return &Validator{cfg: cfg, client: client}
}

// Validate downloads the JWKS if necessary and validates the token.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	set, err := v.ensureJWKS(ctx, "")
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)

	claims := &tokenClaims{}
	tok, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// The auth service may have rotated; refetch on a kid miss.
			if _, err := v.ensureJWKS(ctx, kid); err == nil {
				key = findKey(v.currentSet(), kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return v.checkClaims(claims)
}

func (v *Validator) checkClaims(tc *tokenClaims) (*Claims, error) {
	if v.cfg.Issuer != "" && tc.RegisteredClaims.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	if tc.TwoFaPending {
		return nil, fmt.Errorf("pending token rejected")
	}
	allowed := false
	for _, kind := range v.cfg.AllowedKinds {
		if tc.Kind == kind {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("token kind %s rejected", tc.Kind)
	}
	if tc.Identity == nil || tc.Identity.Login == "" {
		return nil, fmt.Errorf("identity missing")
	}

	claims := &Claims{
		Identity: *tc.Identity,
		Kind:     tc.Kind,
		Issuer:   tc.RegisteredClaims.Issuer,
		TokenID:  tc.RegisteredClaims.ID,
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	return claims, nil
}

// HasRole checks the verified role against the required one.
func (c *Claims) HasRole(role string) bool {
	return strings.EqualFold(c.Identity.Role, role)
}

// RequireAuth is middleware for resource servers: it pulls the token from
// the Authorization header or the session cookie, validates it, and injects
// the claims into the request context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				if c, err := r.Cookie(v.cfg.CookieName); err == nil {
					token = c.Value
				}
			}
			if token == "" {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// RequireRole wraps RequireAuth and additionally demands a role.
func RequireRole(v *Validator, role string) func(http.Handler) http.Handler {
	requireAuth := RequireAuth(v)
	return func(next http.Handler) http.Handler {
		return requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := ClaimsFromContext(r.Context())
			if claims == nil || !claims.HasRole(role) {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

func (v *Validator) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(v.cfg.CacheTTL)

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func (v *Validator) currentSet() jose.JSONWebKeySet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cache.set
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}
