package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind enumerates the cooperating token kinds issued for a session.
type Kind string

const (
	KindAccess    Kind = "ACCESS"
	KindRefresh   Kind = "REFRESH"
	KindWS        Kind = "WS"
	KindCSRF      Kind = "CSRF"
	KindAccess2FA Kind = "ACCESS_2FA"
	KindCSRF2FA   Kind = "CSRF_2FA"
)

// Subject is the identity snapshot embedded in access-bearing tokens. The
// 2FA-pending variants restrict it to id, login, language, and role.
type Subject struct {
	ID                 int64    `json:"id"`
	Login              string   `json:"login"`
	Email              string   `json:"email,omitempty"`
	FullName           string   `json:"fullName,omitempty"`
	Language           string   `json:"language,omitempty"`
	Role               Role     `json:"role"`
	Applications       []string `json:"applications,omitempty"`
	ImpersonatedFromID int64    `json:"impersonatedFromId,omitempty"`
	ImpersonatedClient string   `json:"impersonatedClientId,omitempty"`
	ClientID           string   `json:"clientId,omitempty"`
	TwoFaEnabled       bool     `json:"twoFaEnabled,omitempty"`
}

// Claims is the signed payload of every token kind. CSRF kinds carry only
// the csrf value; 2FA-pending kinds carry the restricted identity and the
// twoFaPending marker.
type Claims struct {
	Identity     *Subject `json:"identity,omitempty"`
	CSRF         string   `json:"csrf,omitempty"`
	Kind         Kind     `json:"kind"`
	TwoFaPending bool     `json:"twoFaPending,omitempty"`
	jwt.RegisteredClaims
}

// TokenTTLConfig holds per-kind lifetimes.
type TokenTTLConfig struct {
	Access  time.Duration
	Refresh time.Duration
	WS      time.Duration
	Pending time.Duration
}

// Token couples an encoded token with its kind and remaining lifetime so the
// cookie writer can place it.
type Token struct {
	Kind  Kind
	Value string
	TTL   time.Duration
}

// TokenSet is the ordered token list minted for one login or refresh.
type TokenSet struct {
	Tokens []Token
	// CSRF is the raw double-submit value bound into the set.
	CSRF string
	// Pending is true for the ACCESS_2FA/CSRF_2FA pair.
	Pending bool
}

// Issuer mints and verifies the signed, expiring tokens for each kind.
// CSRF kinds are not bearer tokens: their value is the raw csrf string
// integrity-protected by the cookie signer.
type Issuer struct {
	keys   *Keystore
	signer *CookieSigner
	ttl    TokenTTLConfig
	issuer string
	logger *slog.Logger
	now    func() time.Time
}

// NewIssuer constructs an Issuer. The clock is injectable for tests; pass
// nil for time.Now.
func NewIssuer(keys *Keystore, signer *CookieSigner, ttl TokenTTLConfig, issuerName string, logger *slog.Logger, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{keys: keys, signer: signer, ttl: ttl, issuer: issuerName, logger: logger, now: now}
}

// Issue signs one token of the given kind. csrf is bound into the claims for
// the kinds that carry it and ignored otherwise.
func (i *Issuer) Issue(identity *Identity, kind Kind, ttl time.Duration, csrf string) (string, error) {
	now := i.now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	switch kind {
	case KindCSRF, KindCSRF2FA:
		return i.signer.Sign(csrf), nil
	case KindAccess2FA:
		claims.Identity = pendingSubject(identity)
		claims.TwoFaPending = true
		claims.CSRF = csrf
	case KindAccess, KindRefresh:
		claims.Identity = fullSubject(identity)
		claims.CSRF = csrf
	case KindWS:
		claims.Identity = fullSubject(identity)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrTokenInvalid, kind)
	}

	return i.keys.Sign(claims)
}

// Verify parses a token and checks that it is of the expected kind.
func (i *Issuer) Verify(token string, kind Kind) (*Claims, error) {
	if kind == KindCSRF || kind == KindCSRF2FA {
		value, err := i.signer.Unsign(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return &Claims{Kind: kind, CSRF: value}, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, i.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: kind %q where %q expected", ErrTokenInvalid, claims.Kind, kind)
	}
	return claims, nil
}

// IssueLoginSet mints the full REFRESH, ACCESS, WS, CSRF set for an
// established session, bound together by a fresh csrf value.
func (i *Issuer) IssueLoginSet(identity *Identity) (*TokenSet, error) {
	return i.issueSet(identity, i.ttl.Access, i.ttl.Refresh, i.ttl.WS, i.ttl.Refresh)
}

// IssuePendingSet mints only the ACCESS_2FA/CSRF_2FA pair, scoped to the
// 2FA verification endpoint.
func (i *Issuer) IssuePendingSet(identity *Identity) (*TokenSet, error) {
	csrf := uuid.NewString()
	access, err := i.Issue(identity, KindAccess2FA, i.ttl.Pending, csrf)
	if err != nil {
		return nil, err
	}
	csrfToken, err := i.Issue(identity, KindCSRF2FA, i.ttl.Pending, csrf)
	if err != nil {
		return nil, err
	}
	return &TokenSet{
		Tokens: []Token{
			{Kind: KindAccess2FA, Value: access, TTL: i.ttl.Pending},
			{Kind: KindCSRF2FA, Value: csrfToken, TTL: i.ttl.Pending},
		},
		CSRF:    csrf,
		Pending: true,
	}, nil
}

// Refresh re-issues the set from a live refresh token. The access token gets
// a full TTL; refresh, websocket, and csrf tokens get only the remaining
// lifetime, so a stolen refresh token can never extend a session past its
// original absolute expiry.
func (i *Issuer) Refresh(identity *Identity, exp time.Time) (*TokenSet, error) {
	remaining := exp.Sub(i.now())
	if remaining <= 0 {
		return nil, ErrTokenExpired
	}
	return i.issueSet(identity, i.ttl.Access, remaining, remaining, remaining)
}

func (i *Issuer) issueSet(identity *Identity, accessTTL, refreshTTL, wsTTL, csrfTTL time.Duration) (*TokenSet, error) {
	csrf := uuid.NewString()

	refresh, err := i.Issue(identity, KindRefresh, refreshTTL, csrf)
	if err != nil {
		return nil, err
	}
	access, err := i.Issue(identity, KindAccess, accessTTL, csrf)
	if err != nil {
		return nil, err
	}
	ws, err := i.Issue(identity, KindWS, wsTTL, "")
	if err != nil {
		return nil, err
	}
	csrfToken, err := i.Issue(identity, KindCSRF, csrfTTL, csrf)
	if err != nil {
		return nil, err
	}

	return &TokenSet{
		Tokens: []Token{
			{Kind: KindRefresh, Value: refresh, TTL: refreshTTL},
			{Kind: KindAccess, Value: access, TTL: accessTTL},
			{Kind: KindWS, Value: ws, TTL: wsTTL},
			{Kind: KindCSRF, Value: csrfToken, TTL: csrfTTL},
		},
		CSRF: csrf,
	}, nil
}

func fullSubject(id *Identity) *Subject {
	return &Subject{
		ID:           id.ID,
		Login:        id.Login,
		Email:        id.Email,
		FullName:     id.DisplayName(),
		Language:     id.Language,
		Role:         id.Role,
		Applications: append([]string(nil), id.Applications...),
		TwoFaEnabled: id.TwoFactorEnabled(),
	}
}

func pendingSubject(id *Identity) *Subject {
	return &Subject{
		ID:           id.ID,
		Login:        id.Login,
		Language:     id.Language,
		Role:         id.Role,
		TwoFaEnabled: true,
	}
}
