package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for authentication outcomes. Callers classify with
// errors.Is; providers wrap these with context via fmt.Errorf("%w").
var (
	// ErrInvalidCredentials is terminal: never retried against another
	// server and never a reason to fall back to local passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountLocked indicates the local identity is inactive.
	ErrAccountLocked = errors.New("account locked")

	// ErrServiceUnavailable indicates every configured provider endpoint
	// failed with a connectivity-class error.
	ErrServiceUnavailable = errors.New("authentication service unavailable")

	// ErrGatewayTimeout indicates provider initialization (discovery) timed
	// out, distinct from runtime unavailability.
	ErrGatewayTimeout = errors.New("authentication service initialization timed out")

	// ErrUserNotFound indicates a valid external identity with
	// auto-provisioning disabled.
	ErrUserNotFound = errors.New("user not found")

	// ErrAccountMismatch indicates the external login no longer matches the
	// previously linked local login; accounts are never silently re-linked.
	ErrAccountMismatch = errors.New("external login does not match linked account")

	// ErrBadOAuthState covers missing or mismatched state, nonce, or PKCE
	// verifier during the OIDC callback.
	ErrBadOAuthState = errors.New("invalid oauth state")

	// ErrTokenExpired and ErrTokenInvalid are the two verification failures.
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// CSRFReason identifies which leg of the double-submit check failed.
type CSRFReason string

const (
	CSRFMissingClaim  CSRFReason = "missing_jwt_csrf"
	CSRFMissingHeader CSRFReason = "missing_header_csrf"
	CSRFMismatch      CSRFReason = "mismatch"
)

// CSRFError is returned by CSRF validation with a diagnostic sub-reason.
type CSRFError struct {
	Reason CSRFReason
}

func (e *CSRFError) Error() string {
	return fmt.Sprintf("csrf validation failed: %s", e.Reason)
}

// IsCSRFError extracts a CSRFError from an error chain.
func IsCSRFError(err error) (*CSRFError, bool) {
	var ce *CSRFError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
