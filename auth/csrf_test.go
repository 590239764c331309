package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestCSRFValidator(t *testing.T) (*CSRFValidator, *CookieSigner, CookieConfig) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer := NewCookieSigner([]byte("csrf-test-key"))
	cookies := DefaultCookieConfig()
	return NewCSRFValidator(cookies, signer, nil, logger), signer, cookies
}

func csrfRequest(method, cookieName, cookieValue, header string) *http.Request {
	r := httptest.NewRequest(method, "/api/things", nil)
	if cookieValue != "" {
		r.AddCookie(&http.Cookie{Name: cookieName, Value: cookieValue})
	}
	if header != "" {
		r.Header.Set(cookieName, header)
	}
	return r
}

func TestCSRFSafeMethodsSkipped(t *testing.T) {
	v, _, _ := newTestCSRFValidator(t)
	claims := &Claims{CSRF: "value"}

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		r := csrfRequest(method, "csrf_token", "anything-at-all", "")
		if err := v.Validate(r, claims); err != nil {
			t.Fatalf("%s must never be csrf-checked: %v", method, err)
		}
	}
}

func TestCSRFSkippedWithoutCookie(t *testing.T) {
	v, _, _ := newTestCSRFValidator(t)
	r := csrfRequest(http.MethodPost, "", "", "")
	if err := v.Validate(r, &Claims{CSRF: "value"}); err != nil {
		t.Fatalf("bearer-only request must skip csrf: %v", err)
	}
}

func TestCSRFHappyPath(t *testing.T) {
	v, signer, _ := newTestCSRFValidator(t)
	r := csrfRequest(http.MethodPost, "csrf_token", signer.Sign("value"), "value")
	if err := v.Validate(r, &Claims{CSRF: "value"}); err != nil {
		t.Fatalf("valid double-submit rejected: %v", err)
	}
}

func TestCSRFFailures(t *testing.T) {
	v, signer, _ := newTestCSRFValidator(t)

	tests := []struct {
		name   string
		req    *http.Request
		claims *Claims
		reason CSRFReason
	}{
		{
			name:   "missing claim",
			req:    csrfRequest(http.MethodPost, "csrf_token", signer.Sign("value"), "value"),
			claims: &Claims{},
			reason: CSRFMissingClaim,
		},
		{
			name:   "missing header",
			req:    csrfRequest(http.MethodPost, "csrf_token", signer.Sign("value"), ""),
			claims: &Claims{CSRF: "value"},
			reason: CSRFMissingHeader,
		},
		{
			name:   "header mismatch",
			req:    csrfRequest(http.MethodPost, "csrf_token", signer.Sign("value"), "other"),
			claims: &Claims{CSRF: "value"},
			reason: CSRFMismatch,
		},
		{
			name:   "tampered cookie",
			req:    csrfRequest(http.MethodPost, "csrf_token", "value.badsig", "value"),
			claims: &Claims{CSRF: "value"},
			reason: CSRFMismatch,
		},
		{
			name:   "cookie for different value",
			req:    csrfRequest(http.MethodPost, "csrf_token", signer.Sign("stale"), "value"),
			claims: &Claims{CSRF: "value"},
			reason: CSRFMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.req, tc.claims)
			ce, ok := IsCSRFError(err)
			if !ok {
				t.Fatalf("expected CSRFError, got %v", err)
			}
			if ce.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, ce.Reason)
			}
		})
	}
}

func TestCSRFPendingUsesTwoFACookie(t *testing.T) {
	v, signer, _ := newTestCSRFValidator(t)

	// The pending claims select the 2fa csrf cookie; the regular cookie's
	// absence must not skip the check once the 2fa cookie is present.
	r := csrfRequest(http.MethodPost, "csrf_token_2fa", signer.Sign("pending-value"), "pending-value")
	claims := &Claims{CSRF: "pending-value", TwoFaPending: true}
	if err := v.Validate(r, claims); err != nil {
		t.Fatalf("pending double-submit rejected: %v", err)
	}

	r = csrfRequest(http.MethodPost, "csrf_token_2fa", signer.Sign("pending-value"), "other")
	if err := v.Validate(r, claims); err == nil {
		t.Fatalf("expected mismatch on pending pair")
	}
}

func TestCSRFPendingHeaderSharesCookieName(t *testing.T) {
	v, signer, _ := newTestCSRFValidator(t)

	// A pending session echoing the value under the regular header name is
	// missing the 2fa-named header the variant requires.
	r := csrfRequest(http.MethodPost, "csrf_token_2fa", signer.Sign("pending-value"), "")
	r.Header.Set("csrf_token", "pending-value")
	claims := &Claims{CSRF: "pending-value", TwoFaPending: true}

	err := v.Validate(r, claims)
	ce, ok := IsCSRFError(err)
	if !ok {
		t.Fatalf("expected CSRFError, got %v", err)
	}
	if ce.Reason != CSRFMissingHeader {
		t.Fatalf("expected reason %s, got %s", CSRFMissingHeader, ce.Reason)
	}
}
