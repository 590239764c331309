// Package ldap implements the LDAP/Active Directory identity provider.
package ldap

import (
	"context"
	"errors"
	"net"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
)

// Conn is the slice of the LDAP client the provider uses. go-ldap's *Conn
// satisfies it; tests inject fakes.
type Conn interface {
	Bind(username, password string) error
	Search(req *goldap.SearchRequest) (*goldap.SearchResult, error)
	Close() error
}

// Dialer opens a connection to one server URL. A new connection is created
// per server per authentication attempt and closed when the attempt ends;
// connections are never pooled.
type Dialer func(ctx context.Context, url string) (Conn, error)

// NetDialer returns the production dialer built on go-ldap.
func NetDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, err := goldap.DialURL(url, goldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetTimeout(time.Until(deadline))
		}
		return conn, nil
	}
}

// isInvalidCredentials classifies definitive credential rejections, which
// stop the server iteration and never trigger local fallback.
func isInvalidCredentials(err error) bool {
	return goldap.IsErrorAnyOf(err,
		goldap.LDAPResultInvalidCredentials,
		goldap.LDAPResultInvalidDNSyntax,
		goldap.LDAPResultInsufficientAccessRights,
	)
}

// isConnectivityError classifies refused/timeout/unreachable failures, which
// are recorded and escalate to a retryable service error only once every
// server has failed.
func isConnectivityError(err error) bool {
	if goldap.IsErrorWithCode(err, goldap.ErrorNetwork) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
