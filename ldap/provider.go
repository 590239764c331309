package ldap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"authd/auth"
)

// AdminScopeBase searches the admin group DN itself; AdminScopeSub searches
// under the base DN filtered by the group CN.
const (
	AdminScopeBase = "base"
	AdminScopeSub  = "sub"
)

// Options configures the directory provider. Service-bind mode is selected
// by the presence of BindDN/BindPassword; otherwise the provider binds
// directly as the user.
type Options struct {
	Servers       []string
	BaseDN        string
	Dialect       Dialect
	LoginAttr     string
	BindDN        string
	BindPassword  string
	UPNSuffix     string
	NetBIOSDomain string

	// ExtraFilter is trusted configuration ANDed onto the user filter.
	ExtraFilter string

	AdminGroup      string
	AdminGroupScope string

	AutoCreateUser             bool
	EnablePasswordAuthFallback bool

	Timeout time.Duration
}

// Provider authenticates against an LDAP or Active Directory server and
// converges the local identity through the shared reconciler.
type Provider struct {
	opts       Options
	dial       Dialer
	users      auth.UserRepository
	local      *auth.LocalProvider
	reconciler *auth.Reconciler
	logger     *slog.Logger
}

// New constructs the provider. dial may be nil to use the production
// go-ldap dialer.
func New(opts Options, dial Dialer, users auth.UserRepository, local *auth.LocalProvider, reconciler *auth.Reconciler, logger *slog.Logger) *Provider {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.AdminGroupScope == "" {
		opts.AdminGroupScope = AdminScopeBase
	}
	if dial == nil {
		dial = NetDialer(opts.Timeout)
	}
	return &Provider{opts: opts, dial: dial, users: users, local: local, reconciler: reconciler, logger: logger}
}

// Name identifies the provider.
func (p *Provider) Name() string { return "ldap" }

// Authenticate resolves the local user, authenticates against the directory
// servers in order, and reconciles the result. Guests and scoped (app
// password) requests short-circuit to the local store; connectivity-class
// directory failures may fall back to local passwords per policy.
func (p *Provider) Authenticate(ctx context.Context, creds auth.Credentials) (*auth.Identity, error) {
	local, err := p.users.FindByLogin(ctx, creds.Login)
	if err != nil {
		return nil, err
	}
	if creds.Scoped || (local != nil && local.Guest) {
		return p.local.Authenticate(ctx, creds)
	}

	entry, admin, err := p.bindAndSearch(ctx, creds)
	if err != nil {
		// Only an outage (every server unreachable) may fall back to the
		// local password; definitive directory answers are surfaced as-is.
		if errors.Is(err, auth.ErrServiceUnavailable) {
			return p.fallback(ctx, local, creds, err)
		}
		return nil, err
	}

	ext := auth.ExternalIdentity{
		Login:     entry.Login,
		Email:     entry.Email,
		FirstName: entry.FirstName,
		LastName:  entry.LastName,
		Admin:     admin,
		Password:  creds.Password,
	}
	return p.reconciler.Reconcile(ctx, local, ext, auth.ReconcileOptions{
		AutoCreate:           p.opts.AutoCreateUser,
		AdminGroupConfigured: p.opts.AdminGroup != "",
	})
}

// fallback applies the local-password policy after a connectivity-class
// directory failure. Administrators always may (break-glass); regular users
// only when enabled. This deliberately also covers admins provisioned by
// other providers; see DESIGN.md.
func (p *Provider) fallback(ctx context.Context, local *auth.Identity, creds auth.Credentials, cause error) (*auth.Identity, error) {
	if local == nil {
		return nil, cause
	}
	if !local.IsAdmin() && !p.opts.EnablePasswordAuthFallback {
		return nil, cause
	}

	p.logger.Warn("directory unavailable, trying local password fallback",
		"user", creds.Login, "admin", local.IsAdmin(), "error", cause)
	identity, err := p.local.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, cause
	}
	return identity, nil
}

// bindAndSearch iterates the configured servers in order. The loop stops at
// the first definitive answer: a successful search or an invalid-credentials
// rejection. Connectivity errors are recorded and only escalate once every
// server has failed.
func (p *Provider) bindAndSearch(ctx context.Context, creds auth.Credentials) (*Entry, bool, error) {
	if len(p.opts.Servers) == 0 {
		return nil, false, fmt.Errorf("%w: no ldap servers configured", auth.ErrServiceUnavailable)
	}

	var lastErr error
	for _, url := range p.opts.Servers {
		entry, admin, err := p.tryServer(ctx, url, creds)
		if err == nil {
			return entry, admin, nil
		}
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserNotFound) {
			return nil, false, err
		}
		if !isConnectivityError(err) {
			// A reachable server gave a definitive refusal (unwilling to
			// perform, size limit, ...); the next server would say the same.
			return nil, false, err
		}
		p.logger.Warn("ldap server attempt failed", "server", url, "error", err)
		lastErr = err
	}
	return nil, false, fmt.Errorf("%w: %v", auth.ErrServiceUnavailable, lastErr)
}

// tryServer runs one full attempt against one server on a fresh connection.
func (p *Provider) tryServer(ctx context.Context, url string, creds auth.Credentials) (*Entry, bool, error) {
	conn, err := p.dial(ctx, url)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	var entry *Entry
	if p.opts.BindDN != "" {
		entry, err = p.serviceBindSearch(conn, creds)
	} else {
		entry, err = p.directBindSearch(conn, creds)
	}
	if err != nil {
		return nil, false, p.classify(err)
	}

	admin, err := p.resolveAdmin(conn, entry)
	if err != nil {
		// Admin resolution is best effort: a failed group search must not
		// block a user whose credentials already verified.
		p.logger.Warn("admin group search failed", "user", entry.Login, "error", err)
	}
	return entry, admin, nil
}

// directBindSearch binds as the user and searches on that same connection.
func (p *Provider) directBindSearch(conn Conn, creds auth.Credentials) (*Entry, error) {
	if err := conn.Bind(p.opts.directBindDN(creds.Login), creds.Password); err != nil {
		return nil, err
	}
	return p.searchUser(conn, creds.Login)
}

// serviceBindSearch binds as the service account, locates the user's DN,
// then re-binds as that DN with the user's password to verify credentials.
func (p *Provider) serviceBindSearch(conn Conn, creds auth.Credentials) (*Entry, error) {
	if err := conn.Bind(p.opts.BindDN, p.opts.BindPassword); err != nil {
		return nil, fmt.Errorf("service bind: %w", err)
	}

	entry, err := p.searchUser(conn, creds.Login)
	if err != nil {
		return nil, err
	}
	if entry.DN == "" {
		return nil, goldap.NewError(goldap.LDAPResultInvalidCredentials, errors.New("user entry has no dn"))
	}

	if err := conn.Bind(entry.DN, creds.Password); err != nil {
		return nil, err
	}
	return entry, nil
}

func (p *Provider) searchUser(conn Conn, login string) (*Entry, error) {
	req := goldap.NewSearchRequest(
		p.opts.BaseDN,
		goldap.ScopeWholeSubtree,
		goldap.NeverDerefAliases,
		0, 0, false,
		p.opts.BuildFilter(login),
		p.opts.searchAttributes(),
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, goldap.NewError(goldap.LDAPResultInvalidCredentials, errors.New("no matching entry"))
	}

	entry := p.opts.normalizeEntry(res.Entries[0])
	return &entry, nil
}

// resolveAdmin decides administrator status: either the configured group is
// already present in the normalized memberOf set, or a groupOfNames search
// for member=<userDN> returns at least one entry. A hit found by search is
// merged back into the in-memory membership list.
func (p *Provider) resolveAdmin(conn Conn, entry *Entry) (bool, error) {
	group := p.opts.AdminGroup
	if group == "" {
		return false, nil
	}
	if entry.hasGroup(group) {
		return true, nil
	}
	if entry.DN == "" {
		return false, nil
	}

	member := goldap.EscapeFilter(entry.DN)
	var req *goldap.SearchRequest
	if p.opts.AdminGroupScope == AdminScopeSub {
		cn := firstCN(group)
		if cn == "" {
			cn = group
		}
		req = goldap.NewSearchRequest(
			p.opts.BaseDN,
			goldap.ScopeWholeSubtree,
			goldap.NeverDerefAliases,
			0, 0, false,
			fmt.Sprintf("(&(objectClass=groupOfNames)(cn=%s)(member=%s))", goldap.EscapeFilter(cn), member),
			[]string{"cn"},
			nil,
		)
	} else {
		req = goldap.NewSearchRequest(
			group,
			goldap.ScopeBaseObject,
			goldap.NeverDerefAliases,
			0, 0, false,
			fmt.Sprintf("(&(objectClass=groupOfNames)(member=%s))", member),
			[]string{"cn"},
			nil,
		)
	}

	res, err := conn.Search(req)
	if err != nil {
		return false, err
	}
	if len(res.Entries) == 0 {
		return false, nil
	}

	entry.MemberOf = expandGroups(append(entry.MemberOf, group))
	return true, nil
}

// classify maps go-ldap errors onto the auth taxonomy.
func (p *Provider) classify(err error) error {
	switch {
	case isInvalidCredentials(err):
		return fmt.Errorf("%w: %v", auth.ErrInvalidCredentials, err)
	case isConnectivityError(err):
		return err
	default:
		return err
	}
}
