package ldap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"

	"authd/auth"
)

type fakeConn struct {
	bind   func(dn, password string) error
	search func(req *goldap.SearchRequest) (*goldap.SearchResult, error)
}

func (c *fakeConn) Bind(dn, password string) error {
	return c.bind(dn, password)
}

func (c *fakeConn) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	return c.search(req)
}

func (c *fakeConn) Close() error { return nil }

func userResult(dn string, memberOf ...string) *goldap.SearchResult {
	return &goldap.SearchResult{Entries: []*goldap.Entry{rawEntry(dn, map[string][]string{
		"uid":       {"jdoe"},
		"mail":      {"jdoe@example.com"},
		"givenName": {"Jane"},
		"sn":        {"Doe"},
		"memberOf":  memberOf,
	})}}
}

func newTestProvider(t *testing.T, opts Options, dial Dialer) (*Provider, *auth.MemoryUsers) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := auth.NewMemoryUsers()
	local := auth.NewLocalProvider(users, logger)
	reconciler := auth.NewReconciler(users, logger)
	return New(opts, dial, users, local, reconciler, logger), users
}

func singleServerOpts() Options {
	return Options{
		Servers:        []string{"ldap://one.example.com"},
		BaseDN:         "dc=example,dc=com",
		Dialect:        DialectGeneric,
		AutoCreateUser: true,
	}
}

func TestAuthenticateDirectBindProvisions(t *testing.T) {
	conn := &fakeConn{
		bind: func(dn, password string) error {
			if dn != "uid=jdoe,dc=example,dc=com" || password != "pw" {
				return goldap.NewError(goldap.LDAPResultInvalidCredentials, errors.New("bad bind"))
			}
			return nil
		},
		search: func(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
			if req.BaseDN != "dc=example,dc=com" {
				t.Fatalf("unexpected search base: %s", req.BaseDN)
			}
			return userResult("uid=jdoe,ou=people,dc=example,dc=com"), nil
		},
	}
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	p, users := newTestProvider(t, singleServerOpts(), dial)
	identity, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: "pw"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Login != "jdoe" || identity.Email != "jdoe@example.com" {
		t.Fatalf("identity not reconciled: %+v", identity)
	}
	if identity.Role != auth.RoleUser {
		t.Fatalf("unexpected role: %s", identity.Role)
	}

	// The directory password was hashed into the record for fallback use.
	stored, _ := users.FindByLogin(context.Background(), "jdoe")
	if !auth.CheckPassword(stored.PasswordHash, "pw") {
		t.Fatalf("directory password not cached locally")
	}
}

func TestInvalidCredentialsStopIteration(t *testing.T) {
	dials := 0
	dial := func(ctx context.Context, url string) (Conn, error) {
		dials++
		return &fakeConn{
			bind: func(dn, password string) error {
				return goldap.NewError(goldap.LDAPResultInvalidCredentials, errors.New("rejected"))
			},
		}, nil
	}

	opts := singleServerOpts()
	opts.Servers = []string{"ldap://one.example.com", "ldap://two.example.com"}
	p, _ := newTestProvider(t, opts, dial)

	_, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: "bad"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if dials != 1 {
		t.Fatalf("a definitive rejection must stop the iteration, dialed %d servers", dials)
	}
}

func TestConnectivityFailureTriesNextServer(t *testing.T) {
	working := &fakeConn{
		bind: func(dn, password string) error { return nil },
		search: func(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
			return userResult("uid=jdoe,ou=people,dc=example,dc=com"), nil
		},
	}
	dial := func(ctx context.Context, url string) (Conn, error) {
		if url == "ldap://one.example.com" {
			return nil, goldap.NewError(goldap.ErrorNetwork, errors.New("connection refused"))
		}
		return working, nil
	}

	opts := singleServerOpts()
	opts.Servers = []string{"ldap://one.example.com", "ldap://two.example.com"}
	p, _ := newTestProvider(t, opts, dial)

	identity, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: "pw"})
	if err != nil || identity == nil {
		t.Fatalf("expected success via second server, got %v", err)
	}
}

func TestAllServersDownFallbackPolicy(t *testing.T) {
	dial := func(ctx context.Context, url string) (Conn, error) {
		return nil, goldap.NewError(goldap.ErrorNetwork, errors.New("connection refused"))
	}
	hash, _ := auth.HashPassword("localpw")

	tests := []struct {
		name     string
		role     auth.Role
		fallback bool
		password string
		wantErr  error
		wantOK   bool
	}{
		{name: "user without fallback", role: auth.RoleUser, fallback: false, password: "localpw", wantErr: auth.ErrServiceUnavailable},
		{name: "user with fallback", role: auth.RoleUser, fallback: true, password: "localpw", wantOK: true},
		{name: "admin break-glass", role: auth.RoleAdmin, fallback: false, password: "localpw", wantOK: true},
		{name: "admin wrong password", role: auth.RoleAdmin, fallback: false, password: "wrong", wantErr: auth.ErrServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := singleServerOpts()
			opts.EnablePasswordAuthFallback = tc.fallback
			p, users := newTestProvider(t, opts, dial)
			if _, err := users.Create(context.Background(), &auth.Identity{
				Login: "jdoe", Role: tc.role, PasswordHash: hash, Active: true,
			}); err != nil {
				t.Fatalf("Create: %v", err)
			}

			identity, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: tc.password})
			if tc.wantOK {
				if err != nil || identity == nil {
					t.Fatalf("expected fallback success, got identity=%v err=%v", identity, err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestDirectoryRefusalNeverFallsBack(t *testing.T) {
	// A reachable server answering with a non-credential refusal is
	// definitive; the local password must stay out of reach even for an
	// admin with break-glass rights.
	conn := &fakeConn{
		bind: func(dn, password string) error {
			return goldap.NewError(goldap.LDAPResultUnwillingToPerform, errors.New("server is read-only"))
		},
		search: func(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
			t.Fatal("search must not run after a refused bind")
			return nil, nil
		},
	}
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	hash, _ := auth.HashPassword("localpw")
	opts := singleServerOpts()
	opts.EnablePasswordAuthFallback = true
	p, users := newTestProvider(t, opts, dial)
	if _, err := users.Create(context.Background(), &auth.Identity{
		Login: "jdoe", Role: auth.RoleAdmin, PasswordHash: hash, Active: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	identity, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: "localpw"})
	if identity != nil {
		t.Fatalf("refusal must not yield a session, got %+v", identity)
	}
	if err == nil || errors.Is(err, auth.ErrServiceUnavailable) {
		t.Fatalf("refusal must surface as-is, got %v", err)
	}
	if !goldap.IsErrorWithCode(err, goldap.LDAPResultUnwillingToPerform) {
		t.Fatalf("original directory error lost: %v", err)
	}
}

func TestServiceBindVerifiesUserPassword(t *testing.T) {
	var binds []string
	conn := &fakeConn{
		bind: func(dn, password string) error {
			binds = append(binds, dn+"|"+password)
			return nil
		},
		search: func(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
			return userResult("uid=jdoe,ou=people,dc=example,dc=com"), nil
		},
	}
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	opts := singleServerOpts()
	opts.BindDN = "cn=svc,dc=example,dc=com"
	opts.BindPassword = "svcpw"
	p, _ := newTestProvider(t, opts, dial)

	if _, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: "userpw"}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	want := []string{
		"cn=svc,dc=example,dc=com|svcpw",
		"uid=jdoe,ou=people,dc=example,dc=com|userpw",
	}
	if len(binds) != len(want) {
		t.Fatalf("bind sequence %v", binds)
	}
	for i := range want {
		if binds[i] != want[i] {
			t.Fatalf("bind %d = %q, want %q", i, binds[i], want[i])
		}
	}
}

func TestServiceBindUnknownUser(t *testing.T) {
	conn := &fakeConn{
		bind: func(dn, password string) error { return nil },
		search: func(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
			return &goldap.SearchResult{}, nil
		},
	}
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	opts := singleServerOpts()
	opts.BindDN = "cn=svc,dc=example,dc=com"
	opts.BindPassword = "svcpw"
	p, _ := newTestProvider(t, opts, dial)

	_, err := p.Authenticate(context.Background(), auth.Credentials{Login: "ghost", Password: "x"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for missing entry, got %v", err)
	}
}

func TestAdminViaMemberOf(t *testing.T) {
	conn := &fakeConn{
		bind: func(dn, password string) error { return nil },
		search: func(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
			return userResult("uid=jdoe,ou=people,dc=example,dc=com",
				"cn=admins,ou=groups,dc=example,dc=com"), nil
		},
	}
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	opts := singleServerOpts()
	opts.AdminGroup = "admins"
	p, _ := newTestProvider(t, opts, dial)

	identity, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: "pw"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Role != auth.RoleAdmin {
		t.Fatalf("memberOf admin group not honoured: %s", identity.Role)
	}
}

func TestAdminViaGroupSearchBaseScope(t *testing.T) {
	groupDN := "cn=admins,ou=groups,dc=example,dc=com"
	searches := 0
	conn := &fakeConn{
		bind: func(dn, password string) error { return nil },
		search: func(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
			searches++
			if searches == 1 {
				return userResult("uid=jdoe,ou=people,dc=example,dc=com"), nil
			}
			if req.BaseDN != groupDN || req.Scope != goldap.ScopeBaseObject {
				t.Fatalf("group search request: base=%s scope=%d", req.BaseDN, req.Scope)
			}
			if !strings.Contains(req.Filter, "member=uid=jdoe,ou=people,dc=example,dc=com") {
				t.Fatalf("group filter: %s", req.Filter)
			}
			return &goldap.SearchResult{Entries: []*goldap.Entry{rawEntry(groupDN, map[string][]string{
				"cn": {"admins"},
			})}}, nil
		},
	}
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	opts := singleServerOpts()
	opts.AdminGroup = groupDN
	p, _ := newTestProvider(t, opts, dial)

	identity, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: "pw"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Role != auth.RoleAdmin {
		t.Fatalf("group search admin not honoured: %s", identity.Role)
	}
}

func TestAdminGroupSearchSubScope(t *testing.T) {
	searches := 0
	conn := &fakeConn{
		bind: func(dn, password string) error { return nil },
		search: func(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
			searches++
			if searches == 1 {
				return userResult("uid=jdoe,ou=people,dc=example,dc=com"), nil
			}
			if req.BaseDN != "dc=example,dc=com" || req.Scope != goldap.ScopeWholeSubtree {
				t.Fatalf("sub group search request: base=%s scope=%d", req.BaseDN, req.Scope)
			}
			if !strings.Contains(req.Filter, "(cn=admins)") {
				t.Fatalf("sub group filter: %s", req.Filter)
			}
			return &goldap.SearchResult{}, nil
		},
	}
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	opts := singleServerOpts()
	opts.AdminGroup = "cn=admins,ou=groups,dc=example,dc=com"
	opts.AdminGroupScope = AdminScopeSub
	p, _ := newTestProvider(t, opts, dial)

	identity, err := p.Authenticate(context.Background(), auth.Credentials{Login: "jdoe", Password: "pw"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Role != auth.RoleUser {
		t.Fatalf("empty group search must not grant admin: %s", identity.Role)
	}
}

func TestGuestAndScopedShortCircuitToLocal(t *testing.T) {
	dials := 0
	dial := func(ctx context.Context, url string) (Conn, error) {
		dials++
		return nil, goldap.NewError(goldap.ErrorNetwork, errors.New("must not be reached"))
	}

	p, users := newTestProvider(t, singleServerOpts(), dial)
	hash, _ := auth.HashPassword("guestpw")
	if _, err := users.Create(context.Background(), &auth.Identity{
		Login: "visitor", Guest: true, PasswordHash: hash, Active: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	identity, err := p.Authenticate(context.Background(), auth.Credentials{Login: "visitor", Password: "guestpw"})
	if err != nil || identity == nil {
		t.Fatalf("guest local auth failed: %v", err)
	}

	identity, err = p.Authenticate(context.Background(), auth.Credentials{Login: "visitor", Password: "guestpw", Scoped: true})
	if err != nil || identity == nil {
		t.Fatalf("scoped local auth failed: %v", err)
	}

	if dials != 0 {
		t.Fatalf("guest/scoped requests must never touch the directory, dialed %d", dials)
	}
}
