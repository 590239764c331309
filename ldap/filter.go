package ldap

import (
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
)

// Dialect selects directory-specific bind and filter behaviour.
type Dialect string

const (
	DialectAD      Dialect = "ad"
	DialectGeneric Dialect = "ldap"
)

// NormalizeLogin strips a NetBIOS domain prefix (DOMAIN\user) and a UPN
// suffix (user@domain) so filters always match on the bare account name.
func NormalizeLogin(login string) string {
	login = strings.TrimSpace(login)
	if idx := strings.LastIndexByte(login, '\\'); idx >= 0 {
		login = login[idx+1:]
	}
	if idx := strings.IndexByte(login, '@'); idx >= 0 {
		login = login[:idx]
	}
	return login
}

// loginAttributes lists the attributes a login may match, per dialect.
func (o Options) loginAttributes() []string {
	if o.Dialect == DialectAD {
		return []string{"sAMAccountName", "userPrincipalName", "mail"}
	}
	attr := o.LoginAttr
	if attr == "" {
		attr = "uid"
	}
	return []string{attr, "cn", "mail"}
}

// BuildFilter constructs the user search filter: an OR of equality filters
// over the dialect's login attributes, ANDed with the configured extra
// filter. The extra filter is trusted configuration and appended verbatim.
func (o Options) BuildFilter(login string) string {
	bare := goldap.EscapeFilter(NormalizeLogin(login))

	var or strings.Builder
	or.WriteString("(|")
	for _, attr := range o.loginAttributes() {
		fmt.Fprintf(&or, "(%s=%s)", attr, bare)
	}
	or.WriteString(")")

	if o.ExtraFilter == "" {
		return or.String()
	}
	return "(&" + or.String() + o.ExtraFilter + ")"
}

// searchAttributes is the union of login, email, name, and group attributes
// fetched for the configured dialect.
func (o Options) searchAttributes() []string {
	base := []string{"mail", "givenName", "sn", "displayName", "cn", "memberOf"}
	if o.Dialect == DialectAD {
		return append([]string{"sAMAccountName", "userPrincipalName"}, base...)
	}
	attr := o.LoginAttr
	if attr == "" {
		attr = "uid"
	}
	return append([]string{attr}, base...)
}

// loginAttribute is the primary attribute holding the account name.
func (o Options) loginAttribute() string {
	if o.Dialect == DialectAD {
		return "sAMAccountName"
	}
	if o.LoginAttr != "" {
		return o.LoginAttr
	}
	return "uid"
}

// directBindDN computes the DN (or AD logon name) used for direct-mode
// binds. Generic LDAP constructs loginAttr=login,baseDN; AD binds with the
// raw login, qualified with the UPN suffix or NetBIOS prefix when the login
// is bare.
func (o Options) directBindDN(login string) string {
	if o.Dialect != DialectAD {
		return fmt.Sprintf("%s=%s,%s", o.loginAttribute(), goldap.EscapeDN(NormalizeLogin(login)), o.BaseDN)
	}
	if strings.ContainsAny(login, "\\@") {
		return login
	}
	if o.UPNSuffix != "" {
		return login + "@" + o.UPNSuffix
	}
	if o.NetBIOSDomain != "" {
		return o.NetBIOSDomain + "\\" + login
	}
	return login
}
