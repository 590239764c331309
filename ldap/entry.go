package ldap

import (
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
)

// Entry is the normalized directory record for one user. Single-valued
// attributes are collapsed from arrays; MemberOf carries both the full DN
// and the bare CN of every group reference, deduplicated.
type Entry struct {
	Login     string
	Email     string
	FirstName string
	LastName  string
	MemberOf  []string
	DN        string
}

// normalizeEntry converts a raw search result entry.
func (o Options) normalizeEntry(raw *goldap.Entry) Entry {
	entry := Entry{
		Login:    raw.GetAttributeValue(o.loginAttribute()),
		Email:    raw.GetAttributeValue("mail"),
		DN:       raw.DN,
		MemberOf: expandGroups(raw.GetAttributeValues("memberOf")),
	}
	if entry.Login == "" {
		// Some directories only expose the login through cn.
		entry.Login = raw.GetAttributeValue("cn")
	}

	given := raw.GetAttributeValue("givenName")
	sn := raw.GetAttributeValue("sn")
	switch {
	case given != "" || sn != "":
		entry.FirstName = given
		entry.LastName = sn
	case raw.GetAttributeValue("displayName") != "":
		entry.FirstName = raw.GetAttributeValue("displayName")
	default:
		entry.FirstName = raw.GetAttributeValue("cn")
	}

	return entry
}

// expandGroups adds the bare CN of every DN-form group reference so that
// membership checks match either representation.
func expandGroups(groups []string) []string {
	seen := make(map[string]bool, len(groups)*2)
	out := make([]string, 0, len(groups)*2)
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || seen[strings.ToLower(v)] {
			return
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}

	for _, g := range groups {
		add(g)
		if cn := firstCN(g); cn != "" {
			add(cn)
		}
	}
	return out
}

// firstCN extracts the CN value of the first RDN in a DN, or "" when the
// value is not DN-shaped.
func firstCN(dn string) string {
	parsed, err := goldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return ""
	}
	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, "cn") {
				return attr.Value
			}
		}
	}
	return ""
}

// hasGroup reports whether the group (DN or CN form) appears in the
// normalized membership list.
func (e Entry) hasGroup(group string) bool {
	for _, g := range e.MemberOf {
		if strings.EqualFold(g, group) {
			return true
		}
	}
	return false
}
