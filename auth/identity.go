package auth

import "strings"

// Role distinguishes regular users from administrators.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMINISTRATOR"
)

// Identity is the stable local user record. It is created on first
// successful external authentication or local registration and mutated by
// the Reconciler when a later external login diverges; this subsystem never
// deletes it.
type Identity struct {
	ID        int64
	Login     string
	Email     string
	FirstName string
	LastName  string
	Role      Role
	Language  string
	Active    bool
	Guest     bool

	// Applications lists app-password scopes granted to the account.
	Applications []string

	// PasswordHash is a bcrypt hash; empty for directory-only accounts.
	PasswordHash string

	// TotpSecret is the secretbox-encrypted TOTP secret, empty when 2FA is
	// not enabled. RecoveryCodes holds encrypted single-use codes.
	TotpSecret    string
	RecoveryCodes []string
}

// DisplayName joins the name fields, falling back to the login.
func (id *Identity) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(id.FirstName) + " " + strings.TrimSpace(id.LastName))
	if name == "" {
		return id.Login
	}
	return name
}

// IsAdmin reports whether the identity carries the administrator role.
func (id *Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// TwoFactorEnabled reports whether a TOTP secret is persisted.
func (id *Identity) TwoFactorEnabled() bool {
	return id.TotpSecret != ""
}

// SameLogin compares logins case-insensitively, the comparison used for
// directory-provisioned accounts.
func SameLogin(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
