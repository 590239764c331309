package auth

import "context"

// Credentials carries one login attempt. Scoped is true for app-password
// requests, which always resolve against the local store.
type Credentials struct {
	Login    string
	Password string
	Scoped   bool
}

// Provider resolves a login attempt to a local identity. Exactly one
// implementation is selected at configuration-load time and injected into
// the orchestrator; request handling never type-switches on the provider.
type Provider interface {
	Authenticate(ctx context.Context, creds Credentials) (*Identity, error)
	Name() string
}
