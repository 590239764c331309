package auth

import (
	"context"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword produces a bcrypt hash for local credentials.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether the password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// LocalProvider authenticates against the local password store. It is the
// configured provider for password deployments and the fallback target for
// guests, admins, and scoped requests under the external providers.
type LocalProvider struct {
	users  UserRepository
	logger *slog.Logger
}

// NewLocalProvider constructs the provider.
func NewLocalProvider(users UserRepository, logger *slog.Logger) *LocalProvider {
	return &LocalProvider{users: users, logger: logger}
}

// Name identifies the provider in logs and configuration.
func (p *LocalProvider) Name() string { return "local" }

// Authenticate looks the login up and compares password hashes. A missing
// user or a hash mismatch both return (nil, nil): the caller must not be
// able to distinguish them.
func (p *LocalProvider) Authenticate(ctx context.Context, creds Credentials) (*Identity, error) {
	identity, err := p.users.FindByLogin(ctx, creds.Login)
	if err != nil {
		return nil, err
	}
	if identity == nil || identity.PasswordHash == "" {
		return nil, nil
	}
	if !CheckPassword(identity.PasswordHash, creds.Password) {
		return nil, nil
	}
	return identity, nil
}
