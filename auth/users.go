package auth

import (
	"context"
	"strings"
	"sync"
)

// UserRepository is the CRUD surface the subsystem needs from the relational
// store. The storage engine itself is an external collaborator.
type UserRepository interface {
	FindByLogin(ctx context.Context, login string) (*Identity, error)
	Create(ctx context.Context, identity *Identity) (*Identity, error)
	Update(ctx context.Context, identity *Identity) error
	// UpdateSecrets persists only the TOTP secret and recovery codes.
	UpdateSecrets(ctx context.Context, id int64, secret string, recoveryCodes []string) error
}

// MemoryUsers is an in-memory UserRepository for the reference binary and
// tests.
type MemoryUsers struct {
	mu     sync.RWMutex
	nextID int64
	users  map[int64]*Identity
}

// NewMemoryUsers constructs an empty repository.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{nextID: 1, users: make(map[int64]*Identity)}
}

// FindByLogin returns the identity with a case-insensitive login match, or
// (nil, nil) when absent.
func (m *MemoryUsers) FindByLogin(ctx context.Context, login string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.TrimSpace(login)
	for _, u := range m.users {
		if strings.EqualFold(u.Login, needle) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, nil
}

// Create stores a new identity and assigns its ID.
func (m *MemoryUsers) Create(ctx context.Context, identity *Identity) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *identity
	clone.ID = m.nextID
	m.nextID++
	m.users[clone.ID] = &clone
	out := clone
	return &out, nil
}

// Update replaces the stored record.
func (m *MemoryUsers) Update(ctx context.Context, identity *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[identity.ID]; !ok {
		return ErrUserNotFound
	}
	clone := *identity
	m.users[identity.ID] = &clone
	return nil
}

// UpdateSecrets persists the 2FA material without touching profile fields.
func (m *MemoryUsers) UpdateSecrets(ctx context.Context, id int64, secret string, recoveryCodes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.TotpSecret = secret
	u.RecoveryCodes = append([]string(nil), recoveryCodes...)
	return nil
}
