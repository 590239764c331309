package auth

import (
	"context"
	"fmt"
	"log/slog"
)

// ExternalIdentity is the normalized result of a directory or OIDC login,
// the candidate state a local record is converged towards.
type ExternalIdentity struct {
	Login     string
	Email     string
	FirstName string
	LastName  string
	Admin     bool

	// Password is the plaintext the user just authenticated with upstream.
	// It is compared against the local hash and re-hashed only on change,
	// so local fallback stays usable when the directory is down. Empty for
	// flows that never see the password (OIDC).
	Password string
}

// ReconcileOptions tunes create-or-update behaviour per provider.
type ReconcileOptions struct {
	// AutoCreate provisions a local record on first external login.
	AutoCreate bool
	// AdminGroupConfigured is true when the provider maps an external group
	// to the administrator role. Without a mapping, an existing admin is
	// never demoted by an incoming USER role.
	AdminGroupConfigured bool
}

// Reconciler converges a local user record with an external identity. Both
// external providers share it.
type Reconciler struct {
	users  UserRepository
	logger *slog.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(users UserRepository, logger *slog.Logger) *Reconciler {
	return &Reconciler{users: users, logger: logger}
}

// Reconcile creates or updates the local record for ext. existing may be
// nil when the provider found no local record. Update failures after a
// successful external authentication are logged and swallowed: the user
// still gets a session, profile sync is not worth blocking it.
func (rc *Reconciler) Reconcile(ctx context.Context, existing *Identity, ext ExternalIdentity, opts ReconcileOptions) (*Identity, error) {
	if existing == nil {
		if !opts.AutoCreate {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, ext.Login)
		}
		return rc.create(ctx, ext)
	}

	if !SameLogin(existing.Login, ext.Login) {
		return nil, fmt.Errorf("%w: %q linked to %q", ErrAccountMismatch, ext.Login, existing.Login)
	}

	merged := *existing
	changed := rc.applyDiff(&merged, ext, opts)
	if !changed {
		return existing, nil
	}

	if err := rc.users.Update(ctx, &merged); err != nil {
		rc.logger.Error("identity reconcile update failed", "user", existing.Login, "error", err)
		return existing, nil
	}
	return &merged, nil
}

func (rc *Reconciler) create(ctx context.Context, ext ExternalIdentity) (*Identity, error) {
	identity := &Identity{
		Login:     ext.Login,
		Email:     ext.Email,
		FirstName: ext.FirstName,
		LastName:  ext.LastName,
		Role:      RoleUser,
		Active:    true,
	}
	if ext.Admin {
		identity.Role = RoleAdmin
	}
	if ext.Password != "" {
		hash, err := HashPassword(ext.Password)
		if err != nil {
			return nil, err
		}
		identity.PasswordHash = hash
	}

	created, err := rc.users.Create(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("create user %q: %w", ext.Login, err)
	}
	rc.logger.Info("provisioned local user from external identity", "user", created.Login, "admin", ext.Admin)
	return created, nil
}

// applyDiff mutates identity towards ext field by field and reports whether
// anything changed.
func (rc *Reconciler) applyDiff(identity *Identity, ext ExternalIdentity, opts ReconcileOptions) bool {
	changed := false

	if ext.Email != "" && identity.Email != ext.Email {
		identity.Email = ext.Email
		changed = true
	}
	if identity.FirstName != ext.FirstName || identity.LastName != ext.LastName {
		identity.FirstName = ext.FirstName
		identity.LastName = ext.LastName
		changed = true
	}

	role := RoleUser
	if ext.Admin {
		role = RoleAdmin
	}
	if identity.Role != role {
		if identity.Role == RoleAdmin && !opts.AdminGroupConfigured {
			// Admin role is sticky when no group mapping exists; removing
			// the mapping must not silently demote an administrator.
			rc.logger.Debug("keeping administrator role without group mapping", "user", identity.Login)
		} else {
			identity.Role = role
			changed = true
		}
	}

	if ext.Password != "" && !CheckPassword(identity.PasswordHash, ext.Password) {
		hash, err := HashPassword(ext.Password)
		if err != nil {
			rc.logger.Error("password re-hash failed", "user", identity.Login, "error", err)
		} else {
			identity.PasswordHash = hash
			changed = true
		}
	}

	return changed
}
