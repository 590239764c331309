package server

import (
	"context"
	"log/slog"

	"authd/auth"
)

// LogNotifier records two-factor lifecycle events in the audit log. Mail or
// webhook delivery can be layered on by providing another auth.Notifier.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns the default notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) TwoFactorEnabled(ctx context.Context, identity *auth.Identity) {
	n.logger.Info("two-factor enabled", "user", identity.Login, "email", identity.Email)
}

func (n *LogNotifier) TwoFactorDisabled(ctx context.Context, identity *auth.Identity) {
	n.logger.Info("two-factor disabled", "user", identity.Login, "email", identity.Email)
}
