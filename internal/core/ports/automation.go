package ports

import (
	"context"

	"github.com/melih/termfleet/internal/core/domain"
)

// Automator opens browser sessions against a terminal's web UI.
type Automator interface {
	Open(ctx context.Context, endpoint string) (AutomationSession, error)
}

// AutomationSession drives one terminal UI. Steps must be called in order:
// Initialize, then SelectBroker and SubmitAccountForm, then Credentials.
type AutomationSession interface {
	Initialize(ctx context.Context) error
	SelectBroker(ctx context.Context, broker string) error
	SubmitAccountForm(ctx context.Context, form domain.AccountForm) error
	Credentials(ctx context.Context) (domain.Credentials, error)
	ChangePassword(ctx context.Context, oldPassword, newPassword string) error
	Close() error
}
