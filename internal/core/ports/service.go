package ports

import (
	"context"
	"io"

	"github.com/melih/termfleet/internal/core/domain"
)

// TerminalService is the surface the HTTP layer drives.
type TerminalService interface {
	Provision(ctx context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error)
	List(ctx context.Context) ([]domain.ActiveContainer, error)
	Status(ctx context.Context, id string) (domain.ContainerStatus, error)
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	// Stop returns the port the container held, or nil when it was not tracked.
	Stop(ctx context.Context, id string) (*int, error)
	EditConfig(ctx context.Context, id string, patch domain.UserConfig) (domain.UserConfig, error)
	ChangePassword(ctx context.Context, id string, req domain.PasswordChange) (bool, error)
	// Resolve maps a container name to its live published port, for the proxy.
	Resolve(ctx context.Context, name string) (int, bool, error)
}
