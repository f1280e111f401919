package ports

import (
	"context"
	"io"

	"github.com/melih/termfleet/internal/core/domain"
)

// ContainerRuntime defines the runtime operations the provisioning core needs.
// This interface allows us to switch between Docker and Podman without
// changing the business logic.
type ContainerRuntime interface {
	// ListRunning returns every running container with its port-mapping table.
	ListRunning(ctx context.Context) ([]domain.RuntimeContainer, error)
	// ImageTags returns the repo:tag strings of all local images.
	ImageTags(ctx context.Context) ([]string, error)
	PullImage(ctx context.Context, ref string) error
	// RunContainer creates and starts a container. On failure no container is left behind.
	RunContainer(ctx context.Context, spec domain.RunSpec) (domain.Container, error)
	StopContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (domain.ContainerStatus, error)
	// ContainerLogs returns stdout and stderr as plain text.
	ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
	// Prune removes stopped containers and orphaned volumes.
	Prune(ctx context.Context) (domain.PruneReport, error)
}

// ActiveContainerView answers which containers are live and on which host port.
// Implementations must not cache: every call reflects the runtime at that moment.
type ActiveContainerView interface {
	ActivePorts(ctx context.Context) (map[string]int, error)
}
