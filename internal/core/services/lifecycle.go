package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/distribution/reference"
	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
	"github.com/melih/termfleet/internal/metrics"
)

// UserLabel marks containers created by the lifecycle manager.
const UserLabel = domain.UserLabel

// LifecycleConfig holds the fixed parts of every terminal container.
type LifecycleConfig struct {
	// ContainerPort is the terminal's web port inside the container.
	ContainerPort int
	// ConfigMount is where the user's config directory appears in the container.
	ConfigMount string
	HostIP      string
	MemoryBytes int64
	NanoCPUs    int64
}

// CreateRequest describes one container to start.
type CreateRequest struct {
	Image     string
	Name      string
	Port      int
	ConfigDir string
	Env       map[string]string
}

// Lifecycle creates, stops, inspects and prunes terminal containers.
type Lifecycle struct {
	runtime ports.ContainerRuntime
	view    ports.ActiveContainerView
	cfg     LifecycleConfig
	log     logrus.FieldLogger
}

// NewLifecycle creates a Lifecycle manager.
func NewLifecycle(runtime ports.ContainerRuntime, view ports.ActiveContainerView, cfg LifecycleConfig, log logrus.FieldLogger) *Lifecycle {
	return &Lifecycle{
		runtime: runtime,
		view:    view,
		cfg:     cfg,
		log:     log.WithField("component", "lifecycle"),
	}
}

// Create ensures the image is present and starts the container.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (domain.Container, error) {
	if err := l.EnsureImage(ctx, req.Image); err != nil {
		return domain.Container{}, countRuntimeError(err)
	}

	spec := domain.RunSpec{
		Name:          req.Name,
		Image:         req.Image,
		HostIP:        l.cfg.HostIP,
		HostPort:      req.Port,
		ContainerPort: l.cfg.ContainerPort,
		Mounts:        []domain.Mount{{Source: req.ConfigDir, Target: l.cfg.ConfigMount}},
		Env:           req.Env,
		Labels:        map[string]string{UserLabel: req.Name},
		MemoryBytes:   l.cfg.MemoryBytes,
		NanoCPUs:      l.cfg.NanoCPUs,
	}

	c, err := l.runtime.RunContainer(ctx, spec)
	if err != nil {
		return domain.Container{}, countRuntimeError(err)
	}

	l.log.WithFields(logrus.Fields{
		"container_id": shortID(c.ID),
		"name":         c.Name,
		"port":         c.Port,
	}).Info("Container started")

	return c, nil
}

// EnsureImage pulls ref unless a local image carries exactly the same
// normalized repository:tag.
func (l *Lifecycle) EnsureImage(ctx context.Context, ref string) error {
	tags, err := l.runtime.ImageTags(ctx)
	if err != nil {
		return err
	}

	want := normalizeRef(ref)
	for _, tag := range tags {
		if normalizeRef(tag) == want {
			return nil
		}
	}

	l.log.WithField("image", ref).Info("Pulling image")
	return l.runtime.PullImage(ctx, ref)
}

// Stop stops the container and prunes runtime leftovers. The returned port is
// the one observed immediately before the stop, nil if the container was not
// tracked at that moment.
func (l *Lifecycle) Stop(ctx context.Context, id string) (*int, error) {
	portsByID, err := l.view.ActivePorts(ctx)
	if err != nil {
		return nil, err
	}
	port := lookupPort(portsByID, id)

	if err := l.runtime.StopContainer(ctx, id); err != nil {
		metrics.StopsTotal.WithLabelValues("error").Inc()
		return nil, countRuntimeError(err)
	}
	metrics.StopsTotal.WithLabelValues("success").Inc()

	report, err := l.runtime.Prune(ctx)
	if err != nil {
		l.log.WithError(err).Warn("Failed to prune after stop")
	} else {
		l.log.WithFields(logrus.Fields{
			"containers_deleted": len(report.ContainersDeleted),
			"volumes_deleted":    len(report.VolumesDeleted),
			"space_reclaimed":    report.SpaceReclaimed,
		}).Debug("Pruned runtime")
	}

	l.log.WithFields(logrus.Fields{
		"container_id": shortID(id),
		"port":         port,
	}).Info("Container stopped")

	return port, nil
}

// Status returns the runtime's state record for id.
func (l *Lifecycle) Status(ctx context.Context, id string) (domain.ContainerStatus, error) {
	status, err := l.runtime.InspectContainer(ctx, id)
	if err != nil {
		return domain.ContainerStatus{}, countRuntimeError(err)
	}
	return status, nil
}

// Logs returns the container's output as plain text.
func (l *Lifecycle) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := l.runtime.ContainerLogs(ctx, id)
	if err != nil {
		return nil, countRuntimeError(err)
	}
	return rc, nil
}

// lookupPort matches id exactly, then as a unique prefix of a full id.
func lookupPort(portsByID map[string]int, id string) *int {
	if p, ok := portsByID[id]; ok {
		return &p
	}

	var found *int
	for full, p := range portsByID {
		if !strings.HasPrefix(full, id) {
			continue
		}
		if found != nil {
			return nil
		}
		p := p
		found = &p
	}
	return found
}

func normalizeRef(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ref
	}
	return reference.TagNameOnly(named).String()
}

func countRuntimeError(err error) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		metrics.RuntimeErrorsTotal.WithLabelValues(string(derr.Kind)).Inc()
		return err
	}
	metrics.RuntimeErrorsTotal.WithLabelValues(string(domain.KindRuntime)).Inc()
	return fmt.Errorf("container runtime: %w", err)
}
