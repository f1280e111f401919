package services

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
)

// Manager is the service context built once at startup. It owns every
// component and exposes the operations the HTTP layer needs.
type Manager struct {
	state     *StateReader
	lifecycle *Lifecycle
	pipeline  *Pipeline
	store     ports.UserConfigStore
	log       logrus.FieldLogger
}

// NewManager creates a Manager from its components.
func NewManager(state *StateReader, lifecycle *Lifecycle, pipeline *Pipeline, store ports.UserConfigStore, log logrus.FieldLogger) *Manager {
	return &Manager{
		state:     state,
		lifecycle: lifecycle,
		pipeline:  pipeline,
		store:     store,
		log:       log.WithField("component", "manager"),
	}
}

func (m *Manager) Provision(ctx context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error) {
	return m.pipeline.Provision(ctx, req)
}

func (m *Manager) List(ctx context.Context) ([]domain.ActiveContainer, error) {
	return m.state.ActiveList(ctx)
}

func (m *Manager) Status(ctx context.Context, id string) (domain.ContainerStatus, error) {
	return m.lifecycle.Status(ctx, id)
}

func (m *Manager) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return m.lifecycle.Logs(ctx, id)
}

func (m *Manager) Stop(ctx context.Context, id string) (*int, error) {
	return m.lifecycle.Stop(ctx, id)
}

// EditConfig merges patch into the config of the user owning container id.
func (m *Manager) EditConfig(ctx context.Context, id string, patch domain.UserConfig) (domain.UserConfig, error) {
	status, err := m.lifecycle.Status(ctx, id)
	if err != nil {
		return domain.UserConfig{}, err
	}

	name := containerUser(status)
	merged, err := m.store.Edit(name, patch)
	if err != nil {
		return domain.UserConfig{}, err
	}

	m.log.WithFields(logrus.Fields{
		"user":         name,
		"container_id": shortID(id),
	}).Info("User config edited")

	return merged, nil
}

func (m *Manager) ChangePassword(ctx context.Context, id string, req domain.PasswordChange) (bool, error) {
	return m.pipeline.ChangePassword(ctx, id, req)
}

// Resolve returns the published port of the running container called name.
func (m *Manager) Resolve(ctx context.Context, name string) (int, bool, error) {
	active, err := m.state.ActiveList(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, c := range active {
		if c.Name == name {
			return c.Port, true, nil
		}
	}
	return 0, false, nil
}

var _ ports.TerminalService = (*Manager)(nil)
