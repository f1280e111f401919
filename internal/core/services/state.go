package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
	"github.com/melih/termfleet/internal/metrics"
)

// StateReader derives live container state by querying the runtime on every call.
type StateReader struct {
	runtime ports.ContainerRuntime
	log     logrus.FieldLogger
}

// NewStateReader creates a StateReader over runtime.
func NewStateReader(runtime ports.ContainerRuntime, log logrus.FieldLogger) *StateReader {
	return &StateReader{
		runtime: runtime,
		log:     log.WithField("component", "state"),
	}
}

// ActivePorts returns container id -> published host port for every running
// container that has a numeric host binding. Containers without one are left out.
func (r *StateReader) ActivePorts(ctx context.Context) (map[string]int, error) {
	active, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]int, len(active))
	for _, c := range active {
		result[c.ID] = c.Port
	}
	return result, nil
}

// ActiveList returns the tracked containers sorted by id.
func (r *StateReader) ActiveList(ctx context.Context) ([]domain.ActiveContainer, error) {
	active, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// ActiveIDs returns the set of tracked container ids.
func (r *StateReader) ActiveIDs(ctx context.Context) (map[string]struct{}, error) {
	portsByID, err := r.ActivePorts(ctx)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(portsByID))
	for id := range portsByID {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// AllocatedPorts returns the host ports currently held by tracked containers.
func (r *StateReader) AllocatedPorts(ctx context.Context) ([]int, error) {
	active, err := r.ActiveList(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]int, 0, len(active))
	for _, c := range active {
		result = append(result, c.Port)
	}
	return result, nil
}

func (r *StateReader) active(ctx context.Context) ([]domain.ActiveContainer, error) {
	containers, err := r.runtime.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing running containers: %w", err)
	}

	result := make([]domain.ActiveContainer, 0, len(containers))
	for _, c := range containers {
		port, ok := PublishedPort(c.Ports)
		if !ok {
			r.log.WithField("container_id", shortID(c.ID)).Debug("Container has no numeric host port, not tracked")
			continue
		}
		result = append(result, domain.ActiveContainer{ID: c.ID, Name: c.Name, Port: port})
	}

	metrics.ActiveContainers.Set(float64(len(result)))
	return result, nil
}

// PublishedPort picks the first binding, in port-key order, whose host port is
// a non-empty all-digit string. Unbound entries are skipped.
func PublishedPort(table domain.PortTable) (int, bool) {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, b := range table[k] {
			if !isDigits(b.HostPort) {
				continue
			}
			port, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			return port, true
		}
	}
	return 0, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ ports.ActiveContainerView = (*StateReader)(nil)
