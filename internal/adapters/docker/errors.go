package docker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/melih/termfleet/internal/core/domain"
)

// Daemon messages for a host port that cannot be bound.
var portBindMarkers = []string{
	"port is already allocated",
	"address already in use",
	"bind for",
}

// classify maps an SDK error to the domain taxonomy, keeping the status the
// daemon reported.
func classify(kind domain.ErrorKind, message string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return &domain.Error{
			Kind:    domain.KindRuntimeUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "docker daemon not reachable",
			Cause:   err,
		}
	}
	return &domain.Error{
		Kind:    kind,
		Status:  statusOf(err),
		Message: message,
		Cause:   err,
	}
}

func classifyContainer(id, message string, err error) error {
	if errdefs.IsNotFound(err) {
		return &domain.Error{
			Kind:    domain.KindContainerNotFound,
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("container not found: %s", id),
			Cause:   err,
		}
	}
	return classify(domain.KindRuntime, message, err)
}

func classifyCreate(name string, err error) error {
	if errdefs.IsConflict(err) {
		return &domain.Error{
			Kind:    domain.KindNameConflict,
			Status:  http.StatusConflict,
			Message: fmt.Sprintf("container name already in use: %s", name),
			Cause:   err,
		}
	}
	return classify(domain.KindRuntime, "failed to create container", err)
}

func classifyStart(port int, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range portBindMarkers {
		if strings.Contains(msg, marker) {
			return &domain.Error{
				Kind:    domain.KindPortBindFailed,
				Status:  statusOf(err),
				Message: fmt.Sprintf("failed to bind host port %d", port),
				Cause:   err,
			}
		}
	}
	return classify(domain.KindRuntime, "failed to start container", err)
}

// statusOf returns the HTTP status matching the errdefs class of err, or 0
// when the error carries no class.
func statusOf(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsInvalidParameter(err):
		return http.StatusBadRequest
	case errdefs.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errdefs.IsForbidden(err):
		return http.StatusForbidden
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsSystem(err):
		return http.StatusInternalServerError
	default:
		return 0
	}
}
