package domain

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies failures surfaced by the provisioning core.
type ErrorKind string

const (
	KindRuntimeUnavailable ErrorKind = "runtime_unavailable"
	KindImagePullFailed    ErrorKind = "image_pull_failed"
	KindNameConflict       ErrorKind = "name_conflict"
	KindPortBindFailed     ErrorKind = "port_bind_failed"
	KindContainerNotFound  ErrorKind = "container_not_found"
	KindConfigNotFound     ErrorKind = "config_not_found"
	KindConfigCorrupt      ErrorKind = "config_corrupt"
	KindAutomationFailure  ErrorKind = "automation_failure"
	KindPortRangeExhausted ErrorKind = "port_range_exhausted"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindRuntime            ErrorKind = "runtime_error"
)

// Error is the normalized error type. Status carries the runtime's own status
// code when it reported one, otherwise the default for the kind.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus returns the status to report to a client.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return defaultStatus(e.Kind)
}

// Sentinels for errors.Is.
var (
	ErrRuntimeUnavailable = &Error{Kind: KindRuntimeUnavailable}
	ErrImagePullFailed    = &Error{Kind: KindImagePullFailed}
	ErrNameConflict       = &Error{Kind: KindNameConflict}
	ErrPortBindFailed     = &Error{Kind: KindPortBindFailed}
	ErrContainerNotFound  = &Error{Kind: KindContainerNotFound}
	ErrConfigNotFound     = &Error{Kind: KindConfigNotFound}
	ErrConfigCorrupt      = &Error{Kind: KindConfigCorrupt}
	ErrAutomationFailure  = &Error{Kind: KindAutomationFailure}
	ErrPortRangeExhausted = &Error{Kind: KindPortRangeExhausted}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
)

// NewError creates an Error with the default status for its kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError wraps cause with a kind and message.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ContainerNotFound returns the error for an id unknown to the runtime.
func ContainerNotFound(id string) *Error {
	return NewError(KindContainerNotFound, fmt.Sprintf("container not found: %s", id))
}

// ConfigNotFound returns the error for a user without a stored config.
func ConfigNotFound(username string) *Error {
	return NewError(KindConfigNotFound, fmt.Sprintf("config not found for user %s", username))
}

// InvalidRequest returns a validation error.
func InvalidRequest(format string, args ...any) *Error {
	return NewError(KindInvalidRequest, fmt.Sprintf(format, args...))
}

func defaultStatus(kind ErrorKind) int {
	switch kind {
	case KindRuntimeUnavailable, KindPortRangeExhausted:
		return http.StatusServiceUnavailable
	case KindNameConflict, KindPortBindFailed:
		return http.StatusConflict
	case KindContainerNotFound, KindConfigNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindConfigCorrupt:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
