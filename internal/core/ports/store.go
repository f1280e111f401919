package ports

import (
	"context"

	"github.com/melih/termfleet/internal/core/domain"
)

// UserConfigStore persists one config record per username.
type UserConfigStore interface {
	// Save writes data and returns the user's config directory.
	Save(username string, data domain.UserConfig) (string, error)
	Read(username string) (domain.UserConfig, error)
	Remove(username string) error
	// Edit merges patch into the stored record and returns the result.
	Edit(username string, patch domain.UserConfig) (domain.UserConfig, error)
	// Dir returns the host directory mounted into the user's container.
	Dir(username string) (string, error)
}

// TemplateSource provides the base config every new user starts from.
type TemplateSource interface {
	Load(ctx context.Context) (domain.UserConfig, error)
}
