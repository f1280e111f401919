package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
)

// FileSource reads the base user config from a JSON file on every Load, so
// edits to the template apply to the next provision without a restart.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Load(_ context.Context) (domain.UserConfig, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.UserConfig{}, domain.NewError(domain.KindConfigNotFound, fmt.Sprintf("config template not found: %s", s.path))
		}
		return domain.UserConfig{}, fmt.Errorf("reading config template: %w", err)
	}
	return decode(raw, s.path)
}

func decode(raw []byte, origin string) (domain.UserConfig, error) {
	var cfg domain.UserConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.UserConfig{}, domain.WrapError(domain.KindConfigCorrupt, fmt.Sprintf("config template %s is not valid JSON", origin), err)
	}
	return cfg, nil
}

var _ ports.TemplateSource = (*FileSource)(nil)
