package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
)

// GitOptions locates a template file inside a git repository.
type GitOptions struct {
	URL string
	// Ref is a branch name. Empty means the remote HEAD.
	Ref string
	// File is the template path relative to the repository root.
	File string
}

// GitSource loads the template from a shallow clone. The decoded template is
// cached until Refresh.
type GitSource struct {
	opts GitOptions
	log  logrus.FieldLogger

	mu     sync.Mutex
	cached *domain.UserConfig
}

// NewGitSource creates a GitSource. Nothing is cloned until the first Load.
func NewGitSource(opts GitOptions, log logrus.FieldLogger) *GitSource {
	if opts.File == "" {
		opts.File = "config.json"
	}
	return &GitSource{
		opts: opts,
		log:  log.WithField("component", "template"),
	}
}

func (s *GitSource) Load(ctx context.Context) (domain.UserConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, nil
	}

	cfg, err := s.fetch(ctx)
	if err != nil {
		return domain.UserConfig{}, err
	}
	s.cached = &cfg
	return cfg, nil
}

// Refresh drops the cached template and fetches it again.
func (s *GitSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.cached = &cfg
	return nil
}

func (s *GitSource) fetch(ctx context.Context) (domain.UserConfig, error) {
	tmpDir, err := os.MkdirTemp("", "termfleet-template-*")
	if err != nil {
		return domain.UserConfig{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	opts := &git.CloneOptions{
		URL:          s.opts.URL,
		SingleBranch: true,
	}
	// Local repositories are cloned in full; shallow fetches need a remote.
	if _, err := os.Stat(s.opts.URL); err != nil {
		opts.Depth = 1
	}
	if s.opts.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(s.opts.Ref)
	}

	log := s.log.WithFields(logrus.Fields{"url": s.opts.URL, "ref": s.opts.Ref})
	log.Info("Cloning config template")

	if _, err := git.PlainCloneContext(ctx, tmpDir, false, opts); err != nil {
		return domain.UserConfig{}, fmt.Errorf("failed to clone template repo: %w", err)
	}

	path, err := securejoin.SecureJoin(tmpDir, s.opts.File)
	if err != nil {
		return domain.UserConfig{}, fmt.Errorf("resolving template file: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.UserConfig{}, domain.NewError(domain.KindConfigNotFound,
				fmt.Sprintf("config template %s not found in %s", filepath.ToSlash(s.opts.File), s.opts.URL))
		}
		return domain.UserConfig{}, fmt.Errorf("reading config template: %w", err)
	}

	return decode(raw, s.opts.URL+"#"+s.opts.File)
}

var _ ports.TemplateSource = (*GitSource)(nil)
