package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store keeps one JSON document per user at <root>/<username>/<username>.json.
// The per-user directory is what gets bind-mounted into the container.
type Store struct {
	root   string
	policy domain.MergePolicy
	log    logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at root.
func New(root string, policy domain.MergePolicy, log logrus.FieldLogger) (*Store, error) {
	if !policy.Valid() {
		return nil, domain.InvalidRequest("unknown merge policy %q", policy)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving users dir: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("creating users dir: %w", err)
	}

	return &Store{
		root:   abs,
		policy: policy,
		log:    log.WithField("component", "filestore"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the user's directory. The username cannot escape the root.
func (s *Store) Dir(username string) (string, error) {
	if username == "" {
		return "", domain.InvalidRequest("username is required")
	}
	dir, err := securejoin.SecureJoin(s.root, username)
	if err != nil {
		return "", domain.WrapError(domain.KindInvalidRequest, "invalid username", err)
	}
	if dir == s.root {
		return "", domain.InvalidRequest("invalid username %q", username)
	}
	return dir, nil
}

// Save overwrites the user's record.
func (s *Store) Save(username string, data domain.UserConfig) (string, error) {
	unlock := s.lock(username)
	defer unlock()

	dir, err := s.Dir(username)
	if err != nil {
		return "", err
	}
	if err := s.write(dir, data); err != nil {
		return "", err
	}

	s.log.WithField("user", username).Debug("User config saved")
	return dir, nil
}

func (s *Store) Read(username string) (domain.UserConfig, error) {
	unlock := s.lock(username)
	defer unlock()

	return s.read(username)
}

// Remove deletes the user's record. The directory itself is left in place.
func (s *Store) Remove(username string) error {
	unlock := s.lock(username)
	defer unlock()

	path, err := s.path(username)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ConfigNotFound(username)
		}
		return fmt.Errorf("removing user config: %w", err)
	}

	s.log.WithField("user", username).Debug("User config removed")
	return nil
}

// Edit applies patch to the stored record under the store's merge policy.
func (s *Store) Edit(username string, patch domain.UserConfig) (domain.UserConfig, error) {
	unlock := s.lock(username)
	defer unlock()

	current, err := s.read(username)
	if err != nil {
		return domain.UserConfig{}, err
	}

	merged := current.Merge(patch, s.policy)

	dir, err := s.Dir(username)
	if err != nil {
		return domain.UserConfig{}, err
	}
	if err := s.write(dir, merged); err != nil {
		return domain.UserConfig{}, err
	}
	return merged, nil
}

func (s *Store) read(username string) (domain.UserConfig, error) {
	path, err := s.path(username)
	if err != nil {
		return domain.UserConfig{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.UserConfig{}, domain.ConfigNotFound(username)
		}
		return domain.UserConfig{}, fmt.Errorf("reading user config: %w", err)
	}

	var cfg domain.UserConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.UserConfig{}, domain.WrapError(domain.KindConfigCorrupt, fmt.Sprintf("config for %s is not valid JSON", username), err)
	}
	return cfg, nil
}

// write replaces the record atomically so the container never sees a torn file.
func (s *Store) write(dir string, data domain.UserConfig) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating user dir: %w", err)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding user config: %w", err)
	}

	base := filepath.Base(dir)
	tmp, err := os.CreateTemp(dir, "."+base+"-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing user config: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting user config mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing user config: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, base+".json")); err != nil {
		return fmt.Errorf("replacing user config: %w", err)
	}
	return nil
}

func (s *Store) path(username string) (string, error) {
	dir, err := s.Dir(username)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(dir)+".json"), nil
}

// lock serializes operations on one username.
func (s *Store) lock(username string) func() {
	s.mu.Lock()
	l, ok := s.locks[username]
	if !ok {
		l = &sync.Mutex{}
		s.locks[username] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

var _ ports.UserConfigStore = (*Store)(nil)
