package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func waitFor(t *testing.T, predicate func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// fakeRuntime is an in-memory container runtime. Binding a host port that a
// running container already holds fails the way the daemon does.
type fakeRuntime struct {
	mu sync.Mutex

	running map[string]fakeContainer
	images  []string
	pulls   []string
	nextID  int
	prunes  int

	listErr  error
	runErr   error
	pruneErr error
	// runDelay widens the window between allocation and bind.
	runDelay time.Duration
	runs     []domain.RunSpec
}

type fakeContainer struct {
	spec   domain.RunSpec
	ports  domain.PortTable
	labels map[string]string
}

func newFakeRuntime(images ...string) *fakeRuntime {
	return &fakeRuntime{
		running: make(map[string]fakeContainer),
		images:  images,
	}
}

// addExternal registers a running container not created through the runtime.
func (f *fakeRuntime) addExternal(id string, table domain.PortTable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = fakeContainer{ports: table}
}

func (f *fakeRuntime) ListRunning(context.Context) ([]domain.RuntimeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	out := make([]domain.RuntimeContainer, 0, len(f.running))
	for id, c := range f.running {
		out = append(out, domain.RuntimeContainer{ID: id, Name: c.spec.Name, Image: c.spec.Image, Ports: c.ports})
	}
	return out, nil
}

func (f *fakeRuntime) ImageTags(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.images...), nil
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	f.images = append(f.images, ref)
	return nil
}

func (f *fakeRuntime) RunContainer(_ context.Context, spec domain.RunSpec) (domain.Container, error) {
	if f.runDelay > 0 {
		time.Sleep(f.runDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.runs = append(f.runs, spec)
	if f.runErr != nil {
		return domain.Container{}, f.runErr
	}

	hostPort := strconv.Itoa(spec.HostPort)
	for _, c := range f.running {
		if c.spec.Name == spec.Name && spec.Name != "" {
			return domain.Container{}, domain.NewError(domain.KindNameConflict, "name in use: "+spec.Name)
		}
		for _, bindings := range c.ports {
			for _, b := range bindings {
				if b.HostPort == hostPort {
					return domain.Container{}, domain.NewError(domain.KindPortBindFailed, "port is already allocated: "+hostPort)
				}
			}
		}
	}

	f.nextID++
	id := fmt.Sprintf("%064x", f.nextID)
	key := fmt.Sprintf("%d/tcp", spec.ContainerPort)
	f.running[id] = fakeContainer{
		spec:   spec,
		ports:  domain.PortTable{key: {{HostIP: spec.HostIP, HostPort: hostPort}}},
		labels: spec.Labels,
	}

	return domain.Container{
		ID:        id,
		Name:      spec.Name,
		Image:     spec.Image,
		Port:      spec.HostPort,
		CreatedAt: time.Now(),
		State:     "running",
	}, nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	full, ok := f.resolve(id)
	if !ok {
		return domain.ContainerNotFound(id)
	}
	delete(f.running, full)
	return nil
}

func (f *fakeRuntime) InspectContainer(_ context.Context, id string) (domain.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	full, ok := f.resolve(id)
	if !ok {
		return domain.ContainerStatus{}, domain.ContainerNotFound(id)
	}
	c := f.running[full]
	return domain.ContainerStatus{
		ID:      full,
		Name:    "/" + c.spec.Name,
		Image:   c.spec.Image,
		Status:  "running",
		Running: true,
		Ports:   c.ports,
		Labels:  c.labels,
	}, nil
}

func (f *fakeRuntime) ContainerLogs(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.resolve(id); !ok {
		return nil, domain.ContainerNotFound(id)
	}
	return io.NopCloser(strings.NewReader("started\n")), nil
}

func (f *fakeRuntime) Prune(context.Context) (domain.PruneReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
	return domain.PruneReport{}, f.pruneErr
}

func (f *fakeRuntime) resolve(id string) (string, bool) {
	if _, ok := f.running[id]; ok {
		return id, true
	}
	var match string
	for full := range f.running {
		if id != "" && strings.HasPrefix(full, id) {
			if match != "" {
				return "", false
			}
			match = full
		}
	}
	return match, match != ""
}

func (f *fakeRuntime) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulls)
}

func (f *fakeRuntime) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

var _ ports.ContainerRuntime = (*fakeRuntime)(nil)

// staticView serves a fixed port table.
type staticView struct {
	ports map[string]int
	err   error
	calls int
	mu    sync.Mutex
}

func (v *staticView) ActivePorts(context.Context) (map[string]int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	out := make(map[string]int, len(v.ports))
	for k, p := range v.ports {
		out[k] = p
	}
	return out, nil
}

// memStore is an in-memory ports.UserConfigStore.
type memStore struct {
	mu      sync.Mutex
	records map[string]domain.UserConfig
	policy  domain.MergePolicy
	saveErr error
}

func newMemStore(policy domain.MergePolicy) *memStore {
	return &memStore{records: make(map[string]domain.UserConfig), policy: policy}
}

func (s *memStore) Save(username string, data domain.UserConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.records[username] = data
	return "/users/" + username, nil
}

func (s *memStore) Read(username string) (domain.UserConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.records[username]
	if !ok {
		return domain.UserConfig{}, domain.ConfigNotFound(username)
	}
	return cfg, nil
}

func (s *memStore) Remove(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[username]; !ok {
		return domain.ConfigNotFound(username)
	}
	delete(s.records, username)
	return nil
}

func (s *memStore) Edit(username string, patch domain.UserConfig) (domain.UserConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.records[username]
	if !ok {
		return domain.UserConfig{}, domain.ConfigNotFound(username)
	}
	merged := cfg.Merge(patch, s.policy)
	s.records[username] = merged
	return merged, nil
}

func (s *memStore) Dir(username string) (string, error) {
	return "/users/" + username, nil
}

var _ ports.UserConfigStore = (*memStore)(nil)

type staticTemplate struct {
	cfg domain.UserConfig
	err error
}

func (s staticTemplate) Load(context.Context) (domain.UserConfig, error) {
	return s.cfg, s.err
}

// fakeAutomator records sessions and can fail at a chosen step.
type fakeAutomator struct {
	mu        sync.Mutex
	creds     domain.Credentials
	failStep  string
	endpoints []string
	forms     []domain.AccountForm
	changes   [][2]string
	closed    int
}

var errStep = errors.New("element not found")

func (a *fakeAutomator) Open(_ context.Context, endpoint string) (ports.AutomationSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endpoints = append(a.endpoints, endpoint)
	if a.failStep == "open" {
		return nil, errStep
	}
	return &fakeSession{a: a}, nil
}

func (a *fakeAutomator) sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.endpoints)
}

type fakeSession struct {
	a *fakeAutomator
}

func (s *fakeSession) step(name string) error {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	if s.a.failStep == name {
		return errStep
	}
	return nil
}

func (s *fakeSession) Initialize(context.Context) error { return s.step("initialize") }

func (s *fakeSession) SelectBroker(context.Context, string) error { return s.step("broker") }

func (s *fakeSession) SubmitAccountForm(_ context.Context, form domain.AccountForm) error {
	if err := s.step("form"); err != nil {
		return err
	}
	s.a.mu.Lock()
	s.a.forms = append(s.a.forms, form)
	s.a.mu.Unlock()
	return nil
}

func (s *fakeSession) Credentials(context.Context) (domain.Credentials, error) {
	if err := s.step("credentials"); err != nil {
		return domain.Credentials{}, err
	}
	return s.a.creds, nil
}

func (s *fakeSession) ChangePassword(_ context.Context, oldPassword, newPassword string) error {
	if err := s.step("password"); err != nil {
		return err
	}
	s.a.mu.Lock()
	s.a.changes = append(s.a.changes, [2]string{oldPassword, newPassword})
	s.a.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.a.mu.Lock()
	s.a.closed++
	s.a.mu.Unlock()
	return nil
}
