package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/termfleet/internal/core/domain"
)

type pipelineFixture struct {
	rt        *fakeRuntime
	store     *memStore
	automator *fakeAutomator
	allocator *PortAllocator
	tasks     *TaskQueue
	pipeline  *Pipeline
	manager   *Manager
}

type fixtureOption func(*AllocatorConfig, *PipelineConfig)

func withPorts(start, end int, reserve bool) fixtureOption {
	return func(a *AllocatorConfig, _ *PipelineConfig) {
		a.Start, a.End, a.Reserve = start, end, reserve
	}
}

func withAutomation(passwordChange bool) fixtureOption {
	return func(_ *AllocatorConfig, p *PipelineConfig) {
		p.AutomationEnabled = true
		p.PasswordChangeEnabled = passwordChange
	}
}

func newPipelineFixture(t *testing.T, opts ...fixtureOption) *pipelineFixture {
	t.Helper()

	allocCfg := AllocatorConfig{Start: 4000, End: 4999, Reserve: true}
	pipeCfg := PipelineConfig{
		Image:        "terminal:1.0",
		PublicHost:   "terminals.example.com",
		DriverHost:   "127.0.0.1",
		DefaultDelay: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&allocCfg, &pipeCfg)
	}

	f := &pipelineFixture{
		rt:        newFakeRuntime("terminal:1.0"),
		store:     newMemStore(domain.MergeTruthy),
		automator: &fakeAutomator{},
		tasks:     NewTaskQueue(2, testLogger()),
	}

	log := testLogger()
	state := NewStateReader(f.rt, log)
	f.allocator = NewPortAllocator(state, allocCfg, log)
	lifecycle := NewLifecycle(f.rt, state, LifecycleConfig{ContainerPort: 3000, ConfigMount: "/config/user"}, log)

	template := staticTemplate{cfg: domain.UserConfig{
		Server:         domain.Ptr("Template-Server"),
		InitialBalance: domain.Ptr(100000.0),
		RiskPerTrade:   domain.Ptr(1.0),
		Login:          domain.Ptr("stale"),
		Extra:          map[string]any{"symbols": []any{"EURUSD"}},
	}}

	f.pipeline = NewPipeline(f.allocator, lifecycle, f.store, template, f.automator, f.tasks, pipeCfg, log)
	f.manager = NewManager(state, lifecycle, f.pipeline, f.store, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.tasks.Shutdown(ctx)
	})

	return f
}

func aliceRequest() domain.ProvisionRequest {
	return domain.ProvisionRequest{
		Username: "alice",
		Password: "s3cret",
		Broker:   "Demo-A",
		Balance:  1000,
	}
}

func waitTask(t *testing.T, f *pipelineFixture, id string) *Task {
	t.Helper()
	require.NotEmpty(t, id)

	task := f.tasks.Get(id)
	require.NotNil(t, task)

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	return task
}

func TestProvisionWithoutAutomation(t *testing.T) {
	f := newPipelineFixture(t)

	result, err := f.manager.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.Container.Port, 4000)
	assert.LessOrEqual(t, result.Container.Port, 4999)
	assert.True(t, result.Credentials.Empty())
	assert.Empty(t, result.TaskID)
	assert.Equal(t, AccessURL("terminals.example.com", result.Container.Port), result.URL)

	stored, err := f.store.Read("alice")
	require.NoError(t, err)
	require.NotNil(t, stored.Name)
	assert.Equal(t, "alice", *stored.Name)
	assert.Nil(t, stored.Login)
	assert.Nil(t, stored.Password)
	assert.Nil(t, stored.Investor)
	require.NotNil(t, stored.InitialBalance)
	assert.Equal(t, 1000.0, *stored.InitialBalance)
	assert.Equal(t, "Demo-A", *stored.Server)
	assert.Equal(t, 1.0, *stored.RiskPerTrade)
	assert.Equal(t, []any{"EURUSD"}, stored.Extra["symbols"])

	assert.Equal(t, 0, heldPorts(f.allocator))
	assert.Equal(t, 0, f.automator.sessions())

	require.Len(t, f.rt.runs, 1)
	assert.Equal(t, "alice", f.rt.runs[0].Env[EnvUser])
	assert.Equal(t, "s3cret", f.rt.runs[0].Env[EnvPassword])
	assert.Equal(t, "/users/alice", f.rt.runs[0].Mounts[0].Source)
}

func TestProvisionAutomationRequestedButDisabled(t *testing.T) {
	f := newPipelineFixture(t)

	req := aliceRequest()
	req.RunAutomation = true

	result, err := f.pipeline.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, result.TaskID)
	assert.Equal(t, 0, f.automator.sessions())
}

func TestProvisionAutomationSuccess(t *testing.T) {
	f := newPipelineFixture(t, withAutomation(false))
	f.automator.creds = domain.Credentials{Login: "5012345", Password: "Abc!1234", Investor: "Inv!5678"}

	req := aliceRequest()
	req.RunAutomation = true
	req.Email = "alice@example.com"

	result, err := f.pipeline.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Credentials.Empty())

	task := waitTask(t, f, result.TaskID)
	value, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, f.automator.creds, value)
	assert.Equal(t, TaskSucceeded, task.Status())

	stored, err := f.store.Read("alice")
	require.NoError(t, err)
	assert.Equal(t, "5012345", *stored.Login)
	assert.Equal(t, "Abc!1234", *stored.Password)
	assert.Equal(t, "Inv!5678", *stored.Investor)

	require.Len(t, f.automator.forms, 1)
	assert.Equal(t, domain.AccountForm{
		Broker:  "Demo-A",
		Name:    "alice",
		Email:   "alice@example.com",
		Balance: 1000,
	}, f.automator.forms[0])
	assert.Equal(t, []string{AccessURL("127.0.0.1", result.Container.Port)}, f.automator.endpoints)
	assert.Equal(t, 1, f.automator.closed)
}

func TestProvisionAutomationFailureIsSwallowed(t *testing.T) {
	for _, step := range []string{"open", "initialize", "broker", "form", "credentials"} {
		t.Run(step, func(t *testing.T) {
			f := newPipelineFixture(t, withAutomation(false))
			f.automator.failStep = step
			f.automator.creds = domain.Credentials{Login: "1", Password: "2", Investor: "3"}

			req := aliceRequest()
			req.RunAutomation = true

			result, err := f.pipeline.Provision(context.Background(), req)
			require.NoError(t, err)
			require.NotEmpty(t, result.Container.ID)

			task := waitTask(t, f, result.TaskID)
			value, err := task.Result()
			require.ErrorIs(t, err, domain.ErrAutomationFailure)
			assert.Equal(t, domain.Credentials{}, value)

			stored, err := f.store.Read("alice")
			require.NoError(t, err)
			assert.Nil(t, stored.Login)
			assert.Nil(t, stored.Password)
			assert.Nil(t, stored.Investor)
		})
	}
}

func TestProvisionDelayOverride(t *testing.T) {
	f := newPipelineFixture(t, withAutomation(false))

	req := aliceRequest()
	req.RunAutomation = true
	req.Delay = 200 * time.Millisecond

	started := time.Now()
	result, err := f.pipeline.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), req.Delay)

	waitTask(t, f, result.TaskID)
	assert.GreaterOrEqual(t, time.Since(started), req.Delay)
}

func TestProvisionCreateFailureReleasesPort(t *testing.T) {
	f := newPipelineFixture(t)
	f.rt.runErr = domain.NewError(domain.KindNameConflict, "container name already in use: alice")

	_, err := f.pipeline.Provision(context.Background(), aliceRequest())
	require.ErrorIs(t, err, domain.ErrNameConflict)
	assert.Equal(t, 0, heldPorts(f.allocator))
}

func TestProvisionValidation(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.pipeline.Provision(context.Background(), domain.ProvisionRequest{Username: "", Password: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.pipeline.Provision(context.Background(), domain.ProvisionRequest{Username: "../etc", Password: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.pipeline.Provision(context.Background(), domain.ProvisionRequest{Username: "alice"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	assert.Equal(t, 0, f.rt.runCount())
}

func TestProvisionTemplateError(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipeline.templates = staticTemplate{err: domain.NewError(domain.KindConfigNotFound, "config template not found")}

	_, err := f.pipeline.Provision(context.Background(), aliceRequest())
	require.ErrorIs(t, err, domain.ErrConfigNotFound)
	assert.Equal(t, 0, heldPorts(f.allocator))
}

func TestProvisionConcurrentReserved(t *testing.T) {
	f := newPipelineFixture(t, withPorts(4000, 4001, true))
	f.rt.runDelay = 20 * time.Millisecond

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ports   []int
		errList []error
	)
	for _, name := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			req := aliceRequest()
			req.Username = name
			result, err := f.pipeline.Provision(context.Background(), req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errList = append(errList, err)
				return
			}
			ports = append(ports, result.Container.Port)
		}(name)
	}
	wg.Wait()

	assert.Empty(t, errList)
	assert.ElementsMatch(t, []int{4000, 4001}, ports)
}

func TestProvisionConcurrentRacyCollides(t *testing.T) {
	f := newPipelineFixture(t, withPorts(4000, 4001, false))
	f.rt.runDelay = 20 * time.Millisecond
	// The first two samples land on 4000; later ones move on so a slow
	// scheduler cannot leave a caller spinning on a taken port.
	var samples atomic.Int32
	f.allocator.intn = func(int) int {
		if samples.Add(1) <= 2 {
			return 0
		}
		return 1
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errList []error
	)
	for _, name := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			req := aliceRequest()
			req.Username = name
			_, err := f.pipeline.Provision(context.Background(), req)
			if err != nil {
				mu.Lock()
				errList = append(errList, err)
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	// Both callers pick 4000 before either binds it; the loser fails at bind.
	require.Len(t, errList, 1)
	assert.True(t, errors.Is(errList[0], domain.ErrPortBindFailed))
}

func TestChangePasswordDisabled(t *testing.T) {
	f := newPipelineFixture(t, withAutomation(false))

	result, err := f.pipeline.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)

	scheduled, err := f.manager.ChangePassword(context.Background(), result.Container.ID, domain.PasswordChange{
		OldPassword: "old", NewPassword: "new",
	})
	require.NoError(t, err)
	assert.False(t, scheduled)
	assert.Equal(t, 0, f.automator.sessions())
}

func TestChangePasswordEnabled(t *testing.T) {
	f := newPipelineFixture(t, withAutomation(true))

	result, err := f.pipeline.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)

	scheduled, err := f.manager.ChangePassword(context.Background(), result.Container.ID, domain.PasswordChange{
		OldPassword: "old", NewPassword: "n3w!",
	})
	require.NoError(t, err)
	assert.True(t, scheduled)

	waitFor(t, func() bool {
		stored, err := f.store.Read("alice")
		return err == nil && stored.Password != nil && *stored.Password == "n3w!"
	})
	assert.Equal(t, [][2]string{{"old", "n3w!"}}, f.automator.changes)
}

func TestChangePasswordValidation(t *testing.T) {
	f := newPipelineFixture(t, withAutomation(true))

	_, err := f.manager.ChangePassword(context.Background(), "missing", domain.PasswordChange{NewPassword: "x"})
	require.ErrorIs(t, err, domain.ErrContainerNotFound)

	result, err := f.pipeline.Provision(context.Background(), aliceRequest())
	require.NoError(t, err)

	_, err = f.manager.ChangePassword(context.Background(), result.Container.ID, domain.PasswordChange{})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestContainerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "alice", want: "alice", ok: true},
		{in: "Alice Smith", want: "Alice_Smith", ok: true},
		{in: "  bob  ", want: "bob", ok: true},
		{in: "", ok: false},
		{in: "../root", ok: false},
		{in: "_hidden", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ContainerName(tt.in)
			if !tt.ok {
				require.ErrorIs(t, err, domain.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
