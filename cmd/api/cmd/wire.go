package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/adapters/automation"
	"github.com/melih/termfleet/internal/adapters/docker"
	"github.com/melih/termfleet/internal/adapters/filestore"
	"github.com/melih/termfleet/internal/adapters/template"
	"github.com/melih/termfleet/internal/config"
	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
	"github.com/melih/termfleet/internal/core/services"
)

// components is everything serve needs, built once at startup.
type components struct {
	runtime  *docker.Adapter
	template ports.TemplateSource
	tasks    *services.TaskQueue
	manager  *services.Manager
}

func connectRuntime(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*docker.Adapter, error) {
	return docker.NewAdapter(ctx, docker.Options{
		StopTimeout:        cfg.Runtime.StopTimeout,
		InspectConcurrency: cfg.Runtime.InspectConcurrency,
		ManagedLabel:       domain.UserLabel,
	}, log)
}

func build(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*components, error) {
	runtime, err := connectRuntime(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}

	memory, err := cfg.Runtime.MemoryBytes()
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("parsing memory limit: %w", err)
	}

	store, err := filestore.New(cfg.Storage.UsersDir, cfg.Storage.MergePolicy, log)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("opening user store: %w", err)
	}

	state := services.NewStateReader(runtime, log)

	allocator := services.NewPortAllocator(state, services.AllocatorConfig{
		Start:   cfg.Ports.Start,
		End:     cfg.Ports.End,
		Reserve: cfg.Ports.ReserveEnabled(),
	}, log)

	lifecycle := services.NewLifecycle(runtime, state, services.LifecycleConfig{
		ContainerPort: cfg.Runtime.ContainerPort,
		ConfigMount:   cfg.Runtime.ConfigMount,
		HostIP:        cfg.Runtime.HostIP,
		MemoryBytes:   memory,
		NanoCPUs:      cfg.Runtime.NanoCPUs(),
	}, log)

	driver := automation.NewDriver(automation.Config{
		Headless:     cfg.Automation.Browser.IsHeadless(),
		NoSandbox:    cfg.Automation.Browser.NoSandbox,
		ExecPath:     cfg.Automation.Browser.ExecPath,
		StepTimeout:  cfg.Automation.Browser.StepTimeout,
		ReadyTimeout: cfg.Automation.Browser.ReadyTimeout,
		Selectors:    cfg.Automation.Selectors,
	}, log)

	tasks := services.NewTaskQueue(int64(cfg.Automation.MaxConcurrent), log)

	source := templateSource(cfg, log)

	pipeline := services.NewPipeline(allocator, lifecycle, store, source, driver, tasks, services.PipelineConfig{
		Image:                 cfg.Runtime.Image,
		PublicHost:            cfg.Server.PublicHost,
		DriverHost:            cfg.Automation.DriverHost,
		AutomationEnabled:     cfg.Automation.Enabled,
		DefaultDelay:          cfg.Automation.DefaultDelay,
		PasswordChangeEnabled: cfg.Automation.PasswordChangeEnabled,
	}, log)

	return &components{
		runtime:  runtime,
		template: source,
		tasks:    tasks,
		manager:  services.NewManager(state, lifecycle, pipeline, store, log),
	}, nil
}

func templateSource(cfg *config.Config, log logrus.FieldLogger) ports.TemplateSource {
	if g := cfg.Template.Git; g != nil {
		return template.NewGitSource(template.GitOptions{
			URL:  g.URL,
			Ref:  g.Ref,
			File: g.File,
		}, log)
	}
	return template.NewFileSource(cfg.Template.Path)
}
