package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
	"github.com/melih/termfleet/internal/metrics"
)

// Task kinds.
const (
	TaskAccountSetup   = "account_setup"
	TaskPasswordChange = "password_change"
)

// Environment variables read by the terminal's own login gate.
const (
	EnvUser     = "CUSTOM_USER"
	EnvPassword = "PASSWORD"
)

var containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// PipelineConfig holds the provisioning settings.
type PipelineConfig struct {
	Image string
	// PublicHost is the hostname handed to users in the access URL.
	PublicHost string
	// DriverHost is how the automation driver reaches published ports.
	DriverHost string

	AutomationEnabled     bool
	DefaultDelay          time.Duration
	PasswordChangeEnabled bool
}

// Pipeline runs the two-phase provisioning flow: a synchronous container
// create, then optional best-effort account setup in the background.
type Pipeline struct {
	allocator *PortAllocator
	lifecycle *Lifecycle
	store     ports.UserConfigStore
	templates ports.TemplateSource
	automator ports.Automator
	tasks     *TaskQueue
	cfg       PipelineConfig
	log       logrus.FieldLogger
}

// NewPipeline wires a Pipeline.
func NewPipeline(
	allocator *PortAllocator,
	lifecycle *Lifecycle,
	store ports.UserConfigStore,
	templates ports.TemplateSource,
	automator ports.Automator,
	tasks *TaskQueue,
	cfg PipelineConfig,
	log logrus.FieldLogger,
) *Pipeline {
	return &Pipeline{
		allocator: allocator,
		lifecycle: lifecycle,
		store:     store,
		templates: templates,
		automator: automator,
		tasks:     tasks,
		cfg:       cfg,
		log:       log.WithField("component", "pipeline"),
	}
}

// Provision assigns a port, writes the user's config, starts the container and
// schedules account setup when requested. Automation outcomes never reach the caller.
func (p *Pipeline) Provision(ctx context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error) {
	started := time.Now()

	result, err := p.provision(ctx, req)

	metrics.ProvisionDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ProvisionsTotal.WithLabelValues("error").Inc()
		return domain.ProvisionResult{}, err
	}
	metrics.ProvisionsTotal.WithLabelValues("success").Inc()

	return result, nil
}

func (p *Pipeline) provision(ctx context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error) {
	name, err := ContainerName(req.Username)
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	if req.Password == "" {
		return domain.ProvisionResult{}, domain.InvalidRequest("password is required")
	}

	log := p.log.WithField("user", name)
	log.WithField("state", domain.StateRequested).Debug("Provisioning")

	reservation, err := p.allocator.Reserve(ctx)
	if err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("allocating port: %w", err)
	}
	defer reservation.Release()

	port := reservation.Port
	log = log.WithField("port", port)

	tmpl, err := p.templates.Load(ctx)
	if err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("loading config template: %w", err)
	}

	userCfg := tmpl.Merge(userFields(req), domain.MergePresent)
	userCfg.Login, userCfg.Password, userCfg.Investor = nil, nil, nil

	dir, err := p.store.Save(name, userCfg)
	if err != nil {
		return domain.ProvisionResult{}, fmt.Errorf("saving user config: %w", err)
	}
	log.WithField("state", domain.StatePortAssigned).Debug("Provisioning")

	c, err := p.lifecycle.Create(ctx, CreateRequest{
		Image:     p.cfg.Image,
		Name:      name,
		Port:      port,
		ConfigDir: dir,
		Env: map[string]string{
			EnvUser:     req.Username,
			EnvPassword: req.Password,
		},
	})
	if err != nil {
		log.WithError(err).Warn("Container create failed")
		return domain.ProvisionResult{}, err
	}
	log.WithFields(logrus.Fields{
		"state":        domain.StateContainerStarted,
		"container_id": shortID(c.ID),
	}).Info("Provisioned container")

	result := domain.ProvisionResult{
		Container: c,
		Username:  req.Username,
		Balance:   req.Balance,
		URL:       AccessURL(p.cfg.PublicHost, port),
	}

	switch {
	case !req.RunAutomation:
		log.WithField("state", domain.StateAutomationSkipped).Debug("Provisioning")
	case !p.cfg.AutomationEnabled:
		log.WithField("state", domain.StateAutomationSkipped).Info("Automation requested but disabled by configuration")
	default:
		delay := req.Delay
		if delay <= 0 {
			delay = p.cfg.DefaultDelay
		}
		form := domain.AccountForm{
			Broker:  req.Broker,
			Name:    req.Username,
			Email:   req.Email,
			Phone:   req.Phone,
			Balance: req.Balance,
		}
		endpoint := AccessURL(p.cfg.DriverHost, port)
		task := p.tasks.Submit(TaskAccountSetup, delay, func(ctx context.Context) (any, error) {
			return p.setupAccount(ctx, name, endpoint, form)
		})
		result.TaskID = task.ID
		log.WithFields(logrus.Fields{
			"state":   domain.StateAutomationPending,
			"task_id": task.ID,
			"delay":   delay,
		}).Info("Account setup scheduled")
	}

	return result, nil
}

// setupAccount drives the account-creation sequence and stores whatever
// credentials came out of it. A failed sequence stores an empty triple.
func (p *Pipeline) setupAccount(ctx context.Context, name, endpoint string, form domain.AccountForm) (domain.Credentials, error) {
	log := p.log.WithFields(logrus.Fields{"user": name, "endpoint": endpoint})

	creds, runErr := p.createAccount(ctx, endpoint, form)
	if runErr != nil {
		creds = domain.Credentials{}
		runErr = domain.WrapError(domain.KindAutomationFailure, "account setup failed", runErr)
		metrics.AutomationRunsTotal.WithLabelValues(TaskAccountSetup, "failed").Inc()
		log.WithError(runErr).WithField("state", domain.StateAutomationFailed).Warn("Account setup failed")
	} else {
		metrics.AutomationRunsTotal.WithLabelValues(TaskAccountSetup, "success").Inc()
		log.WithField("state", domain.StateAutomationSucceeded).Info("Account setup succeeded")
	}

	if _, err := p.store.Edit(name, creds.Patch()); err != nil {
		log.WithError(err).Error("Failed to store account credentials")
		return creds, fmt.Errorf("storing credentials: %w", err)
	}
	log.WithField("state", domain.StateConfigFinalized).Debug("Provisioning")

	return creds, runErr
}

func (p *Pipeline) createAccount(ctx context.Context, endpoint string, form domain.AccountForm) (domain.Credentials, error) {
	session, err := p.automator.Open(ctx, endpoint)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("opening driver session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			p.log.WithError(err).Debug("Failed to close driver session")
		}
	}()

	if err := session.Initialize(ctx); err != nil {
		return domain.Credentials{}, fmt.Errorf("initializing terminal: %w", err)
	}
	if err := session.SelectBroker(ctx, form.Broker); err != nil {
		return domain.Credentials{}, fmt.Errorf("selecting broker %s: %w", form.Broker, err)
	}
	if err := session.SubmitAccountForm(ctx, form); err != nil {
		return domain.Credentials{}, fmt.Errorf("submitting account form: %w", err)
	}

	creds, err := session.Credentials(ctx)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("reading credentials: %w", err)
	}
	return creds, nil
}

// ChangePassword schedules a password rotation on the terminal behind id. It
// reports whether work was scheduled; with the feature disabled it is a no-op.
func (p *Pipeline) ChangePassword(ctx context.Context, id string, req domain.PasswordChange) (bool, error) {
	status, err := p.lifecycle.Status(ctx, id)
	if err != nil {
		return false, err
	}
	port, ok := PublishedPort(status.Ports)
	if !ok {
		return false, domain.InvalidRequest("container %s has no published port", shortID(id))
	}
	if req.NewPassword == "" {
		return false, domain.InvalidRequest("new password is required")
	}

	name := containerUser(status)
	log := p.log.WithFields(logrus.Fields{"user": name, "container_id": shortID(id)})

	if !p.cfg.PasswordChangeEnabled {
		log.Info("Password change is disabled, request ignored")
		return false, nil
	}

	delay := req.Delay
	if delay <= 0 {
		delay = p.cfg.DefaultDelay
	}
	endpoint := AccessURL(p.cfg.DriverHost, port)

	task := p.tasks.Submit(TaskPasswordChange, delay, func(ctx context.Context) (any, error) {
		return nil, p.rotatePassword(ctx, name, endpoint, req)
	})
	log.WithField("task_id", task.ID).Info("Password change scheduled")

	return true, nil
}

func (p *Pipeline) rotatePassword(ctx context.Context, name, endpoint string, req domain.PasswordChange) error {
	err := func() error {
		session, err := p.automator.Open(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("opening driver session: %w", err)
		}
		defer session.Close()

		if err := session.Initialize(ctx); err != nil {
			return fmt.Errorf("initializing terminal: %w", err)
		}
		return session.ChangePassword(ctx, req.OldPassword, req.NewPassword)
	}()
	if err != nil {
		metrics.AutomationRunsTotal.WithLabelValues(TaskPasswordChange, "failed").Inc()
		return domain.WrapError(domain.KindAutomationFailure, "password change failed", err)
	}
	metrics.AutomationRunsTotal.WithLabelValues(TaskPasswordChange, "success").Inc()

	if _, err := p.store.Edit(name, domain.UserConfig{Password: domain.Ptr(req.NewPassword)}); err != nil {
		return fmt.Errorf("storing new password: %w", err)
	}
	return nil
}

// ContainerName derives the container name, which is also the config store
// key, from a username.
func ContainerName(username string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(username), " ", "_")
	if name == "" {
		return "", domain.InvalidRequest("username is required")
	}
	if !containerNamePattern.MatchString(name) {
		return "", domain.InvalidRequest("username %q cannot be used as a container name", username)
	}
	return name, nil
}

// AccessURL composes the URL of a published terminal.
func AccessURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}

func userFields(req domain.ProvisionRequest) domain.UserConfig {
	cfg := domain.UserConfig{
		Name:             domain.Ptr(req.Username),
		InitialBalance:   domain.Ptr(req.Balance),
		RiskPerTrade:     req.RiskPerTrade,
		MaxDailyDrawdown: req.MaxDailyDrawdown,
		MaxTotalDrawdown: req.MaxTotalDrawdown,
		MinTradeDuration: req.MinTradeDuration,
		MaxTradeDuration: req.MaxTradeDuration,
	}
	if req.Broker != "" {
		cfg.Server = domain.Ptr(req.Broker)
	}
	if req.Email != "" {
		cfg.Email = domain.Ptr(req.Email)
	}
	if req.Phone != "" {
		cfg.Phone = domain.Ptr(req.Phone)
	}
	return cfg
}

func containerUser(status domain.ContainerStatus) string {
	if name := status.Labels[UserLabel]; name != "" {
		return name
	}
	return strings.TrimPrefix(status.Name, "/")
}
