package automation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
)

// Config configures the browser driver.
type Config struct {
	Headless bool
	// NoSandbox disables the Chrome sandbox, required when running as root.
	NoSandbox bool
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// StepTimeout bounds each UI step.
	StepTimeout time.Duration
	// ReadyTimeout bounds the wait for the terminal UI after navigation.
	ReadyTimeout time.Duration
	Selectors    Selectors
}

// Driver opens headless Chrome sessions with chromedp.
type Driver struct {
	cfg Config
	log logrus.FieldLogger
}

// NewDriver creates a Driver. No browser is started until Open.
func NewDriver(cfg Config, log logrus.FieldLogger) *Driver {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	cfg.Selectors = cfg.Selectors.WithDefaults()

	return &Driver{
		cfg: cfg,
		log: log.WithField("component", "automation"),
	}
}

// Open starts a browser and navigates it to endpoint.
func (d *Driver) Open(ctx context.Context, endpoint string) (ports.AutomationSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.WindowSize(1366, 900),
	)
	if d.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}

	// The browser outlives the Open call; it is torn down by Close.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	s := &session{
		ctx:       browserCtx,
		cancel:    func() { cancelBrowser(); cancelAlloc() },
		endpoint:  endpoint,
		selectors: d.cfg.Selectors,
		step:      d.cfg.StepTimeout,
		ready:     d.cfg.ReadyTimeout,
		log:       d.log.WithField("endpoint", endpoint),
	}

	// The first Run on browserCtx starts Chrome and binds it to that context,
	// so it must not carry a step deadline.
	if err := chromedp.Run(browserCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("starting browser: %w", err)
	}

	if err := s.run(ctx, s.step, chromedp.Navigate(endpoint)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("navigating to %s: %w", endpoint, err)
	}
	return s, nil
}

type session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	endpoint  string
	selectors Selectors
	step      time.Duration
	ready     time.Duration
	log       logrus.FieldLogger
}

// run executes actions in the already started browser, bounded by timeout
// and by the caller's ctx.
func (s *session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (s *session) Initialize(ctx context.Context) error {
	sel := s.selectors
	if err := s.run(ctx, s.ready, chromedp.WaitVisible(sel.Ready, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("waiting for terminal: %w", err)
	}

	// A first-run dialog may or may not be present.
	var dialogs int
	if err := s.run(ctx, s.step, chromedp.Evaluate(
		fmt.Sprintf("document.querySelectorAll(%s).length", strconv.Quote(sel.DismissDialog)), &dialogs)); err != nil {
		return fmt.Errorf("checking for dialogs: %w", err)
	}
	if dialogs > 0 {
		if err := s.run(ctx, s.step, chromedp.Click(sel.DismissDialog, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("dismissing dialog: %w", err)
		}
	}

	s.log.Debug("Terminal ready")
	return nil
}

func (s *session) SelectBroker(ctx context.Context, broker string) error {
	sel := s.selectors
	option := sel.brokerXPath(broker)

	err := s.run(ctx, s.step,
		chromedp.WaitVisible(sel.BrokerSearch, chromedp.ByQuery),
		chromedp.SetValue(sel.BrokerSearch, "", chromedp.ByQuery),
		chromedp.SendKeys(sel.BrokerSearch, broker, chromedp.ByQuery),
		chromedp.WaitVisible(option, chromedp.BySearch),
		chromedp.Click(option, chromedp.BySearch),
		chromedp.Click(sel.BrokerNext, chromedp.ByQuery),
	)
	if err != nil {
		return err
	}

	s.log.WithField("broker", broker).Debug("Broker selected")
	return nil
}

func (s *session) SubmitAccountForm(ctx context.Context, form domain.AccountForm) error {
	sel := s.selectors

	actions := []chromedp.Action{
		chromedp.WaitVisible(sel.NameField, chromedp.ByQuery),
		fill(sel.NameField, form.Name),
		fill(sel.EmailField, form.Email),
		fill(sel.PhoneField, form.Phone),
		fill(sel.BalanceField, strconv.FormatFloat(form.Balance, 'f', -1, 64)),
		chromedp.Click(sel.Agreement, chromedp.ByQuery),
		chromedp.Click(sel.SubmitForm, chromedp.ByQuery),
	}
	return s.run(ctx, s.step, actions...)
}

func (s *session) Credentials(ctx context.Context) (domain.Credentials, error) {
	sel := s.selectors

	var login, password, investor string
	err := s.run(ctx, s.step,
		chromedp.WaitVisible(sel.Login, chromedp.ByQuery),
		chromedp.Text(sel.Login, &login, chromedp.ByQuery),
		chromedp.Text(sel.Password, &password, chromedp.ByQuery),
		chromedp.Text(sel.Investor, &investor, chromedp.ByQuery),
	)
	if err != nil {
		return domain.Credentials{}, err
	}

	creds := domain.Credentials{
		Login:    strings.TrimSpace(login),
		Password: strings.TrimSpace(password),
		Investor: strings.TrimSpace(investor),
	}
	if creds.Login == "" {
		return domain.Credentials{}, fmt.Errorf("terminal returned no login")
	}
	return creds, nil
}

func (s *session) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	sel := s.selectors

	return s.run(ctx, s.step,
		chromedp.Click(sel.ChangePasswordMenu, chromedp.ByQuery),
		chromedp.WaitVisible(sel.OldPassword, chromedp.ByQuery),
		fill(sel.OldPassword, oldPassword),
		fill(sel.NewPassword, newPassword),
		fill(sel.ConfirmPassword, newPassword),
		chromedp.Click(sel.SubmitPassword, chromedp.ByQuery),
		chromedp.WaitNotPresent(sel.OldPassword, chromedp.ByQuery),
	)
}

func (s *session) Close() error {
	s.cancel()
	return nil
}

// fill replaces the value of the input matched by sel.
func fill(sel, value string) chromedp.Action {
	return chromedp.Tasks{
		chromedp.SetValue(sel, "", chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	}
}

var _ ports.Automator = (*Driver)(nil)
