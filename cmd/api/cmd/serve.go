package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	apihttp "github.com/melih/termfleet/internal/adapters/http"
	"github.com/melih/termfleet/internal/config"
)

var (
	host string
	port int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API that provisions and manages terminal containers.

Examples:
  # Start with config.yaml from the working directory
  termfleet serve

  # Start on another port with a custom config
  termfleet serve --port 8080 -c /etc/termfleet/config.yaml

A git-backed config template is fetched again on SIGHUP.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&host, "host", "",
		"Host to bind to (overrides config)")
	serveCmd.Flags().IntVar(&port, "port", 0,
		"Port to bind to (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if host != "" {
		cfg.Server.Host = host
	}

	if port != 0 {
		cfg.Server.Port = port
	}

	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.runtime.Close()

	if r, ok := c.template.(templateRefresher); ok {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		go reloadOnSignal(ctx, hup, r, log.WithField("component", "template"))
	}

	handler := apihttp.NewContainerHandler(c.manager, log)

	var proxy *apihttp.ProxyHandler
	if cfg.Proxy.Enabled {
		proxy = apihttp.NewProxyHandler(c.manager, cfg.Proxy.Domain, cfg.Automation.DriverHost, log)
	}

	app := apihttp.NewApp(handler, proxy, log)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	log.WithFields(logrus.Fields{
		"addr":       addr,
		"image":      cfg.Runtime.Image,
		"port_range": fmt.Sprintf("%d-%d", cfg.Ports.Start, cfg.Ports.End),
		"reserve":    cfg.Ports.ReserveEnabled(),
		"automation": cfg.Automation.Enabled,
	}).Info("Starting termfleet API")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("running server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping server: %w", err))
	}
	if err := c.tasks.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Background tasks still running at shutdown")
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
