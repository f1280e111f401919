package cmd

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const templateRefreshTimeout = time.Minute

// templateRefresher is implemented by template sources that cache.
type templateRefresher interface {
	Refresh(ctx context.Context) error
}

// reloadOnSignal refetches the config template each time sig fires, until
// ctx is done. A failed refresh keeps the previous template.
func reloadOnSignal(ctx context.Context, sig <-chan os.Signal, src templateRefresher, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			refreshCtx, cancel := context.WithTimeout(ctx, templateRefreshTimeout)
			err := src.Refresh(refreshCtx)
			cancel()

			if err != nil {
				log.WithError(err).Warn("Config template refresh failed, keeping previous template")
				continue
			}
			log.Info("Config template refreshed")
		}
	}
}
