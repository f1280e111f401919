// Package cmd provides CLI commands for termfleet.
package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

func init() {
	log = logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

var rootCmd = &cobra.Command{
	Use:   "termfleet",
	Short: "Per-user sandboxed terminal provisioning",
	Long: `termfleet runs one sandboxed trading terminal container per user.

It assigns every container a free host port, keeps each user's terminal
config on disk, and can set up the terminal account in the background
through a headless browser.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(strings.ToLower(logLevel))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: CONFIG_PATH env var or config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
}
