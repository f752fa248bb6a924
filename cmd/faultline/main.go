// Faultline captures runtime faults from a web page, aggregates them and
// serves them, with fix suggestions, over HTTP.
//
// Usage:
//
//	# Run the daemon; agents publish into the relay
//	faultline serve
//
//	# Run the daemon and capture from a browser-driven page
//	faultline watch https://localhost:3000
//
// Configuration is read from ~/.config/faultline/config.yaml and
// FAULTLINE_* environment variables. See internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/faultline/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "faultline",
		Short: "Capture, aggregate and explain runtime faults from web pages",
		Long: `faultline captures console errors, uncaught exceptions, failed network
calls and risky script patterns from an observed page, keeps the most recent
ones in a bounded buffer and serves them with fix suggestions over HTTP.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/faultline/config.yaml)")
	root.AddCommand(newServeCmd(), newWatchCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithFile(configPath)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregator, relay and HTTP API",
		Long: `Run the daemon. Capture agents publish into the configured relay
(local, nats or embedded); observers read through the HTTP API.

Examples:
  # Defaults: local relay, API on 127.0.0.1:9191
  faultline serve

  # Share the relay with remote agents over an in-process NATS server
  FAULTLINE_RELAY_MODE=embedded faultline serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := newDaemon(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.Run(cmd.Context())
		},
	}
}
