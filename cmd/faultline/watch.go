package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/capture"
	"github.com/fyrsmithlabs/faultline/internal/capture/rodhost"
	"github.com/fyrsmithlabs/faultline/internal/config"
	"github.com/fyrsmithlabs/faultline/internal/relay"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <url>",
		Short: "Run the daemon and capture faults from a page in a browser",
		Long: `Run the daemon, launch a browser, and attach a capture agent to the
page at <url>. Captured signals are published into the daemon's relay.

Examples:
  faultline watch http://localhost:3000

  # Watch with a visible browser window
  FAULTLINE_BROWSER_HEADLESS=false faultline watch http://localhost:3000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := newDaemon(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			stopWatch, err := startWatch(cmd.Context(), cfg, d.Publisher(), d.logger.Underlying(), target)
			if err != nil {
				return err
			}
			defer stopWatch()

			return d.Run(cmd.Context())
		},
	}
}

func parseTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "file":
		return u.String(), nil
	default:
		return "", fmt.Errorf("url %q must be http, https or file", raw)
	}
}

// captureOptions maps the capture section of the config onto agent options.
func captureOptions(cc config.CaptureConfig, logger *zap.Logger) []capture.Option {
	return []capture.Option{
		capture.WithLogger(logger),
		capture.WithHeaderCheckDelay(cc.HeaderCheckDelay.Duration()),
		capture.WithSlowResponseThreshold(cc.SlowResponseThreshold.Duration()),
		capture.WithSecretRedaction(cc.RedactSecrets),
	}
}

// startWatch launches the browser and attaches an agent to target. The
// returned func tears both down.
func startWatch(ctx context.Context, cfg *config.Config, pub relay.Publisher, logger *zap.Logger, target string) (func(), error) {
	tab := cfg.Capture.TabScope
	if tab == "" {
		tab = "tab-" + uuid.NewString()
	}
	agent, err := capture.New(tab, pub, captureOptions(cfg.Capture, logger.Named("capture"))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture agent: %w", err)
	}

	browser, err := rodhost.Launch(ctx, rodhost.LaunchConfig{Headless: cfg.Browser.Headless, Bin: cfg.Browser.Bin})
	if err != nil {
		agent.Close()
		return nil, err
	}

	session, err := browser.Watch(ctx, target, agent, rodhost.WithLogger(logger.Named("rodhost")))
	if err != nil {
		_ = browser.Close()
		agent.Close()
		return nil, err
	}
	logger.Info("watching page", zap.String("url", target), zap.String("tab_scope", tab))

	return func() {
		session.Close()
		agent.Close()
		if err := browser.Close(); err != nil {
			logger.Debug("browser close failed", zap.Error(err))
		}
		stats := agent.Stats()
		logger.Info("capture stopped",
			zap.Int64("emitted", stats.Emitted),
			zap.Int64("dropped", stats.Dropped))
	}, nil
}
