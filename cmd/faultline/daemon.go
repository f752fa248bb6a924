package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/faultline/internal/aggregator"
	"github.com/fyrsmithlabs/faultline/internal/config"
	httpserver "github.com/fyrsmithlabs/faultline/internal/http"
	"github.com/fyrsmithlabs/faultline/internal/logging"
	"github.com/fyrsmithlabs/faultline/internal/relay"
	"github.com/fyrsmithlabs/faultline/internal/store"
	"github.com/fyrsmithlabs/faultline/internal/suggest"
	"github.com/fyrsmithlabs/faultline/internal/telemetry"
)

// eventRelay is what the daemon needs from every relay transport.
type eventRelay interface {
	relay.Publisher
	relay.Observer
	relay.Broadcaster
	Serve(ctx context.Context, authority relay.Authority) error
	Close() error
}

// daemon owns every long-lived component of a faultline process.
type daemon struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	relay     eventRelay
	buffer    *aggregator.Aggregator
	feedback  *suggest.FeedbackLog
	db        *store.SQLite
	server    *httpserver.Server

	closers []func()
}

// newDaemon wires the components in dependency order. On error everything
// already built is released.
func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &daemon{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			d.Close()
		}
	}()

	if err := d.initObservability(ctx); err != nil {
		return nil, err
	}
	zl := d.logger.Underlying()

	if err := d.initRelay(); err != nil {
		return nil, err
	}
	d.buffer = aggregator.New(d.relay,
		aggregator.WithCapacity(cfg.Aggregator.Capacity),
		aggregator.WithLogger(zl.Named("aggregator")),
	)

	sources, err := d.initSources(ctx)
	if err != nil {
		return nil, err
	}
	suggester := suggest.New(sources,
		suggest.WithLogger(zl.Named("suggest")),
		suggest.WithSourceTimeout(cfg.Suggest.SourceTimeout.Duration()),
		suggest.WithConcurrency(cfg.Suggest.Concurrency),
		suggest.WithMeterProvider(d.telemetry.MeterProvider()),
	)

	if err := d.initFeedback(ctx); err != nil {
		return nil, err
	}

	d.server, err = httpserver.NewServer(httpserver.Deps{
		Publisher: d.relay,
		Observer:  d.relay,
		Suggester: suggester,
		Feedback:  d.feedback,
		Metrics:   httpserver.NewHTTPMetrics(zl),
	}, zl.Named("http"), &httpserver.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		RelayMode:         cfg.Relay.Mode,
		DefaultMaxResults: cfg.Suggest.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}

	d.logger.Info(ctx, "faultline configured",
		zap.String("version", version),
		zap.String("relay_mode", cfg.Relay.Mode),
		zap.Int("capacity", cfg.Aggregator.Capacity),
		zap.Int("sources", len(sources)),
		zap.Bool("persistent_feedback", d.db != nil),
		zap.Bool("telemetry", d.telemetry.IsEnabled()))
	ready = true
	return d, nil
}

func loggingConfig(obs config.ObservabilityConfig) (*logging.Config, error) {
	lcfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(obs.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", obs.LogLevel, err)
	}
	lcfg.Level = level
	lcfg.Format = obs.LogFormat
	lcfg.Fields = map[string]string{"service": obs.ServiceName}
	return lcfg, nil
}

// initObservability builds a stdout logger, starts telemetry with it, and
// rebuilds the logger with OTEL output once a provider exists.
func (d *daemon) initObservability(ctx context.Context) error {
	lcfg, err := loggingConfig(d.cfg.Observability)
	if err != nil {
		return err
	}
	boot, err := logging.NewLogger(lcfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	d.logger = boot

	tel, err := telemetry.New(ctx,
		telemetry.FromObservability(d.cfg.Observability, version),
		telemetry.WithLogger(boot.Underlying().Named("telemetry")),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	d.telemetry = tel
	d.closers = append(d.closers, func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			d.logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
		}
	})

	if tel.IsEnabled() {
		lcfg.Output.OTEL = true
		logger, err := logging.NewLogger(lcfg, tel.LoggerProvider())
		if err != nil {
			return fmt.Errorf("failed to initialize otel logger: %w", err)
		}
		_ = boot.Sync()
		d.logger = logger
	}
	return nil
}

func (d *daemon) initRelay() error {
	rc := d.cfg.Relay
	zl := d.logger.Underlying().Named("relay")
	natsOpts := []relay.NATSOption{
		relay.WithSubjectPrefix(rc.SubjectPrefix),
		relay.WithNATSInboxSize(rc.InboxSize),
		relay.WithNATSLogger(zl),
	}

	switch rc.Mode {
	case config.RelayNATS:
		n, err := relay.ConnectNATS(rc.URL, natsOpts...)
		if err != nil {
			return fmt.Errorf("failed to connect relay to %s: %w", rc.URL, err)
		}
		d.relay = n
	case config.RelayEmbedded:
		e, err := relay.Embedded(relay.EmbeddedConfig{Host: d.cfg.Server.Host, Port: rc.EmbeddedPort}, natsOpts...)
		if err != nil {
			return fmt.Errorf("failed to start embedded relay: %w", err)
		}
		d.logger.Info(context.Background(), "embedded relay listening", zap.String("url", e.ClientURL()))
		d.relay = e
	default:
		d.relay = relay.NewLocal(relay.WithInboxSize(rc.InboxSize), relay.WithLocalLogger(zl))
	}
	r := d.relay
	d.closers = append(d.closers, func() { _ = r.Close() })
	return nil
}

// initSources always includes the docs source. Disabled remote sources stay
// listed as disconnected so a request naming them gets a not-connected
// result instead of an unknown-source error.
func (d *daemon) initSources(ctx context.Context) ([]suggest.Source, error) {
	zl := d.logger.Underlying().Named("suggest")
	sources := []suggest.Source{suggest.NewDocsSource()}

	if so := d.cfg.StackOverflow; so.Enabled {
		sources = append(sources, suggest.NewStackOverflowSource(suggest.StackOverflowConfig{
			BaseURL: so.BaseURL,
			Site:    so.Site,
			Rate:    so.Rate,
			Burst:   so.Burst,
			APIKey:  so.APIKey,
			Timeout: d.cfg.Suggest.SourceTimeout.Duration(),
			Logger:  zl.Named("stackoverflow"),
		}))
	} else {
		sources = append(sources, suggest.Disconnected(suggest.SourceStackOverflow))
	}

	if gh := d.cfg.GitHub; gh.Enabled {
		src, err := suggest.NewGitHubSource(ctx, suggest.GitHubConfig{
			Token:      gh.Token,
			BaseURL:    gh.BaseURL,
			CodeSearch: gh.CodeSearch,
			Logger:     zl.Named("github"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create github source: %w", err)
		}
		sources = append(sources, src)
	} else {
		sources = append(sources, suggest.Disconnected(suggest.SourceGitHub))
	}
	return sources, nil
}

// initFeedback opens the sqlite store when a path is configured and
// restores persisted feedback into the log.
func (d *daemon) initFeedback(ctx context.Context) error {
	opts := []suggest.FeedbackOption{suggest.WithFeedbackLogger(d.logger.Underlying().Named("feedback"))}
	if path := d.cfg.Store.Path; path != "" {
		db, err := store.OpenSQLite(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to open store %s: %w", path, err)
		}
		d.db = db
		d.closers = append(d.closers, func() { _ = db.Close() })
		opts = append(opts, suggest.WithStore(db.Namespace(store.NamespaceFeedback)))
	}

	d.feedback = suggest.NewFeedbackLog(d.cfg.Suggest.FeedbackLimit, opts...)
	fb := d.feedback
	d.closers = append(d.closers, fb.Close)

	if d.db != nil {
		n, err := fb.Restore(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore feedback: %w", err)
		}
		d.logger.Info(ctx, "feedback restored", zap.Int("entries", n))
	}
	return nil
}

// Publisher is the relay side capture agents publish into.
func (d *daemon) Publisher() relay.Publisher { return d.relay }

// Run serves the relay and the HTTP API until ctx is done, then shuts the
// server down within the configured timeout.
func (d *daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := d.relay.Serve(gctx, d.buffer)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		d.logger.Info(shutdownCtx, "shutting down")
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases components in reverse construction order.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}
