package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/quakewatch/eew-relay/config"
	"github.com/quakewatch/eew-relay/internal/backend"
	"github.com/quakewatch/eew-relay/internal/backend/archive"
	"github.com/quakewatch/eew-relay/internal/backend/discord"
	"github.com/quakewatch/eew-relay/internal/backend/history"
	"github.com/quakewatch/eew-relay/internal/backend/line"
	"github.com/quakewatch/eew-relay/internal/backend/slack"
	"github.com/quakewatch/eew-relay/internal/backend/webhook"
	"github.com/quakewatch/eew-relay/internal/domain/model"
	"github.com/quakewatch/eew-relay/internal/feed"
	"github.com/quakewatch/eew-relay/internal/observability/statsd"
	"github.com/quakewatch/eew-relay/internal/service"
)

// runnerStopTimeout bounds how long shutdown waits for backend run loops.
const runnerStopTimeout = 10 * time.Second

// backendCatalog lists every built-in backend by namespace. Only names in
// BACKENDS actually register.
func backendCatalog() map[string]backend.Registration {
	catalog := make(map[string]backend.Registration)
	for _, reg := range []backend.Registration{
		discord.Registration(),
		line.Registration(),
		slack.Registration(),
		webhook.Registration(),
		archive.Registration(),
		history.Registration(),
	} {
		catalog[reg.Namespace] = reg
	}
	return catalog
}

// RuntimeDeps groups dependencies for runtime assembly.
type RuntimeDeps struct {
	Config *config.AppConfig
	Stores backend.Stores
	Logger *slog.Logger
}

// Runtime is the assembled daemon: feed, registry, dispatcher, and the
// registered backend set.
type Runtime struct {
	cfg        *config.AppConfig
	logger     *slog.Logger
	metrics    *statsd.Client
	backends   *backend.Registry
	registry   *service.Registry
	dispatcher *service.Dispatcher
	source     feed.Source
}

// NewRuntime wires the daemon together. Backend registration failures are
// logged and skipped inside the plugin registry; ending up with zero
// registered backends is fatal because the daemon would relay into a void.
func NewRuntime(deps *RuntimeDeps) (*Runtime, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("runtime config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	var metricsClient *statsd.Client
	var metrics statsd.Sink
	if cfg.Observability.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Observability.Metrics.StatsdAddress,
			Prefix:  "eew_relay",
			Logger:  logger,
		})
		if err != nil {
			logger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsClient = client
			metrics = client
		}
	}

	backends := backend.NewRegistry(backend.RegistryOptions{
		Catalog: backendCatalog(),
		Stores:  deps.Stores,
		Logger:  logger,
	})
	backends.RegisterAll(cfg.Backends.Enabled)
	if len(backends.Backends()) == 0 {
		return nil, errors.New("no backends registered")
	}

	dispatcher := service.NewDispatcher(service.DispatcherOptions{
		Backends:     backends.Backends(),
		QueueDepth:   cfg.Dispatch.QueueDepth,
		HookTimeout:  cfg.Dispatch.HookTimeout,
		DrainTimeout: cfg.Dispatch.DrainTimeout,
		Logger:       logger,
		Metrics:      metrics,
	})

	registry := service.NewRegistry(service.RegistryOptions{
		ExpiryWindow: cfg.Registry.ExpiryWindow,
		Sink:         dispatcher,
		Logger:       logger,
		Metrics:      metrics,
	})

	source, err := buildSource(cfg.Feed, logger, metrics)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		metrics:    metricsClient,
		backends:   backends,
		registry:   registry,
		dispatcher: dispatcher,
		source:     source,
	}, nil
}

// buildSource selects the feed source for the configured mode. Auto mode
// streams over the websocket when an API key exists, with a permanent polling
// fallback on authorization failure, and polls otherwise.
func buildSource(cfg config.FeedConfig, logger *slog.Logger, metrics statsd.Sink) (feed.Source, error) {
	mode, err := config.ParseFeedMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	polling := feed.NewPollingSource(feed.PollingSourceOptions{
		BaseURL:        cfg.APIBaseURL,
		Interval:       cfg.PollInterval,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})

	if mode == config.FeedModePoll || (mode == config.FeedModeAuto && cfg.APIKey == "") {
		return polling, nil
	}

	wsOpts := feed.WebSocketSourceOptions{
		URL:            cfg.WebSocketURL,
		APIKey:         cfg.APIKey,
		Services:       cfg.Services,
		Providers:      cfg.Providers,
		InitialBackoff: cfg.ReconnectInitialInterval,
		MaxBackoff:     cfg.ReconnectMaxInterval,
		Logger:         logger,
		Metrics:        metrics,
	}
	if mode == config.FeedModeAuto {
		wsOpts.Fallback = polling
	}
	return feed.NewWebSocketSource(wsOpts), nil
}

// Run starts the daemon and blocks until a shutdown signal arrives or the
// feed fails fatally. Shutdown order: feed first so no new records arrive,
// then registry timers, then the dispatcher drain, then backend run loops.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runnerCtx, cancelRunners := context.WithCancel(context.Background())
	defer cancelRunners()
	r.backends.StartRunners(runnerCtx)

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.source.Run(feedCtx, func(rec model.AlertRecord) {
			r.registry.Ingest(rec)
		})
	}()

	r.logger.InfoContext(ctx, "eew relay started",
		"backends", r.cfg.Backends.Enabled,
		"expiry_window", r.cfg.Registry.ExpiryWindow.String())

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("feed failed", "error", err)
			runErr = err
		}
	}

	r.shutdown(cancelFeed, cancelRunners)
	return runErr
}

func (r *Runtime) shutdown(cancelFeed, cancelRunners context.CancelFunc) {
	cancelFeed()
	r.registry.Stop()
	r.dispatcher.Close()

	cancelRunners()
	done := make(chan struct{})
	go func() {
		r.backends.WaitRunners()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(runnerStopTimeout):
		r.logger.Warn("timeout waiting for backend run loops to stop")
	}

	if r.metrics != nil {
		if err := r.metrics.Close(); err != nil {
			r.logger.Error("close metrics client failed", "error", err)
		}
	}
	r.logger.Info("eew relay stopped")
}
