package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/quakewatch/eew-relay/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger(false)
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.IsDev {
		logger = bootstrap.InitLogger(true)
	}

	logger.InfoContext(ctx, "starting eew relay",
		"feed_mode", cfg.Feed.Mode,
		"backends", cfg.Backends.Enabled)

	if err = bootstrap.ValidateConfig(&cfg); err != nil {
		return err
	}

	stores, closeStores, err := bootstrap.ConnectStores(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	runtime, err := bootstrap.NewRuntime(&bootstrap.RuntimeDeps{
		Config: &cfg,
		Stores: stores,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	return runtime.Run(ctx)
}
