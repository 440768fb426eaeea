package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quakewatch/eew-relay/config"
	"github.com/quakewatch/eew-relay/internal/backend"
	"github.com/quakewatch/eew-relay/internal/backend/archive"
	"github.com/quakewatch/eew-relay/internal/backend/history"
)

const connectTimeout = 10 * time.Second

// ConnectStores opens only the store connections the enabled backends need.
// A daemon running pure chat backends touches neither Redis nor Postgres.
func ConnectStores(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (backend.Stores, func(), error) {
	var stores backend.Stores
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if slices.Contains(cfg.Backends.Enabled, archive.Namespace) {
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return backend.Stores{}, nil, err
		}
		stores.Redis = client
		closers = append(closers, func() {
			if cerr := client.Close(); cerr != nil {
				logger.Error("close redis failed", "error", cerr)
			}
		})
		logger.InfoContext(ctx, "connected to redis", "addr", cfg.Redis.Addr())
	}

	if slices.Contains(cfg.Backends.Enabled, history.Namespace) {
		pool, err := connectPostgres(ctx, cfg.Postgres)
		if err != nil {
			closeAll()
			return backend.Stores{}, nil, err
		}
		stores.Postgres = pool
		closers = append(closers, pool.Close)
		logger.InfoContext(ctx, "connected to postgres",
			"host", cfg.Postgres.Host,
			"db", cfg.Postgres.Name)
	}

	return stores, closeAll, nil
}

//nolint:ireturn // UniversalClient keeps sentinel/cluster support flexible.
func connectRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

func connectPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode)

	poolCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.New(poolCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(poolCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return pool, nil
}
