// Package archive keeps the latest record of every active alert in Redis so
// co-located tools can query current warning state without holding the feed.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quakewatch/eew-relay/internal/backend"
	"github.com/quakewatch/eew-relay/internal/domain/model"
)

// Namespace is the backend's registration name and config section.
const Namespace = "archive"

// Config is the archive backend's scoped configuration.
type Config struct {
	// KeyPrefix namespaces archive keys in a shared Redis.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"eew:alert:"`

	// TTL caps how long a record outlives its last revision. The registry
	// lifts stale alerts well before this; the TTL only guards against
	// records orphaned by a crash.
	TTL time.Duration `env:"TTL" envDefault:"30m"`

	// PingInterval paces the connectivity watchdog.
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"1m"`
}

// Store is the subset of the Redis client the archive needs.
type Store interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Backend mirrors active alerts into Redis.
type Backend struct {
	rdb          Store
	keyPrefix    string
	ttl          time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

// Registration exposes the backend to the plugin registry.
func Registration() backend.Registration {
	return backend.Registration{
		Namespace: Namespace,
		Build:     build,
	}
}

func build(env backend.Env) (backend.Backend, error) {
	var cfg Config
	if err := env.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	return New(cfg, env.Stores.Redis, env.Logger)
}

// New builds the archive backend. A Redis client is required.
func New(cfg Config, rdb Store, logger *slog.Logger) (*Backend, error) {
	if rdb == nil {
		return nil, errors.New("archive backend requires a redis connection")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = time.Minute
	}
	return &Backend{
		rdb:          rdb,
		keyPrefix:    cfg.KeyPrefix,
		ttl:          ttl,
		pingInterval: pingInterval,
		logger:       logger,
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string { return Namespace }

// OnNew stores the first record of an alert.
func (b *Backend) OnNew(ctx context.Context, rec model.AlertRecord) error {
	return b.store(ctx, rec)
}

// OnUpdate replaces the stored record with the revision.
func (b *Backend) OnUpdate(ctx context.Context, rec model.AlertRecord) error {
	return b.store(ctx, rec)
}

// OnLift removes the alert from the archive.
func (b *Backend) OnLift(ctx context.Context, rec model.AlertRecord) error {
	if err := b.rdb.Del(ctx, b.key(rec.ID)).Err(); err != nil {
		return fmt.Errorf("delete archived alert %s: %w", rec.ID, err)
	}
	return nil
}

// Run watches store connectivity so outages surface in logs even while no
// alerts flow.
func (b *Backend) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := b.rdb.Ping(ctx).Err(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if healthy {
				b.logger.ErrorContext(ctx, "archive store unreachable", "error", err)
			}
			healthy = false
			continue
		}
		if !healthy {
			b.logger.InfoContext(ctx, "archive store connectivity restored")
		}
		healthy = true
	}
}

func (b *Backend) store(ctx context.Context, rec model.AlertRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", rec.Key(), err)
	}
	if err := b.rdb.Set(ctx, b.key(rec.ID), payload, b.ttl).Err(); err != nil {
		return fmt.Errorf("archive alert %s: %w", rec.Key(), err)
	}
	return nil
}

func (b *Backend) key(id string) string {
	return b.keyPrefix + id
}
