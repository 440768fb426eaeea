// Package backend defines the notification backend contract and the registry
// that resolves configured backends at startup.
package backend

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quakewatch/eew-relay/internal/domain/model"
)

// Backend is the minimal contract every notification backend satisfies.
// Capabilities beyond identity are declared through the optional interfaces
// below; a backend implements only the hooks it cares about.
type Backend interface {
	Name() string
}

// NewHandler receives the first accepted record for an alert id.
type NewHandler interface {
	OnNew(ctx context.Context, record model.AlertRecord) error
}

// UpdateHandler receives accepted revisions of a known alert id.
type UpdateHandler interface {
	OnUpdate(ctx context.Context, record model.AlertRecord) error
}

// LiftHandler receives the last known record when an alert is cancelled or
// expires.
type LiftHandler interface {
	OnLift(ctx context.Context, record model.AlertRecord) error
}

// Runner is implemented by backends that need a long-lived loop of their own,
// e.g. to hold a chat-platform session open. Run is started once at startup
// and should only return when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Hooks must not block their caller for long; deliveries run on an
// independent goroutine per backend with a per-invocation timeout, so a
// misbehaving hook degrades only its own backend's timeliness.

// Env is handed to a backend factory at registration time.
type Env struct {
	// Logger is scoped to the backend.
	Logger *slog.Logger

	// DecodeConfig parses the backend's own configuration section,
	// scoped to its namespace, into a typed struct. It is called at most
	// once per registration; raw configuration is never re-read after.
	DecodeConfig func(into any) error

	// Stores carries shared store clients for backends that persist
	// state. Entries are nil when the corresponding store is not
	// configured; factories requiring one must fail registration.
	Stores Stores
}

// Stores groups shared store handles available to backends.
type Stores struct {
	Redis    redis.UniversalClient
	Postgres *pgxpool.Pool
}

// Factory constructs a backend from its environment. Returning an error
// excludes this backend without affecting the registration of others.
type Factory func(env Env) (Backend, error)

// Registration is a backend's entry point: a stable namespace key used to
// locate its configuration section, plus its factory.
type Registration struct {
	Namespace string
	Build     Factory
}
