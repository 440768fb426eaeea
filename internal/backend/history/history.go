// Package history journals every alert lifecycle event into Postgres for
// after-the-fact analysis.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quakewatch/eew-relay/internal/backend"
	"github.com/quakewatch/eew-relay/internal/domain/model"
)

// Namespace is the backend's registration name and config section.
const Namespace = "history"

const createTableSQL = `
CREATE TABLE IF NOT EXISTS alert_events (
	id         BIGSERIAL PRIMARY KEY,
	alert_id   TEXT        NOT NULL,
	serial     INTEGER     NOT NULL,
	kind       TEXT        NOT NULL,
	provider   TEXT        NOT NULL DEFAULT '',
	issued_at  TIMESTAMPTZ,
	record     JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (alert_id, serial, kind)
)`

const insertEventSQL = `
INSERT INTO alert_events (alert_id, serial, kind, provider, issued_at, record)
VALUES ($1, $2, $3, $4, $5, $6)`

// Execer is the subset of pgxpool.Pool the journal needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Backend appends lifecycle events to the alert_events table.
type Backend struct {
	db     Execer
	logger *slog.Logger
}

// Registration exposes the backend to the plugin registry.
func Registration() backend.Registration {
	return backend.Registration{
		Namespace: Namespace,
		Build:     build,
	}
}

func build(env backend.Env) (backend.Backend, error) {
	if env.Stores.Postgres == nil {
		return nil, errors.New("history backend requires a postgres connection")
	}
	b := New(env.Stores.Postgres, env.Logger)
	if err := b.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return b, nil
}

// New builds the history backend on an existing connection pool.
func New(db Execer, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{db: db, logger: logger}
}

// Name returns the backend name.
func (b *Backend) Name() string { return Namespace }

// ensureSchema creates the journal table on first use. The journal owns its
// single table, so a migration runner would be overhead.
func (b *Backend) ensureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create alert_events table: %w", err)
	}
	return nil
}

// OnNew journals the first report of an alert.
func (b *Backend) OnNew(ctx context.Context, rec model.AlertRecord) error {
	return b.append(ctx, model.TransitionNew, rec)
}

// OnUpdate journals a revision.
func (b *Backend) OnUpdate(ctx context.Context, rec model.AlertRecord) error {
	return b.append(ctx, model.TransitionUpdate, rec)
}

// OnLift journals the end of an alert.
func (b *Backend) OnLift(ctx context.Context, rec model.AlertRecord) error {
	return b.append(ctx, model.TransitionLift, rec)
}

// append inserts one event row. A unique violation means the same event was
// already journaled and is treated as success, making redelivery harmless.
func (b *Backend) append(ctx context.Context, kind model.TransitionKind, rec model.AlertRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", rec.Key(), err)
	}

	_, err = b.db.Exec(ctx, insertEventSQL,
		rec.ID, rec.Serial, kind.String(), rec.Provider, rec.IssuedAt, payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			b.logger.DebugContext(ctx, "event already journaled",
				"alert_id", rec.ID,
				"serial", rec.Serial,
				"kind", kind.String())
			return nil
		}
		return fmt.Errorf("journal %s event for %s: %w", kind, rec.Key(), err)
	}
	return nil
}
