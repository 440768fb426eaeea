package history

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/eew-relay/internal/domain/model"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExecer struct {
	calls []execCall
	err   error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.err
}

func testRecord() model.AlertRecord {
	return model.AlertRecord{
		ID:       "evt-1",
		Serial:   2,
		Status:   model.AlertStatusAlert,
		Provider: "cwa",
		IssuedAt: time.Unix(1712102400, 0),
		Earthquake: model.Earthquake{
			Longitude: 121.5,
			Latitude:  23.7,
			Magnitude: 6.2,
		},
	}
}

func TestEnsureSchemaCreatesJournalTable(t *testing.T) {
	db := &fakeExecer{}
	b := New(db, slog.New(slog.DiscardHandler))

	require.NoError(t, b.ensureSchema(context.Background()))
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "CREATE TABLE IF NOT EXISTS alert_events")
}

func TestJournalsEveryTransitionKind(t *testing.T) {
	db := &fakeExecer{}
	b := New(db, slog.New(slog.DiscardHandler))

	require.NoError(t, b.OnNew(context.Background(), testRecord()))
	require.NoError(t, b.OnUpdate(context.Background(), testRecord()))
	require.NoError(t, b.OnLift(context.Background(), testRecord()))

	require.Len(t, db.calls, 3)
	assert.Contains(t, db.calls[0].sql, "INSERT INTO alert_events")

	require.Len(t, db.calls[0].args, 6)
	assert.Equal(t, "evt-1", db.calls[0].args[0])
	assert.Equal(t, 2, db.calls[0].args[1])
	assert.Equal(t, "new", db.calls[0].args[2])
	assert.Equal(t, "update", db.calls[1].args[2])
	assert.Equal(t, "lift", db.calls[2].args[2])
	assert.Equal(t, "cwa", db.calls[0].args[3])
}

func TestDuplicateRowTreatedAsDelivered(t *testing.T) {
	db := &fakeExecer{err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}}
	b := New(db, slog.New(slog.DiscardHandler))

	assert.NoError(t, b.OnNew(context.Background(), testRecord()))
}

func TestOtherErrorsPropagate(t *testing.T) {
	db := &fakeExecer{err: errors.New("connection refused")}
	b := New(db, slog.New(slog.DiscardHandler))

	err := b.OnNew(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evt-1/2")
}
