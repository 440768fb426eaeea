package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/eew-relay/internal/domain/model"
)

// snapshotServer serves a swappable snapshot body at the report endpoint.
type snapshotServer struct {
	mu   sync.Mutex
	body string
	code int
}

func (s *snapshotServer) set(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = body
	s.code = http.StatusOK
}

func (s *snapshotServer) fail(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
}

func (s *snapshotServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		body, code := s.body, s.code
		s.mu.Unlock()
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
		fmt.Fprint(w, body)
	})
}

func reportJSON(id string, serial int) string {
	return fmt.Sprintf(`{"id":%q,"serial":%d,"status":0,"author":"cwa","time":1712102400000,
		"eq":{"lon":121.5,"lat":23.7,"loc":"花蓮縣近海","mag":6.2,"depth":15,"time":1712102395000,"max":5}}`, id, serial)
}

type collectedRecords struct {
	mu   sync.Mutex
	recs []model.AlertRecord
}

func (c *collectedRecords) sink(rec model.AlertRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *collectedRecords) all() []model.AlertRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.AlertRecord, len(c.recs))
	copy(out, c.recs)
	return out
}

func newTestPollingSource(t *testing.T, srv *snapshotServer) *PollingSource {
	t.Helper()
	server := httptest.NewServer(srv.handler())
	t.Cleanup(server.Close)
	return NewPollingSource(PollingSourceOptions{
		BaseURL:  server.URL,
		Interval: 5 * time.Millisecond,
		Logger:   slog.New(slog.DiscardHandler),
	})
}

func TestPollingSourceForwardsSnapshotRecords(t *testing.T) {
	srv := &snapshotServer{}
	srv.set("[" + reportJSON("evt-1", 1) + "," + reportJSON("evt-2", 1) + "]")
	source := newTestPollingSource(t, srv)

	var got collectedRecords
	require.NoError(t, source.pollOnce(context.Background(), got.sink))

	recs := got.all()
	require.Len(t, recs, 2)
	assert.Equal(t, "evt-1", recs[0].ID)
	assert.Equal(t, "evt-2", recs[1].ID)
	assert.Equal(t, model.AlertStatusAlert, recs[0].Status)
	assert.Equal(t, "花蓮縣近海", recs[0].Earthquake.LocationName)
}

func TestPollingSourceSynthesizesCancelForVanishedID(t *testing.T) {
	srv := &snapshotServer{}
	srv.set("[" + reportJSON("evt-1", 3) + "]")
	source := newTestPollingSource(t, srv)

	var got collectedRecords
	require.NoError(t, source.pollOnce(context.Background(), got.sink))

	srv.set("[]")
	require.NoError(t, source.pollOnce(context.Background(), got.sink))

	recs := got.all()
	require.Len(t, recs, 2)
	assert.Equal(t, model.AlertStatusCancel, recs[1].Status)
	assert.Equal(t, "evt-1", recs[1].ID)
	assert.Equal(t, 3, recs[1].Serial)

	// The id is forgotten, no repeated cancels.
	require.NoError(t, source.pollOnce(context.Background(), got.sink))
	assert.Len(t, got.all(), 2)
}

func TestPollingSourceFetchFailureReturnsError(t *testing.T) {
	srv := &snapshotServer{}
	srv.fail(http.StatusBadGateway)
	source := newTestPollingSource(t, srv)

	var got collectedRecords
	err := source.pollOnce(context.Background(), got.sink)
	require.Error(t, err)
	assert.Empty(t, got.all())
}

func TestPollingSourceMalformedSnapshotKeepsState(t *testing.T) {
	srv := &snapshotServer{}
	srv.set("[" + reportJSON("evt-1", 1) + "]")
	source := newTestPollingSource(t, srv)

	var got collectedRecords
	require.NoError(t, source.pollOnce(context.Background(), got.sink))

	srv.set(`{"not":"an array"}`)
	require.Error(t, source.pollOnce(context.Background(), got.sink))

	// evt-1 is still tracked: it must not vanish-cancel off a bad fetch.
	srv.set("[]")
	require.NoError(t, source.pollOnce(context.Background(), got.sink))
	recs := got.all()
	require.Len(t, recs, 2)
	assert.Equal(t, model.AlertStatusCancel, recs[1].Status)
}

func TestPollingSourceRunStopsOnCancel(t *testing.T) {
	srv := &snapshotServer{}
	srv.set("[]")
	source := newTestPollingSource(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var got collectedRecords
	go func() { done <- source.Run(ctx, got.sink) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
