package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/eew-relay/internal/domain/model"
)

var testUpgrader = websocket.Upgrader{}

// wsScript runs one scripted upstream connection after the subscribe frame
// arrives.
type wsScript func(t *testing.T, conn *websocket.Conn, start wsStart)

func newUpstream(t *testing.T, script wsScript) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var start wsStart
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		script(t, conn, start)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func sendInfo(t *testing.T, conn *websocket.Conn, code int, message string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type": "info",
		"data": map[string]any{"code": code, "message": message},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func sendEEWFrame(t *testing.T, conn *websocket.Conn, id string, serial int) {
	t.Helper()
	sendEEWFrameFrom(t, conn, id, serial, "cwa")
}

func sendEEWFrameFrom(t *testing.T, conn *websocket.Conn, id string, serial int, author string) {
	t.Helper()
	frame := `{"type":"data","time":1712102400000,"data":{"type":"eew","id":"` + id + `","serial":` +
		jsonInt(serial) + `,"status":0,"author":"` + author + `","eq":{"lon":121.5,"lat":23.7,"loc":"花蓮縣近海","mag":6.2,"depth":15,"time":1712102395000,"max":5}}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func jsonInt(v int) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func newTestWebSocketSource(url string, fallback Source) *WebSocketSource {
	return NewWebSocketSource(WebSocketSourceOptions{
		URL:            url,
		APIKey:         "test-key",
		Services:       []string{"websocket.eew"},
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		ReadTimeout:    time.Second,
		Fallback:       fallback,
		Logger:         slog.New(slog.DiscardHandler),
	})
}

func waitRecords(t *testing.T, got *collectedRecords, n int) []model.AlertRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recs := got.all(); len(recs) >= n {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	recs := got.all()
	require.Lenf(t, recs, n, "timed out waiting for %d records", n)
	return recs
}

func TestWebSocketSourceSubscribesAndStreams(t *testing.T) {
	url := newUpstream(t, func(t *testing.T, conn *websocket.Conn, start wsStart) {
		assert.Equal(t, "start", start.Type)
		assert.Equal(t, "test-key", start.Key)
		assert.Equal(t, []string{"websocket.eew"}, start.Service)

		sendInfo(t, conn, 200, "ok")
		sendEEWFrame(t, conn, "evt-1", 1)
		sendEEWFrame(t, conn, "evt-1", 2)
		time.Sleep(100 * time.Millisecond)
	})

	source := newTestWebSocketSource(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got collectedRecords
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx, got.sink) }()

	recs := waitRecords(t, &got, 2)
	assert.Equal(t, "evt-1", recs[0].ID)
	assert.Equal(t, 1, recs[0].Serial)
	assert.Equal(t, 2, recs[1].Serial)
	assert.Equal(t, "cwa", recs[0].Provider)
	assert.False(t, recs[0].IssuedAt.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestWebSocketSourceSkipsNonEEWAndMalformedFrames(t *testing.T) {
	url := newUpstream(t, func(t *testing.T, conn *websocket.Conn, _ wsStart) {
		sendInfo(t, conn, 200, "ok")
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"data","data":{"type":"rts","foo":1}}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"data","data":{"type":"eew","serial":1}}`)))
		sendEEWFrame(t, conn, "evt-9", 1)
		time.Sleep(100 * time.Millisecond)
	})

	source := newTestWebSocketSource(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got collectedRecords
	go source.Run(ctx, got.sink)

	recs := waitRecords(t, &got, 1)
	assert.Equal(t, "evt-9", recs[0].ID)
}

func TestWebSocketSourceSkipsMalformedEnvelopeWithoutReconnect(t *testing.T) {
	var attempts atomic.Int32
	url := newUpstream(t, func(t *testing.T, conn *websocket.Conn, _ wsStart) {
		attempts.Add(1)
		sendInfo(t, conn, 200, "ok")
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`)))
		sendEEWFrame(t, conn, "evt-7", 1)
		time.Sleep(100 * time.Millisecond)
	})

	source := newTestWebSocketSource(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got collectedRecords
	go source.Run(ctx, got.sink)

	recs := waitRecords(t, &got, 1)
	assert.Equal(t, "evt-7", recs[0].ID)
	assert.Equal(t, int32(1), attempts.Load(), "bad frame must not recycle the connection")
}

func TestWebSocketSourceForwardsOnlyConfiguredProviders(t *testing.T) {
	url := newUpstream(t, func(t *testing.T, conn *websocket.Conn, _ wsStart) {
		sendInfo(t, conn, 200, "ok")
		sendEEWFrameFrom(t, conn, "evt-trem", 1, "trem")
		sendEEWFrameFrom(t, conn, "evt-cwa", 1, "CWA")
		time.Sleep(100 * time.Millisecond)
	})

	source := NewWebSocketSource(WebSocketSourceOptions{
		URL:            url,
		APIKey:         "test-key",
		Services:       []string{"websocket.eew"},
		Providers:      []string{"cwa"},
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		ReadTimeout:    time.Second,
		Logger:         slog.New(slog.DiscardHandler),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got collectedRecords
	go source.Run(ctx, got.sink)

	recs := waitRecords(t, &got, 1)
	assert.Equal(t, "evt-cwa", recs[0].ID)

	// Give the filtered record a chance to arrive if the filter leaked.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got.all(), 1)
}

func TestWebSocketSourceReconnectsOnTransientRejection(t *testing.T) {
	var attempts atomic.Int32
	url := newUpstream(t, func(t *testing.T, conn *websocket.Conn, _ wsStart) {
		if attempts.Add(1) == 1 {
			sendInfo(t, conn, 400, "key in use")
			return
		}
		sendInfo(t, conn, 200, "ok")
		sendEEWFrame(t, conn, "evt-1", 1)
		time.Sleep(100 * time.Millisecond)
	})

	source := newTestWebSocketSource(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got collectedRecords
	go source.Run(ctx, got.sink)

	waitRecords(t, &got, 1)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestWebSocketSourceAuthFailureWithoutFallbackEndsStream(t *testing.T) {
	url := newUpstream(t, func(t *testing.T, conn *websocket.Conn, _ wsStart) {
		sendInfo(t, conn, 401, "invalid key")
	})

	source := newTestWebSocketSource(url, nil)
	var got collectedRecords
	err := source.Run(context.Background(), got.sink)
	assert.ErrorIs(t, err, ErrAuthorizationFailed)
	assert.Empty(t, got.all())
}

// markerSource records that it took over the stream.
type markerSource struct {
	ran atomic.Bool
}

func (m *markerSource) Run(ctx context.Context, _ Sink) error {
	m.ran.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

func TestWebSocketSourceAuthFailureSwitchesToFallback(t *testing.T) {
	url := newUpstream(t, func(t *testing.T, conn *websocket.Conn, _ wsStart) {
		sendInfo(t, conn, 403, "membership expired")
	})

	fallback := &markerSource{}
	source := newTestWebSocketSource(url, fallback)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var got collectedRecords
	go func() { done <- source.Run(ctx, got.sink) }()

	deadline := time.Now().Add(2 * time.Second)
	for !fallback.ran.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, fallback.ran.Load(), "fallback never took over")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestWebSocketSourceResubscribesOnVerifyFrame(t *testing.T) {
	url := newUpstream(t, func(t *testing.T, conn *websocket.Conn, _ wsStart) {
		sendInfo(t, conn, 200, "ok")
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"verify"}`)))

		var again wsStart
		require.NoError(t, conn.ReadJSON(&again))
		assert.Equal(t, "start", again.Type)

		sendInfo(t, conn, 200, "ok")
		sendEEWFrame(t, conn, "evt-1", 1)
		time.Sleep(100 * time.Millisecond)
	})

	source := newTestWebSocketSource(url, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got collectedRecords
	go source.Run(ctx, got.sink)
	waitRecords(t, &got, 1)
}
