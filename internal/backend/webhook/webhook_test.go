package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/eew-relay/internal/domain/model"
)

type capturedRequest struct {
	body        []byte
	contentType string
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{body: body, contentType: r.Header.Get("Content-Type")})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]capturedRequest, len(reqs))
		copy(out, reqs)
		return out
	}
}

func testRecord() model.AlertRecord {
	return model.AlertRecord{
		ID:       "evt-1",
		Serial:   2,
		Status:   model.AlertStatusAlert,
		Provider: "cwa",
		IssuedAt: time.Unix(1712102400, 0),
		Earthquake: model.Earthquake{
			Longitude:    121.5,
			Latitude:     23.7,
			LocationName: "花蓮縣近海",
			Magnitude:    6.2,
			Depth:        15,
			MaxIntensity: 5,
		},
	}
}

func TestPostsEventEnvelope(t *testing.T) {
	server, requests := newCaptureServer(t, http.StatusOK)
	b, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	require.NoError(t, b.OnNew(context.Background(), testRecord()))
	require.NoError(t, b.OnUpdate(context.Background(), testRecord()))
	require.NoError(t, b.OnLift(context.Background(), testRecord()))

	reqs := requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "application/json", reqs[0].contentType)

	var ev struct {
		Event  string            `json:"event"`
		Record model.AlertRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].body, &ev))
	assert.Equal(t, "new", ev.Event)
	assert.Equal(t, "evt-1", ev.Record.ID)
	assert.Equal(t, 2, ev.Record.Serial)

	require.NoError(t, json.Unmarshal(reqs[2].body, &ev))
	assert.Equal(t, "lift", ev.Event)
}

func TestRejectsNonSuccessStatus(t *testing.T) {
	server, _ := newCaptureServer(t, http.StatusBadGateway)
	b, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	err = b.OnNew(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRequiresURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
