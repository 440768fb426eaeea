package discord

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

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []webhookMessage) {
	t.Helper()
	var mu sync.Mutex
	var msgs []webhookMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg webhookMessage
		if err := json.Unmarshal(body, &msg); err == nil {
			mu.Lock()
			msgs = append(msgs, msg)
			mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, func() []webhookMessage {
		mu.Lock()
		defer mu.Unlock()
		out := make([]webhookMessage, len(msgs))
		copy(out, msgs)
		return out
	}
}

func testRecord() model.AlertRecord {
	return model.AlertRecord{
		ID:       "evt-1",
		Serial:   2,
		Status:   model.AlertStatusAlert,
		Provider: "中央氣象署",
		IssuedAt: time.Unix(1712102400, 0),
		Earthquake: model.Earthquake{
			Longitude:    121.5,
			Latitude:     23.7,
			LocationName: "花蓮縣近海",
			Magnitude:    6.2,
			Depth:        15,
			MaxIntensity: 7,
		},
	}
}

func TestNewAlertEmbed(t *testing.T) {
	server, messages := newCaptureServer(t, http.StatusNoContent)
	b, err := New(Config{WebhookURL: server.URL, Mention: "@everyone"})
	require.NoError(t, err)

	require.NoError(t, b.OnNew(context.Background(), testRecord()))

	msgs := messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "@everyone", msgs[0].Content)
	require.Len(t, msgs[0].Embeds, 1)

	em := msgs[0].Embeds[0]
	assert.Contains(t, em.Title, "第 2 報")
	assert.Contains(t, em.Description, "花蓮縣近海")
	assert.Contains(t, em.Description, "6.2")
	assert.Contains(t, em.Description, "6弱")
	assert.Equal(t, colorAlert, em.Color)
	require.NotNil(t, em.Image)
	assert.Contains(t, em.Image.URL, "121.5000,23.7000")
}

func TestUpdateOmitsMention(t *testing.T) {
	server, messages := newCaptureServer(t, http.StatusNoContent)
	b, err := New(Config{WebhookURL: server.URL, Mention: "@everyone"})
	require.NoError(t, err)

	require.NoError(t, b.OnUpdate(context.Background(), testRecord()))

	msgs := messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Content)
}

func TestLiftEmbedUsesMutedColor(t *testing.T) {
	server, messages := newCaptureServer(t, http.StatusNoContent)
	b, err := New(Config{WebhookURL: server.URL})
	require.NoError(t, err)

	require.NoError(t, b.OnLift(context.Background(), testRecord()))

	msgs := messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Embeds, 1)
	em := msgs[0].Embeds[0]
	assert.Contains(t, em.Title, "解除")
	assert.Equal(t, colorLifted, em.Color)
	assert.Nil(t, em.Image)
}

func TestErrorStatusSurfaces(t *testing.T) {
	server, _ := newCaptureServer(t, http.StatusTooManyRequests)
	b, err := New(Config{WebhookURL: server.URL})
	require.NoError(t, err)

	err = b.OnNew(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestRequiresWebhookURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
