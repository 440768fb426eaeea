// Package webhook posts every lifecycle event as JSON to a configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quakewatch/eew-relay/internal/backend"
	"github.com/quakewatch/eew-relay/internal/domain/model"
)

// Namespace is the backend's registration name and config section.
const Namespace = "webhook"

// Config is the webhook backend's scoped configuration.
type Config struct {
	URL     string        `env:"URL,required"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Backend delivers lifecycle events to a generic JSON webhook.
type Backend struct {
	url    string
	client *http.Client
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
	return New(cfg)
}

// New builds the webhook backend from validated configuration.
func New(cfg Config) (*Backend, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Backend{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string { return Namespace }

// event is the delivered payload shape.
type event struct {
	Event  string            `json:"event"`
	Record model.AlertRecord `json:"record"`
}

// OnNew posts a "new" event.
func (b *Backend) OnNew(ctx context.Context, rec model.AlertRecord) error {
	return b.post(ctx, event{Event: model.TransitionNew.String(), Record: rec})
}

// OnUpdate posts an "update" event.
func (b *Backend) OnUpdate(ctx context.Context, rec model.AlertRecord) error {
	return b.post(ctx, event{Event: model.TransitionUpdate.String(), Record: rec})
}

// OnLift posts a "lift" event.
func (b *Backend) OnLift(ctx context.Context, rec model.AlertRecord) error {
	return b.post(ctx, event{Event: model.TransitionLift.String(), Record: rec})
}

func (b *Backend) post(ctx context.Context, ev event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
