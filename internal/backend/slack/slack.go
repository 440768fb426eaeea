// Package slack delivers alert lifecycle messages to a Slack incoming
// webhook.
package slack

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
const Namespace = "slack"

// Config is the slack backend's scoped configuration.
type Config struct {
	WebhookURL string        `env:"WEBHOOK_URL,required"`
	Channel    string        `env:"CHANNEL"`
	Username   string        `env:"USERNAME" envDefault:"eew-relay"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

// Backend posts formatted alert messages to a Slack incoming webhook.
type Backend struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
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

// New builds the slack backend from validated configuration.
func New(cfg Config) (*Backend, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Backend{
		webhookURL: webhookURL,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   strings.TrimSpace(cfg.Username),
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string { return Namespace }

// OnNew posts the first report of an alert.
func (b *Backend) OnNew(ctx context.Context, rec model.AlertRecord) error {
	return b.send(ctx, b.formatMessage("Earthquake early warning", rec))
}

// OnUpdate posts a revised report.
func (b *Backend) OnUpdate(ctx context.Context, rec model.AlertRecord) error {
	return b.send(ctx, b.formatMessage(fmt.Sprintf("Warning update (report %d)", rec.Serial), rec))
}

// OnLift posts the all-clear for an alert.
func (b *Backend) OnLift(ctx context.Context, rec model.AlertRecord) error {
	text := strings.Builder{}
	fmt.Fprintf(&text, "*Warning lifted* `%s`\n", rec.ID)
	appendField(&text, "Epicenter", rec.Earthquake.EpicenterDisplay())
	appendField(&text, "Last report", fmt.Sprintf("%d", rec.Serial))
	return b.send(ctx, b.message(text.String()))
}

func (b *Backend) formatMessage(header string, rec model.AlertRecord) map[string]any {
	eq := rec.Earthquake
	text := strings.Builder{}
	fmt.Fprintf(&text, "*%s* `%s`\n", header, rec.ID)
	appendField(&text, "Epicenter", eq.EpicenterDisplay())
	appendField(&text, "Magnitude", fmt.Sprintf("M%.1f", eq.Magnitude))
	appendField(&text, "Depth", fmt.Sprintf("%.0f km", eq.Depth))
	if eq.MaxIntensity >= 0 {
		appendField(&text, "Max intensity", model.IntensityLabel(eq.MaxIntensity))
	}
	appendField(&text, "Provider", rec.Provider)
	if !rec.IssuedAt.IsZero() {
		appendField(&text, "Issued", rec.IssuedAt.UTC().Format(time.RFC3339))
	}
	return b.message(text.String())
}

func (b *Backend) message(text string) map[string]any {
	msg := map[string]any{
		"text":     text,
		"username": b.username,
	}
	if b.channel != "" {
		msg["channel"] = b.channel
	}
	return msg
}

func appendField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(value)
	text.WriteByte('\n')
}

func (b *Backend) send(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
