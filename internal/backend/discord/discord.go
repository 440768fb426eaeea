// Package discord delivers alert lifecycle messages to a Discord webhook as
// rich embeds.
package discord

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
const Namespace = "discord"

// Embed accent colors.
const (
	colorAlert  = 0xFF0000
	colorLifted = 0x95A5A6
)

// Config is the discord backend's scoped configuration.
type Config struct {
	WebhookURL string        `env:"WEBHOOK_URL,required"`
	Username   string        `env:"USERNAME" envDefault:"EEW"`
	Mention    string        `env:"MENTION"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Backend posts alert embeds to a Discord webhook.
type Backend struct {
	webhookURL string
	username   string
	mention    string
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

// New builds the discord backend from validated configuration.
func New(cfg Config) (*Backend, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("discord webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Backend{
		webhookURL: webhookURL,
		username:   strings.TrimSpace(cfg.Username),
		mention:    strings.TrimSpace(cfg.Mention),
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string { return Namespace }

// webhookMessage mirrors the Discord webhook execute payload.
type webhookMessage struct {
	Content  string  `json:"content,omitempty"`
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Color       int         `json:"color,omitempty"`
	Image       *embedImage `json:"image,omitempty"`
	Timestamp   string      `json:"timestamp,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

// OnNew posts the first report embed with a mention when configured.
func (b *Backend) OnNew(ctx context.Context, rec model.AlertRecord) error {
	return b.send(ctx, webhookMessage{
		Content:  b.mention,
		Username: b.username,
		Embeds:   []embed{b.alertEmbed(rec)},
	})
}

// OnUpdate posts a revision embed.
func (b *Backend) OnUpdate(ctx context.Context, rec model.AlertRecord) error {
	return b.send(ctx, webhookMessage{
		Username: b.username,
		Embeds:   []embed{b.alertEmbed(rec)},
	})
}

// OnLift posts a closing embed for the alert.
func (b *Backend) OnLift(ctx context.Context, rec model.AlertRecord) error {
	return b.send(ctx, webhookMessage{
		Username: b.username,
		Embeds: []embed{{
			Title:       fmt.Sprintf("地震速報解除（第 %d 報）", rec.Serial),
			Description: fmt.Sprintf("~~%s 規模 %.1f 地震警報~~\n警報已解除。", rec.Earthquake.EpicenterDisplay(), rec.Earthquake.Magnitude),
			Color:       colorLifted,
			Timestamp:   embedTimestamp(rec.IssuedAt),
		}},
	})
}

func (b *Backend) alertEmbed(rec model.AlertRecord) embed {
	eq := rec.Earthquake

	desc := strings.Builder{}
	fmt.Fprintf(&desc, "於 %s 發生有感地震，慎防搖晃！\n", eq.EpicenterDisplay())
	fmt.Fprintf(&desc, "預估規模 `%.1f`，震源深度 `%.0f` 公里", eq.Magnitude, eq.Depth)
	if eq.MaxIntensity >= 0 {
		fmt.Fprintf(&desc, "，最大震度 %s", model.IntensityLabel(eq.MaxIntensity))
	}
	if rec.Provider != "" {
		fmt.Fprintf(&desc, "\n發報單位．%s", rec.Provider)
	}

	return embed{
		Title:       fmt.Sprintf("地震速報　第 %d 報", rec.Serial),
		Description: desc.String(),
		Color:       colorAlert,
		Image:       &embedImage{URL: mapImageURL(eq)},
		Timestamp:   embedTimestamp(rec.IssuedAt),
	}
}

// mapImageURL builds a static epicenter map.
func mapImageURL(eq model.Earthquake) string {
	return fmt.Sprintf(
		"https://static-maps.yandex.ru/1.x/?ll=%.4f,%.4f&z=10&l=map&size=650,450&pt=%.4f,%.4f,round",
		eq.Longitude, eq.Latitude, eq.Longitude, eq.Latitude)
}

func embedTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func (b *Backend) send(ctx context.Context, msg webhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("discord webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
