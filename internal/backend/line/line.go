// Package line delivers alert lifecycle messages through the LINE Messaging
// API to configured recipients.
package line

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
const Namespace = "line"

const defaultAPIBase = "https://api.line.me/v2"

// Config is the line backend's scoped configuration.
type Config struct {
	AccessToken string        `env:"ACCESS_TOKEN,required"`
	Recipients  []string      `env:"RECIPIENTS,required" envSeparator:","`
	APIBase     string        `env:"API_BASE"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Backend pushes alert messages to LINE chats.
type Backend struct {
	accessToken string
	recipients  []string
	apiBase     string
	client      *http.Client
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

// New builds the line backend from validated configuration.
func New(cfg Config) (*Backend, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("line access token is required")
	}
	recipients := make([]string, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, errors.New("at least one line recipient is required")
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Backend{
		accessToken: token,
		recipients:  recipients,
		apiBase:     apiBase,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string { return Namespace }

// OnNew pushes the first report message.
func (b *Backend) OnNew(ctx context.Context, rec model.AlertRecord) error {
	return b.pushAll(ctx, alertText("地震速報", rec))
}

// OnUpdate pushes a revision message.
func (b *Backend) OnUpdate(ctx context.Context, rec model.AlertRecord) error {
	return b.pushAll(ctx, alertText(fmt.Sprintf("地震速報（第%d報）", rec.Serial), rec))
}

// OnLift pushes the all-clear message.
func (b *Backend) OnLift(ctx context.Context, rec model.AlertRecord) error {
	text := fmt.Sprintf("地震速報解除：%s 規模 %.1f 地震警報已解除。",
		rec.Earthquake.EpicenterDisplay(), rec.Earthquake.Magnitude)
	return b.pushAll(ctx, text)
}

func alertText(header string, rec model.AlertRecord) string {
	eq := rec.Earthquake
	text := strings.Builder{}
	fmt.Fprintf(&text, "%s：%s發生規模 %.1f 地震，慎防搖晃！\n", header, eq.EpicenterDisplay(), eq.Magnitude)
	fmt.Fprintf(&text, "震源深度：%.0f公里\n", eq.Depth)
	if eq.MaxIntensity >= 0 {
		fmt.Fprintf(&text, "預估最大震度：%s\n", model.IntensityLabel(eq.MaxIntensity))
	}
	if !eq.OriginTime.IsZero() {
		fmt.Fprintf(&text, "發生時間：%s", eq.OriginTime.Format("15:04:05"))
	}
	return strings.TrimRight(text.String(), "\n")
}

// pushRequest mirrors the Messaging API push payload.
type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// pushAll delivers to every recipient; failures are joined so one bad chat id
// does not hide the others.
func (b *Backend) pushAll(ctx context.Context, text string) error {
	var errs []error
	for _, to := range b.recipients {
		if err := b.push(ctx, to, text); err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) push(ctx context.Context, to, text string) error {
	body, err := json.Marshal(pushRequest{
		To:       to,
		Messages: []textMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return fmt.Errorf("encode line payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiBase+"/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create line request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.accessToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("line request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("line api %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
