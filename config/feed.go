package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FeedMode selects how the upstream feed is consumed.
type FeedMode string

const (
	// FeedModeWebSocket keeps a persistent streaming connection.
	FeedModeWebSocket FeedMode = "websocket"
	// FeedModePoll polls the report endpoint on an interval.
	FeedModePoll FeedMode = "poll"
	// FeedModeAuto uses the WebSocket when an API key is configured and
	// falls back to polling otherwise, or when authorization fails.
	FeedModeAuto FeedMode = "auto"
)

// Valid returns true if the feed mode is a known value.
func (m FeedMode) Valid() bool {
	switch m {
	case FeedModeWebSocket, FeedModePoll, FeedModeAuto:
		return true
	default:
		return false
	}
}

// ParseFeedMode parses and validates a feed mode string.
func ParseFeedMode(s string) (FeedMode, error) {
	mode := FeedMode(strings.TrimSpace(strings.ToLower(s)))
	if mode == "" {
		return FeedModeAuto, nil
	}
	if !mode.Valid() {
		return "", fmt.Errorf("invalid feed mode: %q (valid options: websocket, poll, auto)", s)
	}
	return mode, nil
}

// FeedConfig contains upstream feed connection configuration.
type FeedConfig struct {
	// Mode selects websocket, poll, or auto.
	Mode string `env:"FEED_MODE" envDefault:"auto"`

	// APIBaseURL is the upstream HTTP API base used by the polling source.
	APIBaseURL string `env:"FEED_API_BASE_URL" envDefault:"https://api-2.exptech.com.tw/api/v1"`

	// WebSocketURL is the upstream realtime endpoint.
	WebSocketURL string `env:"FEED_WS_URL" envDefault:"wss://lb-1.exptech.com.tw/websocket"`

	// APIKey authenticates the WebSocket subscription. Required for
	// websocket mode; its absence in auto mode selects polling.
	APIKey string `env:"FEED_API_KEY"`

	// Services is the comma-separated list of realtime services to
	// subscribe to on the WebSocket.
	Services []string `env:"FEED_WS_SERVICES" envSeparator:"," envDefault:"websocket.eew"`

	// Providers is the comma-separated list of issuing agencies to
	// forward reports from. The polling endpoint filters server-side;
	// the WebSocket applies the same filter client-side. Empty forwards
	// every provider.
	Providers []string `env:"FEED_PROVIDERS" envSeparator:"," envDefault:"cwa"`

	// PollInterval is the cadence of the polling source.
	PollInterval time.Duration `env:"FEED_POLL_INTERVAL" envDefault:"1s"`

	// RequestTimeout bounds a single poll request or WebSocket read.
	RequestTimeout time.Duration `env:"FEED_REQUEST_TIMEOUT" envDefault:"10s"`

	// ReconnectInitialInterval seeds the reconnect backoff.
	ReconnectInitialInterval time.Duration `env:"FEED_RECONNECT_INITIAL_INTERVAL" envDefault:"1s"`

	// ReconnectMaxInterval caps the reconnect backoff.
	ReconnectMaxInterval time.Duration `env:"FEED_RECONNECT_MAX_INTERVAL" envDefault:"2m"`
}

// Sanitize applies guardrails to feed configuration values.
func (c *FeedConfig) Sanitize() {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.WebSocketURL = strings.TrimSpace(c.WebSocketURL)
	c.APIKey = strings.TrimSpace(c.APIKey)

	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ReconnectInitialInterval <= 0 {
		c.ReconnectInitialInterval = time.Second
	}
	if c.ReconnectMaxInterval < c.ReconnectInitialInterval {
		c.ReconnectMaxInterval = 2 * time.Minute
	}

	services := c.Services[:0]
	for _, s := range c.Services {
		if s = strings.TrimSpace(s); s != "" {
			services = append(services, s)
		}
	}
	c.Services = services

	providers := c.Providers[:0]
	for _, p := range c.Providers {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			providers = append(providers, p)
		}
	}
	c.Providers = providers
}

// Validate reports configuration combinations the feed cannot start with.
func (c *FeedConfig) Validate() error {
	mode, err := ParseFeedMode(c.Mode)
	if err != nil {
		return err
	}
	if mode == FeedModeWebSocket && c.APIKey == "" {
		return errors.New("FEED_API_KEY is required in websocket mode")
	}
	if c.APIBaseURL == "" {
		return errors.New("FEED_API_BASE_URL is required")
	}
	if mode != FeedModePoll && c.WebSocketURL == "" {
		return errors.New("FEED_WS_URL is required outside poll mode")
	}
	return nil
}
