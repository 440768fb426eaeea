package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/quakewatch/eew-relay/internal/domain/model"
	"github.com/quakewatch/eew-relay/internal/observability/statsd"
)

// ErrAuthorizationFailed means the upstream rejected the API key. Reconnecting
// cannot recover from it.
var ErrAuthorizationFailed = errors.New("websocket authorization failed")

// errReconnect signals a transient condition that ends the current connection
// but not the stream.
type errReconnect struct {
	reason string
}

func (e errReconnect) Error() string {
	return "websocket reconnect: " + e.reason
}

const (
	defaultHandshakeTimeout = time.Minute
	defaultReadTimeout      = 90 * time.Second

	// Upstream subscription result codes.
	wsCodeSubscribed   = 200
	wsCodeKeyInUse     = 400
	wsCodeUnauthorized = 401
	wsCodeForbidden    = 403
	wsCodeRateLimited  = 429
	wsCodeResubscribe  = 503
)

// WebSocketSourceOptions configures a realtime websocket source.
type WebSocketSourceOptions struct {
	// URL is the upstream websocket endpoint.
	URL string

	// APIKey authenticates the subscription.
	APIKey string

	// Services are the upstream service topics to subscribe, e.g.
	// "websocket.eew".
	Services []string

	// Providers restricts forwarded reports to these issuing agencies,
	// matched case-insensitively against the report author. Empty means
	// every provider is forwarded. The polling endpoint applies the same
	// restriction server-side.
	Providers []string

	// InitialBackoff and MaxBackoff bound the jittered reconnect backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ReadTimeout is the maximum silence tolerated on an established
	// connection before it is recycled.
	ReadTimeout time.Duration

	// Fallback, when set, takes over the stream permanently after an
	// authorization failure instead of ending it.
	Fallback Source

	// Dialer overrides the default websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// WebSocketSource streams records from the upstream realtime websocket.
//
// Every connection starts with a subscribe handshake. Transient failures
// (closed connections, read timeouts, key-in-use, rate limits) trigger a
// reconnect with capped jittered exponential backoff. An authorization
// failure is not retried: the source either hands the stream to its fallback
// or returns the error.
type WebSocketSource struct {
	url            string
	apiKey         string
	services       []string
	providers      map[string]bool
	initialBackoff time.Duration
	maxBackoff     time.Duration
	readTimeout    time.Duration
	fallback       Source
	dialer         *websocket.Dialer
	logger         *slog.Logger
	metrics        statsd.Sink
}

// NewWebSocketSource creates a websocket source.
func NewWebSocketSource(opts WebSocketSourceOptions) *WebSocketSource {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	max := opts.MaxBackoff
	if max <= 0 {
		max = 2 * time.Minute
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	providers := make(map[string]bool, len(opts.Providers))
	for _, p := range opts.Providers {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			providers[p] = true
		}
	}
	return &WebSocketSource{
		url:            opts.URL,
		apiKey:         opts.APIKey,
		services:       opts.Services,
		providers:      providers,
		initialBackoff: initial,
		maxBackoff:     max,
		readTimeout:    readTimeout,
		fallback:       opts.Fallback,
		dialer:         dialer,
		logger:         logger.With("component", "websocket_source"),
		metrics:        opts.Metrics,
	}
}

// wsStart is the subscribe handshake frame.
type wsStart struct {
	Type    string   `json:"type"`
	Key     string   `json:"key"`
	Service []string `json:"service"`
}

// wsEnvelope is the outer shape of every upstream frame.
type wsEnvelope struct {
	Type string          `json:"type"`
	Time int64           `json:"time"`
	Data json.RawMessage `json:"data"`
}

// wsInfo is the payload of "info" frames.
type wsInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsDataHeader identifies the topic of a "data" frame payload.
type wsDataHeader struct {
	Type string `json:"type"`
}

// Run streams records until the context is cancelled. An authorization
// failure switches to the fallback source when one is configured.
func (s *WebSocketSource) Run(ctx context.Context, sink Sink) error {
	s.logger.InfoContext(ctx, "websocket source started", "url", s.url)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.MaxInterval = s.maxBackoff
	policy.MaxElapsedTime = 0

	for {
		err := s.runConnection(ctx, sink)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrAuthorizationFailed):
			if s.fallback == nil {
				return err
			}
			s.logger.ErrorContext(ctx, "authorization failed, switching to polling fallback", "error", err)
			s.count("feed.ws_fallback")
			return s.fallback.Run(ctx, sink)
		default:
			wait := policy.NextBackOff()
			s.logger.ErrorContext(ctx, "websocket connection lost, reconnecting",
				"error", err,
				"retry_in", wait.String())
			s.count("feed.ws_reconnect")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if connectionLivedLong(err) {
			policy.Reset()
		}
	}
}

// connectionLivedLong reports whether the previous connection got past the
// handshake, which resets the backoff schedule.
func connectionLivedLong(err error) bool {
	var reconnect errReconnect
	return errors.As(err, &reconnect) && reconnect.reason == "connection closed"
}

// runConnection dials, subscribes, and reads frames until the connection
// fails. It always returns a non-nil error unless the context ended.
func (s *WebSocketSource) runConnection(ctx context.Context, sink Sink) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	// Drop the read deadline when the context ends so blocked reads unwind.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := s.subscribe(conn); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "websocket subscribed", "services", s.services)
	s.count("feed.ws_connected")

	for {
		frame, err := s.readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errReconnect{reason: "connection closed"}
		}

		// A frame that is not valid JSON is a bad frame, not a bad
		// connection. Skip it and keep reading.
		var env wsEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.logger.ErrorContext(ctx, "skipping malformed frame", "error", err)
			s.count("feed.decode_error")
			continue
		}

		switch env.Type {
		case "verify":
			if err := s.subscribe(conn); err != nil {
				return err
			}
		case "info":
			var info wsInfo
			if err := json.Unmarshal(env.Data, &info); err != nil {
				continue
			}
			if info.Code == wsCodeResubscribe {
				if err := s.subscribe(conn); err != nil {
					return err
				}
			}
		case "data":
			s.handleData(ctx, env, sink)
		}
	}
}

// subscribe sends the start frame and waits for the subscription result.
func (s *WebSocketSource) subscribe(conn *websocket.Conn) error {
	start := wsStart{Type: "start", Key: s.apiKey, Service: s.services}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send subscribe frame: %w", err)
	}

	deadline := time.Now().Add(defaultHandshakeTimeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read subscribe result: %w", err)
		}

		var env wsEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}

		switch env.Type {
		case "verify":
			if err := conn.WriteJSON(start); err != nil {
				return fmt.Errorf("send subscribe frame: %w", err)
			}
		case "info":
			var info wsInfo
			if err := json.Unmarshal(env.Data, &info); err != nil {
				continue
			}
			switch info.Code {
			case wsCodeSubscribed:
				return nil
			case wsCodeUnauthorized, wsCodeForbidden:
				return fmt.Errorf("%w: %s", ErrAuthorizationFailed, info.Message)
			case wsCodeKeyInUse:
				return errReconnect{reason: "api key already in use"}
			case wsCodeRateLimited:
				return errReconnect{reason: "rate limited"}
			}
		}
	}
	return errReconnect{reason: "subscribe result timeout"}
}

// readFrame reads one raw frame under the silence timeout.
func (s *WebSocketSource) readFrame(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	_, frame, err := conn.ReadMessage()
	return frame, err
}

// handleData decodes an "eew" data payload and forwards it. Payloads of other
// topics, other providers, and malformed frames are skipped.
func (s *WebSocketSource) handleData(ctx context.Context, env wsEnvelope, sink Sink) {
	var header wsDataHeader
	if err := json.Unmarshal(env.Data, &header); err != nil || header.Type != "eew" {
		return
	}

	rec, err := model.DecodeRecord(env.Data)
	if err != nil {
		s.logger.ErrorContext(ctx, "skipping malformed report frame", "error", err)
		s.count("feed.decode_error")
		return
	}
	if len(s.providers) > 0 && !s.providers[strings.ToLower(rec.Provider)] {
		s.count("feed.provider_skipped")
		return
	}
	if rec.IssuedAt.IsZero() && env.Time > 0 {
		rec.IssuedAt = time.UnixMilli(env.Time)
	}

	sink(rec)
}

func (s *WebSocketSource) count(name string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Count(name, 1, nil)
}
