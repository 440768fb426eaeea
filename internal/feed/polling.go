package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quakewatch/eew-relay/internal/domain/model"
	"github.com/quakewatch/eew-relay/internal/observability/statsd"
)

const snapshotPath = "/eq/eew?type=cwa"

// PollingSourceOptions configures a snapshot polling source.
type PollingSourceOptions struct {
	// BaseURL is the upstream API root, e.g. https://api-2.exptech.com.tw/api/v1.
	BaseURL string

	// Interval is the delay between snapshot fetches.
	Interval time.Duration

	// RequestTimeout bounds a single snapshot fetch.
	RequestTimeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// PollingSource fetches the full active-alert snapshot at a fixed interval.
//
// The upstream stops listing an alert once it is finished, so an id present
// in the previous snapshot but absent from the current one is forwarded as a
// synthetic cancel record carrying the last seen revision.
type PollingSource struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	metrics  statsd.Sink

	// seen holds the last forwarded record per id, for vanish detection.
	seen map[string]model.AlertRecord
}

// NewPollingSource creates a polling source.
func NewPollingSource(opts PollingSourceOptions) *PollingSource {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &PollingSource{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		interval: interval,
		client:   client,
		logger:   logger.With("component", "polling_source"),
		metrics:  opts.Metrics,
		seen:     make(map[string]model.AlertRecord),
	}
}

// Run polls until the context is cancelled. Fetch and decode failures are
// logged and retried on the next tick.
func (s *PollingSource) Run(ctx context.Context, sink Sink) error {
	s.logger.InfoContext(ctx, "polling source started",
		"base_url", s.baseURL,
		"interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.pollOnce(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.ErrorContext(ctx, "snapshot fetch failed", "error", err)
			s.count("feed.poll", "error")
		} else {
			s.count("feed.poll", "success")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *PollingSource) pollOnce(ctx context.Context, sink Sink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+snapshotPath, nil)
	if err != nil {
		return fmt.Errorf("build snapshot request: %w", err)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch snapshot: unexpected status %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read snapshot body: %w", err)
	}

	records, err := model.DecodeSnapshot(body)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	current := make(map[string]struct{}, len(records))
	for _, rec := range records {
		current[rec.ID] = struct{}{}
		s.seen[rec.ID] = rec
		sink(rec)
	}

	for id, last := range s.seen {
		if _, ok := current[id]; ok {
			continue
		}
		delete(s.seen, id)
		sink(model.CancelOf(last))
	}

	return nil
}

func (s *PollingSource) count(name, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Count(name, 1, map[string]string{"result": result})
}
