package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/quakewatch/eew-relay/internal/domain/model"
	"github.com/quakewatch/eew-relay/internal/observability/statsd"
)

// TransitionSink receives lifecycle transitions emitted by the registry.
type TransitionSink interface {
	Broadcast(t model.Transition)
}

// TransitionSinkFunc adapts a function to the TransitionSink interface.
type TransitionSinkFunc func(t model.Transition)

// Broadcast implements the TransitionSink interface.
func (f TransitionSinkFunc) Broadcast(t model.Transition) {
	if f != nil {
		f(t)
	}
}

// RegistryOptions configures the alert lifecycle registry.
type RegistryOptions struct {
	// ExpiryWindow is how long an alert may go without an accepted
	// revision before the registry lifts it autonomously.
	ExpiryWindow time.Duration

	// Sink receives every emitted transition. Required.
	Sink TransitionSink

	// Clock drives expiry timers. Defaults to the wall clock; tests
	// substitute a mock.
	Clock clock.Clock

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Registry is the single authoritative holder and classifier of active alert
// state. All mutation, whether from Ingest or from an expiry timer firing,
// is serialized under one mutex; no other component reads or writes registry
// state directly.
type Registry struct {
	mu      sync.Mutex
	window  time.Duration
	sink    TransitionSink
	clock   clock.Clock
	logger  *slog.Logger
	metrics statsd.Sink

	active  map[string]*activeAlert
	stopped bool
}

// activeAlert owns the latest accepted record for one alert id.
type activeAlert struct {
	record      model.AlertRecord
	firstSeenAt time.Time
	updatedAt   time.Time
	timer       *clock.Timer

	// generation guards against a stale timer firing after it was reset:
	// the timer callback only acts when its captured generation is still
	// current.
	generation uint64
}

// NewRegistry creates an alert lifecycle registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	window := opts.ExpiryWindow
	if window <= 0 {
		window = 4 * time.Minute
	}

	return &Registry{
		window:  window,
		sink:    opts.Sink,
		clock:   clk,
		logger:  logger.With("component", "registry"),
		metrics: opts.Metrics,
		active:  make(map[string]*activeAlert),
	}
}

// Ingest classifies one incoming record into a lifecycle transition and
// emits it to the sink. The returned transition reports what happened; ok is
// false for duplicates and stale revisions, which produce no transition and
// no state change.
func (r *Registry) Ingest(rec model.AlertRecord) (model.Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return model.Transition{}, false
	}

	entry, known := r.active[rec.ID]

	if rec.Status == model.AlertStatusCancel {
		if !known {
			// Cancel for an id we never saw (or already lifted) is an
			// expected classification outcome, not an error.
			r.count("registry.ingest", "orphan_cancel")
			return model.Transition{}, false
		}
		if rec.Serial < entry.record.Serial {
			// A replayed cancel for an already superseded revision
			// must not lift the live alert.
			r.count("registry.ingest", "stale_cancel")
			return model.Transition{}, false
		}
		r.remove(entry, rec.ID)
		r.count("registry.ingest", "lift")
		return r.emit(model.TransitionLift, rec), true
	}

	// Duplicate or out-of-order revision: the core deduplication
	// guarantee. No transition, no state change.
	if known && rec.Serial <= entry.record.Serial {
		r.count("registry.ingest", "duplicate")
		r.logger.Debug("dropped stale revision",
			"id", rec.ID,
			"serial", rec.Serial,
			"active_serial", entry.record.Serial)
		return model.Transition{}, false
	}

	if !known {
		r.activate(rec)
		r.count("registry.ingest", "new")
		return r.emit(model.TransitionNew, rec), true
	}

	entry.record = rec
	entry.updatedAt = r.clock.Now()
	r.armTimer(entry, rec)
	r.count("registry.ingest", "update")
	return r.emit(model.TransitionUpdate, rec), true
}

// ActiveCount returns the number of currently active alerts.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Stop cancels all pending expiry timers without emitting lift transitions:
// a clean shutdown is not a cancellation of the underlying earthquake.
// After Stop the registry ignores further ingests.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for id, entry := range r.active {
		entry.generation++
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(r.active, id)
	}
}

func (r *Registry) activate(rec model.AlertRecord) {
	now := r.clock.Now()
	entry := &activeAlert{
		record:      rec,
		firstSeenAt: now,
		updatedAt:   now,
	}
	r.active[rec.ID] = entry
	r.armTimer(entry, rec)
}

// armTimer (re)schedules silent expiry at issuedAt + window. The timer
// firing competes for the registry lock like any other event, so it can
// never interleave with an Ingest for the same id.
func (r *Registry) armTimer(entry *activeAlert, rec model.AlertRecord) {
	entry.generation++
	if entry.timer != nil {
		entry.timer.Stop()
	}

	now := r.clock.Now()
	base := rec.IssuedAt
	if base.IsZero() || base.After(now) {
		base = now
	}
	delay := base.Add(r.window).Sub(now)
	if delay < 0 {
		delay = 0
	}

	generation := entry.generation
	id := rec.ID
	entry.timer = r.clock.AfterFunc(delay, func() {
		r.expire(id, generation)
	})
}

// expire handles a fired expiry timer: it synthesizes a lift carrying the
// last known record, as if the registry had ingested a cancellation.
func (r *Registry) expire(id string, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	entry, ok := r.active[id]
	if !ok || entry.generation != generation {
		// The alert was updated, cancelled, or restarted after this
		// timer was scheduled.
		return
	}

	last := entry.record
	r.remove(entry, id)
	r.count("registry.ingest", "expired")
	r.logger.Info("alert expired without upstream cancel",
		"id", id,
		"serial", last.Serial)
	r.emit(model.TransitionLift, last)
}

func (r *Registry) remove(entry *activeAlert, id string) {
	entry.generation++
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(r.active, id)
}

func (r *Registry) emit(kind model.TransitionKind, rec model.AlertRecord) model.Transition {
	t := model.Transition{
		Kind:      kind,
		Record:    rec,
		EmittedAt: r.clock.Now(),
	}
	if r.sink != nil {
		r.sink.Broadcast(t)
	}
	return t
}

func (r *Registry) count(name, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.Count(name, 1, map[string]string{"result": result})
	r.metrics.Gauge("registry.active_alerts", float64(len(r.active)), nil)
}
