package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quakewatch/eew-relay/internal/backend"
	"github.com/quakewatch/eew-relay/internal/domain/model"
	"github.com/quakewatch/eew-relay/internal/observability/statsd"
)

// DispatcherOptions configures the dispatch engine.
type DispatcherOptions struct {
	// Backends is the registered backend set from the plugin registry.
	Backends []*backend.Registered

	// QueueDepth bounds each backend's pending delivery queue. When a
	// backend falls this far behind, a pending update for it is dropped
	// and reported. New and lift deliveries are never dropped.
	QueueDepth int

	// HookTimeout bounds a single hook invocation.
	HookTimeout time.Duration

	// DrainTimeout bounds how long Close waits for queued deliveries.
	DrainTimeout time.Duration

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Dispatcher fans lifecycle transitions out to every capable backend.
//
// Each backend gets its own FIFO queue drained by a dedicated goroutine, so
// transitions reach one backend in exactly the order the registry generated
// them, while a slow or failing backend can never delay its siblings or the
// registry. Cross-backend relative order is not guaranteed.
type Dispatcher struct {
	logger       *slog.Logger
	metrics      statsd.Sink
	hookTimeout  time.Duration
	drainTimeout time.Duration

	workers []*deliveryWorker
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// delivery is one scheduled hook invocation.
type delivery struct {
	id         string
	transition model.Transition
}

// NewDispatcher creates a dispatch engine and starts one delivery worker per
// backend.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	hookTimeout := opts.HookTimeout
	if hookTimeout <= 0 {
		hookTimeout = 30 * time.Second
	}
	drainTimeout := opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 15 * time.Second
	}

	d := &Dispatcher{
		logger:       logger.With("component", "dispatcher"),
		metrics:      opts.Metrics,
		hookTimeout:  hookTimeout,
		drainTimeout: drainTimeout,
	}

	for _, entry := range opts.Backends {
		w := newDeliveryWorker(entry, depth)
		d.workers = append(d.workers, w)
		d.wg.Add(1)
		go func(w *deliveryWorker) {
			defer d.wg.Done()
			d.drain(w)
		}(w)
	}

	return d
}

// Broadcast schedules delivery of the transition to every backend that
// subscribed to its kind. It never blocks on backend work.
func (d *Dispatcher) Broadcast(t model.Transition) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	for _, w := range d.workers {
		if !w.entry.Handles(t.Kind) {
			continue
		}
		dropped, ok := w.enqueue(delivery{id: uuid.NewString(), transition: t})
		if !ok {
			continue // worker already stopped
		}
		if dropped != nil {
			d.logger.Error("backend queue full, dropped pending update",
				"backend", w.entry.Name(),
				"dropped_id", dropped.transition.Record.ID,
				"dropped_serial", dropped.transition.Record.Serial,
				"dropped_kind", dropped.transition.Kind.String())
			d.count("dispatch.dropped", w.entry.Name(), "queue_full")
		}
	}
}

// Close stops accepting broadcasts and waits for already accepted deliveries
// to complete, up to the drain timeout. In-flight hook invocations are never
// force-terminated; they hit their own per-delivery timeout.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	for _, w := range d.workers {
		w.stop()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.drainTimeout):
		d.logger.Error("dispatch drain timed out, abandoning remaining deliveries")
	}
}

// drain delivers one backend's queue in order until the worker stops.
func (d *Dispatcher) drain(w *deliveryWorker) {
	for {
		dlv, ok := w.next()
		if !ok {
			return
		}
		d.deliver(w, dlv)
	}
}

func (d *Dispatcher) deliver(w *deliveryWorker, dlv delivery) {
	name := w.entry.Name()
	rec := dlv.transition.Record

	ctx, cancel := context.WithTimeout(context.Background(), d.hookTimeout)
	defer cancel()

	start := time.Now()
	err := d.invoke(ctx, w, dlv)
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.Timing("dispatch.hook_duration", elapsed, map[string]string{
			"backend": name,
			"kind":    dlv.transition.Kind.String(),
		})
	}

	if err != nil {
		d.logger.Error("backend hook failed",
			"backend", name,
			"kind", dlv.transition.Kind.String(),
			"id", rec.ID,
			"serial", rec.Serial,
			"delivery_id", dlv.id,
			"error", err)
		d.count("dispatch.delivered", name, "error")
		return
	}

	d.count("dispatch.delivered", name, "success")
}

// invoke runs the hook with panic isolation: a panicking backend is reported
// and the engine carries on.
func (d *Dispatcher) invoke(ctx context.Context, w *deliveryWorker, dlv delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("backend hook panicked: %v", rec)
		}
	}()
	return w.entry.Deliver(ctx, dlv.transition)
}

func (d *Dispatcher) count(name, backendName, result string) {
	if d.metrics == nil {
		return
	}
	d.metrics.Count(name, 1, map[string]string{"backend": backendName, "result": result})
}

// deliveryWorker is one backend's bounded FIFO delivery queue.
type deliveryWorker struct {
	entry *backend.Registered
	depth int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	stopped bool
}

func newDeliveryWorker(entry *backend.Registered, depth int) *deliveryWorker {
	w := &deliveryWorker{entry: entry, depth: depth}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// enqueue appends a delivery. When the queue is full an update is shed: the
// oldest pending update is evicted, or the incoming update is dropped when
// only new and lift deliveries are pending. New and lift deliveries are never
// evicted, so a backend cannot observe an update whose new was dropped, and
// never misses a lift. Their backlog is bounded by the number of live alerts,
// so letting them exceed the depth is safe.
func (w *deliveryWorker) enqueue(dlv delivery) (*delivery, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil, false
	}

	var dropped *delivery
	if len(w.queue) >= w.depth {
		if i := w.oldestUpdateIndex(); i >= 0 {
			evicted := w.queue[i]
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			dropped = &evicted
		} else if dlv.transition.Kind == model.TransitionUpdate {
			return &dlv, true
		}
	}
	w.queue = append(w.queue, dlv)
	w.cond.Signal()
	return dropped, true
}

// oldestUpdateIndex returns the queue position of the oldest pending update,
// or -1 when only new and lift deliveries are pending.
func (w *deliveryWorker) oldestUpdateIndex() int {
	for i, dlv := range w.queue {
		if dlv.transition.Kind == model.TransitionUpdate {
			return i
		}
	}
	return -1
}

// next blocks until a delivery is available or the worker is stopped with an
// empty queue. Stopping lets the queue drain first.
func (w *deliveryWorker) next() (delivery, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.queue) == 0 && !w.stopped {
		w.cond.Wait()
	}
	if len(w.queue) == 0 {
		return delivery{}, false
	}
	dlv := w.queue[0]
	w.queue = w.queue[1:]
	return dlv, true
}

func (w *deliveryWorker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.cond.Broadcast()
}
