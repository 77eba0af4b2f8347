package notify

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"go.spotsense.io/slotwatch/config"
	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/metrics"
	"go.spotsense.io/slotwatch/slots"
	"go.spotsense.io/slotwatch/utils"
)

// Marker records successful deliveries. *slots.Registry implements it.
type Marker interface {
	MarkNotified(id string, at time.Time) error
}

// ThrottleConfig configures a Throttle. Zero values take the config package defaults.
type ThrottleConfig struct {
	Window    time.Duration
	QueueSize int
	Clock     clock.Clock
}

// Throttle debounces status changes per slot. The first change for a slot opens a window,
// later changes inside it replace the pending value, and the final value is sent once when the
// window elapses. Sends happen on a single goroutine fed by a bounded queue so Notify never
// blocks.
type Throttle struct {
	sink   Sink
	marker Marker
	window time.Duration
	clock  clock.Clock
	logger logging.Logger

	mu       sync.Mutex
	windows  map[string]*window
	overflow map[string]delivery
	latest   map[string]uint64
	seq      uint64
	closed   bool

	queue   chan delivery
	workers utils.StoppableWorkers
}

type window struct {
	timer    *clock.Timer
	occupied bool
}

type delivery struct {
	id       string
	occupied bool
	seq      uint64
}

// NewThrottle starts the delivery goroutine. marker may be nil.
func NewThrottle(sink Sink, marker Marker, cfg ThrottleConfig, logger logging.Logger) *Throttle {
	if cfg.Window <= 0 {
		cfg.Window = config.DefaultWindow
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = config.DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	t := &Throttle{
		sink:     sink,
		marker:   marker,
		window:   cfg.Window,
		clock:    cfg.Clock,
		logger:   logger,
		windows:  map[string]*window{},
		overflow: map[string]delivery{},
		latest:   map[string]uint64{},
		queue:    make(chan delivery, cfg.QueueSize),
	}
	t.workers = utils.NewStoppableWorkers(t.run)
	return t
}

// Notify records a status change of slot id.
func (t *Throttle) Notify(id string, occupied bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if w, ok := t.windows[id]; ok {
		w.occupied = occupied
		metrics.Notifications.WithLabelValues("coalesced").Inc()
		return
	}
	t.openWindowLocked(id, occupied)
}

// Pending returns the number of slots with an open window.
func (t *Throttle) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

// Window returns the debounce window.
func (t *Throttle) Window() time.Duration {
	return t.window
}

// Close stops every window and the delivery goroutine. Pending values are dropped.
func (t *Throttle) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	dropped := len(t.windows) + len(t.overflow)
	for id, w := range t.windows {
		w.timer.Stop()
		delete(t.windows, id)
	}
	t.mu.Unlock()

	t.workers.Stop()
	if dropped > 0 {
		t.logger.Infow("dropped pending slot notifications", "count", dropped)
	}
}

func (t *Throttle) openWindowLocked(id string, occupied bool) {
	w := &window{occupied: occupied}
	w.timer = t.clock.AfterFunc(t.window, func() { t.elapse(id, w) })
	t.windows[id] = w
}

func (t *Throttle) elapse(id string, w *window) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.windows[id] != w {
		return
	}
	delete(t.windows, id)

	t.seq++
	d := delivery{id: id, occupied: w.occupied, seq: t.seq}
	t.latest[id] = d.seq
	select {
	case t.queue <- d:
	default:
		t.overflow[id] = d
		metrics.Notifications.WithLabelValues("coalesced").Inc()
	}
}

func (t *Throttle) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-t.queue:
			t.deliver(ctx, d)
			for _, d := range t.takeOverflow() {
				t.deliver(ctx, d)
			}
		}
	}
}

func (t *Throttle) takeOverflow() []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.overflow) == 0 {
		return nil
	}
	out := make([]delivery, 0, len(t.overflow))
	for id, d := range t.overflow {
		out = append(out, d)
		delete(t.overflow, id)
	}
	return out
}

func (t *Throttle) deliver(ctx context.Context, d delivery) {
	t.mu.Lock()
	stale := t.latest[d.id] != d.seq
	t.mu.Unlock()
	if stale || ctx.Err() != nil {
		return
	}

	if err := t.sink.Send(ctx, d.id, d.occupied); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		t.logger.CWarnw(ctx, "slot notification failed", "slot", d.id, "status", slots.StatusString(d.occupied), "error", err)
		t.retry(d)
		return
	}
	metrics.Notifications.WithLabelValues("sent").Inc()
	t.logger.CDebugw(ctx, "slot notification sent", "slot", d.id, "status", slots.StatusString(d.occupied))
	t.forget(d)

	if t.marker == nil {
		return
	}
	if err := t.marker.MarkNotified(d.id, t.clock.Now()); err != nil {
		// the slot left the layout while the call was in flight
		t.logger.CDebugw(ctx, "not marking slot as notified", "slot", d.id, "error", err)
	}
}

// forget drops the sequence of a finished delivery unless a newer one replaced it.
func (t *Throttle) forget(d delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest[d.id] == d.seq {
		delete(t.latest, d.id)
	}
}

// tracked is the number of slots with a delivery queued or in flight.
func (t *Throttle) tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.latest)
}

// retry schedules d for the next window unless a newer change already did.
func (t *Throttle) retry(d delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.latest[d.id] != d.seq {
		return
	}
	// the next window elapse issues a new sequence
	delete(t.latest, d.id)
	if _, ok := t.windows[d.id]; ok {
		return
	}
	t.openWindowLocked(d.id, d.occupied)
}
