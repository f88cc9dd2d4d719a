package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/forestryhq/pipeline-core/coreiface"
)

// mailboxCapacity bounds each subscriber's per-event-type inbox. When a
// mailbox is full, spec.md §4.1 orders the drop policy: LOW before
// NORMAL, NORMAL before HIGH.
const mailboxCapacity = 256

const wildcard = "*"

type subscriberKey struct {
	eventType string
	handlerID uintptr
}

type mailbox struct {
	id      uintptr
	handler Handler
	ch      chan Event
	done    chan struct{}
	closed  bool
}

// Bus is a prioritized, asynchronous publish/subscribe dispatcher. The
// zero value is not usable; construct with New.
type Bus struct {
	logger    coreiface.Logger
	telemetry coreiface.Telemetry
	registry  *Registry

	queues  [3]chan Event // indexed by Priority
	started atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu          sync.RWMutex
	subscribers map[string][]*mailbox // eventType (or "*") -> mailboxes
	handlerIDs  map[string]map[uintptr]*mailbox

	metrics Metrics
}

// Metrics tracks bus-wide counters, exposed via GetMetrics and mirrored
// into coreiface.Telemetry counters/gauges as they change.
type Metrics struct {
	Enqueued          map[string]int64 // by priority string
	Delivered         int64
	Dropped           map[string]int64 // by priority string
	HandlerErrors     int64
	UnregisteredEmits int64
}

func newMetrics() Metrics {
	return Metrics{
		Enqueued: map[string]int64{High.String(): 0, Normal.String(): 0, Low.String(): 0},
		Dropped:  map[string]int64{High.String(): 0, Normal.String(): 0, Low.String(): 0},
	}
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger injects a logger; defaults to coreiface.NoOpLogger.
func WithLogger(l coreiface.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithTelemetry injects a telemetry sink; defaults to coreiface.NoOpTelemetry.
func WithTelemetry(t coreiface.Telemetry) Option { return func(b *Bus) { b.telemetry = t } }

// WithRegistry injects a pre-populated event registry; defaults to an
// empty one (use DefaultRegistry() to get the spec.md §6 catalogue).
func WithRegistry(r *Registry) Option { return func(b *Bus) { b.registry = r } }

// WithQueueCapacity overrides the per-priority queue capacity (default 1024).
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		b.queues[High] = make(chan Event, n)
		b.queues[Normal] = make(chan Event, n)
		b.queues[Low] = make(chan Event, n)
	}
}

// New builds a Bus. Call Start before emitting.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:      coreiface.NoOpLogger{},
		telemetry:   coreiface.NoOpTelemetry{},
		registry:    NewRegistry(),
		subscribers: make(map[string][]*mailbox),
		handlerIDs:  make(map[string]map[uintptr]*mailbox),
		stopCh:      make(chan struct{}),
		metrics:     newMetrics(),
	}
	b.queues[High] = make(chan Event, 1024)
	b.queues[Normal] = make(chan Event, 1024)
	b.queues[Low] = make(chan Event, 1024)

	for _, o := range opts {
		o(b)
	}
	return b
}

// Start launches the dispatcher goroutine. Calling Start twice is a no-op.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go b.dispatchLoop()
}

// Stop drains pending events and stops the dispatcher. It blocks until
// the dispatcher goroutine has drained all three queues or ctx is done.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}
	close(b.stopCh)
	b.stopMailboxes()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handlerID derives a stable identity for a Handler value's function
// pointer, used to deduplicate subscribe/unsubscribe calls. The identity
// is the function's code pointer, so closures created from the same
// function literal share one identity even when they capture different
// variables; re-subscribing the exact same Handler value (e.g. a
// package-level function) is idempotent.
func handlerID(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Subscribe registers handler for eventType ("*" subscribes to every
// type). Duplicate (eventType, handler) pairs are idempotent.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	id := handlerID(handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlerIDs[eventType] == nil {
		b.handlerIDs[eventType] = make(map[uintptr]*mailbox)
	}
	if _, exists := b.handlerIDs[eventType][id]; exists {
		return
	}

	mb := &mailbox{id: id, handler: handler, ch: make(chan Event, mailboxCapacity), done: make(chan struct{})}
	b.handlerIDs[eventType][id] = mb
	b.subscribers[eventType] = append(b.subscribers[eventType], mb)

	b.wg.Add(1)
	go b.serveMailbox(mb)
}

// Unsubscribe removes handler from eventType. No-op if absent.
func (b *Bus) Unsubscribe(eventType string, handler Handler) {
	id := handlerID(handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	mbs, ok := b.handlerIDs[eventType]
	if !ok {
		return
	}
	mb, ok := mbs[id]
	if !ok {
		return
	}
	delete(mbs, id)

	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s == mb {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if !mb.closed {
		mb.closed = true
		close(mb.done)
	}
}

// stopMailboxes closes every still-active mailbox's done channel so
// serveMailbox goroutines drain and exit, letting wg.Wait() in Stop
// return. Without this, Stop would block forever on any bus with a
// live subscriber (spec.md §4.1 "stop drains gracefully").
func (b *Bus) stopMailboxes() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, mbs := range b.handlerIDs {
		for _, mb := range mbs {
			if !mb.closed {
				mb.closed = true
				close(mb.done)
			}
		}
	}
}

// Emit enqueues an event for asynchronous delivery and returns immediately.
func (b *Bus) Emit(eventType, sourceID string, data map[string]interface{}, priority Priority) {
	evt := NewEvent(eventType, sourceID, data, priority)

	if _, known := b.registry.Lookup(eventType); !known {
		atomic.AddInt64(&b.metrics.UnregisteredEmits, 1)
	}

	select {
	case b.queues[priority] <- evt:
		b.mu.Lock()
		b.metrics.Enqueued[priority.String()]++
		b.mu.Unlock()
		b.telemetry.Counter("eventbus.enqueued", 1, map[string]string{"priority": priority.String()})
	default:
		b.mu.Lock()
		b.metrics.Dropped[priority.String()]++
		b.mu.Unlock()
		b.telemetry.Counter("eventbus.queue_dropped", 1, map[string]string{"priority": priority.String()})
		b.logger.Warn("eventbus: priority queue full, event dropped", map[string]interface{}{
			"event_type": eventType, "priority": priority.String(),
		})
	}
}

// dispatchLoop services HIGH until empty, then NORMAL until empty, then
// LOW until empty, then yields and repeats — strict priority without
// starving lower tiers across a full pass.
func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		drained := b.drainTier(High) && b.drainTier(Normal) && b.drainTier(Low)

		select {
		case <-b.stopCh:
			// Drain remaining events before exiting (graceful stop).
			for b.drainTier(High) || b.drainTier(Normal) || b.drainTier(Low) {
			}
			return
		default:
		}

		if drained {
			// Nothing was available this pass; wait for the next event
			// or a stop signal instead of busy-looping.
			select {
			case evt := <-b.queues[High]:
				b.deliver(evt)
			case evt := <-b.queues[Normal]:
				b.deliver(evt)
			case evt := <-b.queues[Low]:
				b.deliver(evt)
			case <-b.stopCh:
				for b.drainTier(High) || b.drainTier(Normal) || b.drainTier(Low) {
				}
				return
			}
		}
	}
}

// drainTier delivers at most one event queued at p, returning true if
// the tier was already empty when called (used to detect "nothing left
// to do this pass").
func (b *Bus) drainTier(p Priority) bool {
	select {
	case evt := <-b.queues[p]:
		b.deliver(evt)
		return false
	default:
		return true
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	targets := make([]*mailbox, 0, len(b.subscribers[evt.EventType])+len(b.subscribers[wildcard]))
	targets = append(targets, b.subscribers[evt.EventType]...)
	targets = append(targets, b.subscribers[wildcard]...)
	b.mu.RUnlock()

	for _, mb := range targets {
		b.enqueueMailbox(mb, evt)
	}
}

// enqueueMailbox hands evt to a subscriber's own inbox, dropping the
// oldest LOW event first, then NORMAL, then HIGH, when full — so one
// slow subscriber never blocks delivery to others.
func (b *Bus) enqueueMailbox(mb *mailbox, evt Event) {
	select {
	case mb.ch <- evt:
		return
	default:
	}

	// Mailbox full: evict by priority order before giving up.
	for _, victim := range []Priority{Low, Normal, High} {
		if victim > evt.Priority {
			continue
		}
		select {
		case old := <-mb.ch:
			b.mu.Lock()
			b.metrics.Dropped[old.Priority.String()]++
			b.mu.Unlock()
			select {
			case mb.ch <- evt:
				return
			default:
				continue
			}
		default:
			continue
		}
	}

	// Mailbox still full and nothing lower-or-equal priority to evict:
	// drop the incoming event itself.
	b.mu.Lock()
	b.metrics.Dropped[evt.Priority.String()]++
	b.mu.Unlock()
}

func (b *Bus) serveMailbox(mb *mailbox) {
	defer b.wg.Done()
	for {
		select {
		case evt := <-mb.ch:
			b.invoke(mb, evt)
		case <-mb.done:
			for {
				select {
				case evt := <-mb.ch:
					b.invoke(mb, evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) invoke(mb *mailbox, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailed(evt, fmt.Errorf("panic: %v", r))
		}
	}()
	if evt.Data != nil {
		data := make(map[string]interface{}, len(evt.Data))
		for k, v := range evt.Data {
			data[k] = v
		}
		evt.Data = data
	}
	mb.handler(evt)
	atomic.AddInt64(&b.metrics.Delivered, 1)
	b.telemetry.Counter("eventbus.delivered", 1, map[string]string{"event_type": evt.EventType})
}

func (b *Bus) handlerFailed(evt Event, err error) {
	atomic.AddInt64(&b.metrics.HandlerErrors, 1)
	b.logger.Error("eventbus: subscriber handler failed", map[string]interface{}{
		"event_type": evt.EventType, "error": err.Error(),
	})
	b.telemetry.Counter("eventbus.handler_errors", 1, map[string]string{"event_type": evt.EventType})

	// Never re-wrap a MONITORING_ERROR_OCCURRED failure itself — that
	// would recurse.
	if evt.EventType == MonitoringErrorOccurred {
		return
	}
	b.Emit(MonitoringErrorOccurred, "eventbus", map[string]interface{}{
		"event_type": evt.EventType,
		"error":      err.Error(),
	}, High)
}

// GetMetrics returns a snapshot of bus-wide counters.
func (b *Bus) GetMetrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := newMetrics()
	for k, v := range b.metrics.Enqueued {
		snap.Enqueued[k] = v
	}
	for k, v := range b.metrics.Dropped {
		snap.Dropped[k] = v
	}
	snap.Delivered = atomic.LoadInt64(&b.metrics.Delivered)
	snap.HandlerErrors = atomic.LoadInt64(&b.metrics.HandlerErrors)
	snap.UnregisteredEmits = atomic.LoadInt64(&b.metrics.UnregisteredEmits)
	return snap
}

// Registry exposes the bus's event catalogue for validation tooling.
func (b *Bus) Registry() *Registry { return b.registry }
