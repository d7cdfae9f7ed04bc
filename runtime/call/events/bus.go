package events

import (
	"context"
	"errors"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/handoff-ai/switchboard/runtime/call/telemetry"
)

type (
	// Subscriber receives events for the calls it has joined. Deliver must
	// not block on storage or slow I/O: transports queue internally and drop
	// on overflow, since bus events are live-UI cues rather than an audit
	// log. A Deliver error marks the event as dropped for that subscriber
	// only; it never fails the publish.
	Subscriber interface {
		// ID identifies the subscriber for bookkeeping and logs. Stable for
		// the subscriber's lifetime, unique within the process.
		ID() string
		// Deliver hands one event to the subscriber.
		Deliver(ctx context.Context, e Event) error
	}

	// Bus fans events out to the current subscribers of a call. Subscribers
	// are grouped per call ("room" semantics); one subscriber may join any
	// number of calls and receives only events for calls it has joined.
	//
	// Fan-out runs synchronously on the publisher's goroutine, so events
	// published by a single committing thread of control reach every
	// subscriber in publish order. No ordering holds across calls.
	Bus struct {
		mu      sync.RWMutex
		rooms   map[string][]Subscriber
		schemas map[Kind]*jsonschema.Schema
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// BusOptions configures a Bus. Zero-value fields default to no-ops.
	BusOptions struct {
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

// ErrInvalidEvent wraps publish-boundary validation failures.
var ErrInvalidEvent = errors.New("invalid event")

// NewBus constructs a Bus, compiling the per-kind payload schemas.
func NewBus(opts BusOptions) (*Bus, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Bus{
		rooms:   make(map[string][]Subscriber),
		schemas: schemas,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Subscribe adds the subscriber to the call's room. Subscribing the same
// subscriber to the same call twice is a no-op.
func (b *Bus) Subscribe(callID string, sub Subscriber) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	if sub == nil {
		return errors.New("subscriber is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.rooms[callID] {
		if existing.ID() == sub.ID() {
			return nil
		}
	}
	b.rooms[callID] = append(b.rooms[callID], sub)
	return nil
}

// Unsubscribe removes the subscriber from the call's room. Unknown
// subscribers and calls are ignored.
func (b *Bus) Unsubscribe(callID string, sub Subscriber) {
	if callID == "" || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.rooms[callID]
	for i, existing := range subs {
		if existing.ID() == sub.ID() {
			b.rooms[callID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.rooms[callID]) == 0 {
		delete(b.rooms, callID)
	}
}

// Publish validates the event payload against its kind's schema and fans it
// out to the call's current subscribers in registration order. Per-subscriber
// delivery failures are logged and counted, never propagated: a subscriber
// that disconnects mid-publish simply misses that event. Publish returns an
// error only when the event itself is malformed.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.CallID() == "" {
		return errors.New("event call id is required")
	}
	if err := validate(b.schemas, e); err != nil {
		return errors.Join(ErrInvalidEvent, err)
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.rooms[e.CallID()]))
	copy(subs, b.rooms[e.CallID()])
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Deliver(ctx, e); err != nil {
			b.metrics.IncCounter(telemetry.MetricEventDropped, 1, "kind", string(e.Kind()))
			b.logger.Warn(ctx, "event delivery failed",
				"call_id", e.CallID(), "kind", string(e.Kind()), "subscriber", sub.ID(), "err", err.Error())
			continue
		}
	}
	b.metrics.IncCounter(telemetry.MetricEventPublished, 1, "kind", string(e.Kind()))
	return nil
}

// CloseCall drops every subscriber association for the call. Invoked on call
// end so stale rooms do not accumulate.
func (b *Bus) CloseCall(callID string) {
	if callID == "" {
		return
	}
	b.mu.Lock()
	delete(b.rooms, callID)
	b.mu.Unlock()
}

// Subscribers reports the number of subscribers currently joined to the call.
func (b *Bus) Subscribers(callID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[callID])
}
