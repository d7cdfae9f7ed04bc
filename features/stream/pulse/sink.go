// Package pulse propagates call events across process boundaries through
// goa.design/pulse streams. The in-process bus only reaches subscribers
// connected to the same instance; the sink mirrors each call's room onto a
// Redis-backed stream so dashboards attached to other instances receive the
// same updates.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/handoff-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/handoff-ai/switchboard/runtime/call/events"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// SubscriberID identifies the sink on the event bus. Defaults to
		// "pulse-sink".
		SubscriberID string
		// MarshalEnvelope overrides envelope serialization (for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Sink mirrors bus events onto Pulse streams. It implements
	// events.Subscriber so it can join call rooms like any dashboard client.
	// Thread-safe for concurrent Deliver calls.
	Sink struct {
		client  clientspulse.Client
		id      string
		marshal func(envelope) ([]byte, error)
	}

	// envelope wraps call events for transmission over Pulse streams.
	envelope struct {
		// Kind identifies the event kind (e.g. "switch_notification").
		Kind string `json:"kind"`
		// CallID links the event to its call.
		CallID string `json:"call_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the kind-specific data.
		Payload any `json:"payload,omitempty"`
	}
)

// StreamName derives the Pulse stream name for a call.
func StreamName(callID string) string {
	return fmt.Sprintf("call/%s", callID)
}

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	id := opts.SubscriberID
	if id == "" {
		id = "pulse-sink"
	}
	marshal := opts.MarshalEnvelope
	if marshal == nil {
		marshal = defaultMarshal
	}
	return &Sink{
		client:  opts.Client,
		id:      id,
		marshal: marshal,
	}, nil
}

// ID implements events.Subscriber.
func (s *Sink) ID() string { return s.id }

// Deliver implements events.Subscriber: the event is wrapped in an envelope
// and appended to the call's stream. Stream consumers on other instances
// replay it into their local bus.
func (s *Sink) Deliver(ctx context.Context, e events.Event) error {
	handle, err := s.client.Stream(StreamName(e.CallID()))
	if err != nil {
		return err
	}
	env := envelope{
		Kind:      string(e.Kind()),
		CallID:    e.CallID(),
		Timestamp: e.Timestamp(),
		Payload:   e.Payload(),
	}
	payload, err := s.marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Kind, payload); err != nil {
		return err
	}
	return nil
}

// Release destroys the call's stream. Called after the call_ended event has
// had time to drain to remote consumers.
func (s *Sink) Release(ctx context.Context, callID string) error {
	handle, err := s.client.Stream(StreamName(callID))
	if err != nil {
		return err
	}
	return handle.Destroy(ctx)
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
