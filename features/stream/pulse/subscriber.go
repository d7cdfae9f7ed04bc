package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/handoff-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/handoff-ai/switchboard/runtime/call/events"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into call events.
	EnvelopeDecoder func([]byte) (events.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "switchboard_subscriber". Each instance uses its own name so every
		// instance receives every event (fan-out, not work sharing).
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in JSON
		// decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes a call's Pulse stream and emits call events,
	// bridging remote instances' publications into the local process.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}

	// remoteEvent implements events.Event for Pulse-decoded envelopes. The
	// payload stays raw JSON: it was validated at its origin's publish
	// boundary.
	remoteEvent struct {
		k  events.Kind
		c  string
		ts time.Time
		p  json.RawMessage
	}
)

func (e remoteEvent) Kind() events.Kind    { return e.k }
func (e remoteEvent) CallID() string       { return e.c }
func (e remoteEvent) Timestamp() time.Time { return e.ts }
func (e remoteEvent) Payload() any         { return e.p }

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "switchboard_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the call's stream and returns channels for
// events and errors. A goroutine consumes the sink, decodes payloads and
// emits call events. The returned cancel function stops consumption, closes
// the sink and closes both channels.
//
// Usage:
//
//	evts, errs, cancel, err := sub.Subscribe(ctx, "call-123")
//	defer cancel()
//	for evt := range evts {
//	    // replay into the local bus
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	callID string,
	opts ...streamopts.Sink,
) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(callID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	evts := make(chan events.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, evts, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return evts, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes them and emits
// them on the out channel, acking each after successful emission. Closes both
// channels when ctx is canceled or the sink channel closes.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- events.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope format into a call
// event.
func decodeEnvelope(payload []byte) (events.Event, error) {
	var env struct {
		Kind      string          `json:"kind"`
		CallID    string          `json:"call_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Kind == "" {
		return nil, errors.New("envelope missing kind")
	}
	if env.CallID == "" {
		return nil, errors.New("envelope missing call id")
	}
	return remoteEvent{
		k:  events.Kind(env.Kind),
		c:  env.CallID,
		ts: env.Timestamp,
		p:  env.Payload,
	}, nil
}
