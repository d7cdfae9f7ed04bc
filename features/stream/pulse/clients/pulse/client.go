// Package pulse provides a thin wrapper around Pulse streams for call event
// propagation. Callers build a Redis client, pass it to New, and receive a
// typed interface exposing only the operations the call event relay needs.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per call stream.
		// Zero uses Pulse defaults. Call streams are short-lived, so a small
		// cap keeps Redis memory bounded during long calls.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs the call event relay requires.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases resources owned by the client. Callers own the Redis
		// connection, so the default implementation is a no-op.
		Close(ctx context.Context) error
	}

	// Stream exposes publish and consume operations on one call stream.
	Stream interface {
		// Add publishes an event with the given name and payload, returning
		// the Redis-assigned event ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on this stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its messages. Called when the
		// call ends.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading from one call stream.
	Sink interface {
		// Subscribe returns a channel emitting events as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream returns a handle to the named Pulse stream, creating it if it does
// not exist.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (c *client) Close(context.Context) error {
	return nil
}

// handle wraps a Pulse stream and applies optional timeouts to operations.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter adapts streaming.Sink to the Sink interface, making Close match
// the expected signature.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
