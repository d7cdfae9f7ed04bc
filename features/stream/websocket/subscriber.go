// Package websocket adapts a dashboard WebSocket connection to the event
// bus. Each connected dashboard client gets one Subscriber; the bus delivers
// events into a bounded queue and a write pump owns the connection, so a slow
// or stalled client never blocks publishers or other subscribers.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/handoff-ai/switchboard/runtime/call/events"
)

type (
	// Conn is the subset of *websocket.Conn the subscriber writes to. A
	// seam for tests.
	Conn interface {
		SetWriteDeadline(t time.Time) error
		WriteMessage(messageType int, data []byte) error
		WriteControl(messageType int, data []byte, deadline time.Time) error
		Close() error
	}

	// Options configures a Subscriber.
	Options struct {
		// ID uniquely identifies the subscriber on the bus. Required;
		// typically the dashboard connection id.
		ID string
		// Conn is the WebSocket connection. Required.
		Conn Conn
		// QueueSize bounds the send queue. Defaults to 32. When the queue is
		// full Deliver fails and the bus records a dropped delivery; the
		// event is not retried for this subscriber.
		QueueSize int
		// WriteTimeout bounds individual writes. Defaults to 5s.
		WriteTimeout time.Duration
		// PingInterval sets the keepalive cadence. Defaults to 20s.
		PingInterval time.Duration
	}

	// Subscriber implements events.Subscriber over one WebSocket connection.
	Subscriber struct {
		id           string
		conn         Conn
		queue        chan []byte
		writeTimeout time.Duration
		pingInterval time.Duration
	}

	// frame is the wire envelope written to the dashboard.
	frame struct {
		Kind      string    `json:"kind"`
		CallID    string    `json:"call_id"`
		Timestamp time.Time `json:"timestamp"`
		Payload   any       `json:"payload,omitempty"`
	}
)

// ErrQueueFull is returned by Deliver when the client cannot keep up.
var ErrQueueFull = errors.New("subscriber send queue full")

// New constructs a Subscriber. Callers must run the write pump (Run) for
// queued events to reach the connection.
func New(opts Options) (*Subscriber, error) {
	if opts.ID == "" {
		return nil, errors.New("subscriber id is required")
	}
	if opts.Conn == nil {
		return nil, errors.New("connection is required")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 32
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	return &Subscriber{
		id:           opts.ID,
		conn:         opts.Conn,
		queue:        make(chan []byte, size),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}, nil
}

// ID implements events.Subscriber.
func (s *Subscriber) ID() string { return s.id }

// Deliver implements events.Subscriber: the event is marshaled and queued for
// the write pump. It never blocks; a full queue fails the delivery for this
// subscriber only.
func (s *Subscriber) Deliver(_ context.Context, e events.Event) error {
	data, err := json.Marshal(frame{
		Kind:      string(e.Kind()),
		CallID:    e.CallID(),
		Timestamp: e.Timestamp(),
		Payload:   e.Payload(),
	})
	if err != nil {
		return err
	}
	select {
	case s.queue <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run owns the connection: it drains the queue, sends keepalive pings and
// closes the connection when ctx is canceled. Returns on write error or
// cancelation. Callers run it once per connection, typically in the handler
// goroutine that accepted the upgrade.
func (s *Subscriber) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushOnShutdown()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeTimeout))
			_ = s.conn.Close()
			return nil
		case <-pingTicker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case data := <-s.queue:
			if err := s.write(data); err != nil {
				return err
			}
		}
	}
}

// flushOnShutdown drains a handful of already-queued frames so a call_ended
// published just before cancelation still reaches the client.
func (s *Subscriber) flushOnShutdown() {
	const maxFlushFrames = 8
	for i := 0; i < maxFlushFrames; i++ {
		select {
		case data := <-s.queue:
			_ = s.write(data)
		default:
			return
		}
	}
}

func (s *Subscriber) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
