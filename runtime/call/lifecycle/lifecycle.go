// Package lifecycle bridges external call-lifecycle signals (telephony
// webhooks, transcription chunks, suggestion producers) into the session
// store and the event bus.
//
// The manager is the only writer of Session.Status, Transcript, StartedAt and
// EndedAt. Signals are tolerant by design: duplicate starts, late transcript
// fragments and unknown call ends are logged no-ops, never failures, because
// webhook deliveries retry and replay.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/events"
	"github.com/handoff-ai/switchboard/runtime/call/session"
	"github.com/handoff-ai/switchboard/runtime/call/telemetry"
)

type (
	// Manager creates, feeds and tears down call sessions.
	Manager struct {
		sessions session.Store
		bus      *events.Bus
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// Options configures a Manager. Sessions and Bus are required.
	Options struct {
		Sessions session.Store
		Bus      *events.Bus
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides the time source. Intended for tests.
		Clock func() time.Time
	}
)

// New constructs a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	m := &Manager{
		sessions: opts.Sessions,
		bus:      opts.Bus,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
	}
	if m.logger == nil {
		m.logger = telemetry.NoopLogger{}
	}
	if m.metrics == nil {
		m.metrics = telemetry.NoopMetrics{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// OnCallStarted creates the session for a new call: ACTIVE, owned by the AI
// agent, zero switches. A duplicate start for a live session is a logged
// no-op. The created snapshot is published as a session_update so dashboards
// that joined early render immediately.
func (m *Manager) OnCallStarted(ctx context.Context, callID, customerID string) (*call.Session, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	sess := &call.Session{
		CallID:     callID,
		Status:     call.StatusActive,
		Mode:       call.ModeAI,
		CustomerID: customerID,
		StartedAt:  m.now().UTC(),
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, call.ErrSessionExists) {
			m.logger.Warn(ctx, "duplicate call start ignored", "call_id", callID)
			return m.sessions.Get(ctx, callID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.metrics.IncCounter(telemetry.MetricSessionStarted, 1)
	m.logger.Info(ctx, "call session started", "call_id", callID, "customer_id", customerID)
	m.publish(ctx, events.NewSessionUpdate(sess))
	return sess, nil
}

// OnTranscriptChunk appends one transcript entry in arrival order and
// publishes it. Chunks for unknown, ended or expired calls are swallowed: a
// late fragment must not resurrect a session, and a retrying transcription
// vendor must not see errors for a call that is simply over.
func (m *Manager) OnTranscriptChunk(ctx context.Context, callID string, entry call.TranscriptEntry) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	if entry.Text == "" {
		return errors.New("transcript text is required")
	}
	if err := m.sessions.AppendTranscript(ctx, callID, entry); err != nil {
		// Append failures are cosmetic relative to call handling: log and
		// swallow so the webhook path stays healthy.
		m.logger.Error(ctx, "transcript append failed", "call_id", callID, "err", err.Error())
		return nil
	}
	m.publish(ctx, events.NewTranscriptUpdate(callID, entry))
	return nil
}

// OnSuggestion relays an AI-generated suggestion for the human representative
// to the call's subscribers. The suggestion content is produced elsewhere;
// this subsystem only fans it out.
func (m *Manager) OnSuggestion(ctx context.Context, callID, suggestion, source string) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	if suggestion == "" {
		return errors.New("suggestion is required")
	}
	return m.bus.Publish(ctx, events.NewSuggestionNotification(callID, suggestion, source))
}

// OnCallEnded marks the session ENDED, publishes the call_ended event and
// releases the call's subscriber room. The session entry is deliberately not
// deleted: it expires via TTL so a brief post-end read (final summary fetch)
// still succeeds. Ending an unknown call is a logged no-op.
func (m *Manager) OnCallEnded(ctx context.Context, callID string) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	endedAt := m.now().UTC()
	status := call.StatusEnded
	sess, err := m.sessions.Apply(ctx, callID, session.Update{Status: &status, EndedAt: &endedAt})
	if err != nil {
		if errors.Is(err, call.ErrSessionNotFound) {
			m.logger.Warn(ctx, "end signal for unknown call ignored", "call_id", callID)
			return nil
		}
		return fmt.Errorf("end session: %w", err)
	}

	m.metrics.IncCounter(telemetry.MetricSessionEnded, 1)
	m.logger.Info(ctx, "call session ended",
		"call_id", callID, "duration", endedAt.Sub(sess.StartedAt).String(), "switches", sess.SwitchCount)
	m.publish(ctx, events.NewCallEnded(callID, endedAt, endedAt.Sub(sess.StartedAt)))
	m.bus.CloseCall(callID)
	return nil
}

// Snapshot returns the current session state for read endpoints.
func (m *Manager) Snapshot(ctx context.Context, callID string) (*call.Session, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	return m.sessions.Get(ctx, callID)
}

// publish fans an event out, logging (not propagating) failures: event
// delivery is a cosmetic concern relative to the call-handling path.
func (m *Manager) publish(ctx context.Context, e events.Event) {
	if err := m.bus.Publish(ctx, e); err != nil {
		m.logger.Error(ctx, "event publish failed",
			"call_id", e.CallID(), "kind", string(e.Kind()), "err", err.Error())
	}
}
