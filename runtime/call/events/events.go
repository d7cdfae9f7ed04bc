// Package events delivers real-time call updates to dashboard observers.
//
// Events form a closed tagged union: every kind has a fixed payload type and
// a JSON schema enforced at the publish boundary, so subscribers never see
// untyped blobs. Delivery is best-effort and at-least-once per connected
// subscriber; the durable audit trail is the switch log, never this bus.
//
// All event types embed Base and are immutable after construction, so they
// are safe to fan out concurrently. Transports (WebSocket, Pulse streams,
// SSE) implement Subscriber and marshal the envelope themselves.
package events

import (
	"time"

	"github.com/handoff-ai/switchboard/runtime/call"
)

type (
	// Event is one call-scoped update delivered to subscribers.
	Event interface {
		// Kind returns the event kind constant.
		Kind() Kind
		// CallID returns the call the event belongs to. Subscribers only
		// receive events for calls they have joined.
		CallID() string
		// Timestamp returns when the event was published (UTC).
		Timestamp() time.Time
		// Payload returns the kind-specific data in JSON-serializable form.
		Payload() any
	}

	// Kind enumerates event payload flavors.
	Kind string

	// Base provides a default implementation of Event. Concrete event types
	// embed it to inherit the interface methods.
	Base struct {
		k  Kind
		c  string
		ts time.Time
		p  any
	}

	// SessionUpdate notifies subscribers of a session state change (status,
	// mode, switch count).
	SessionUpdate struct {
		Base
		Data SessionUpdatePayload
	}

	// TranscriptUpdate streams one appended transcript entry.
	TranscriptUpdate struct {
		Base
		Data TranscriptUpdatePayload
	}

	// SwitchNotification announces a committed operator switch.
	SwitchNotification struct {
		Base
		Data SwitchNotificationPayload
	}

	// SuggestionNotification carries an AI-generated suggestion for the
	// human representative. Produced by the external suggestion
	// collaborator; this subsystem only relays it.
	SuggestionNotification struct {
		Base
		Data SuggestionPayload
	}

	// CallEnded announces call termination. Publishing it is the cue for
	// the bus to release all subscriber associations for the call.
	CallEnded struct {
		Base
		Data CallEndedPayload
	}

	// SessionUpdatePayload is the wire payload for session_update events.
	SessionUpdatePayload struct {
		Status      call.Status `json:"status"`
		Mode        call.Mode   `json:"mode"`
		SwitchCount int         `json:"switch_count"`
		CustomerID  string      `json:"customer_id,omitempty"`
	}

	// TranscriptUpdatePayload is the wire payload for transcript_update
	// events.
	TranscriptUpdatePayload struct {
		Speaker   call.Speaker `json:"speaker"`
		Text      string       `json:"text"`
		Timestamp time.Time    `json:"timestamp"`
	}

	// SwitchNotificationPayload is the wire payload for switch_notification
	// events.
	SwitchNotificationPayload struct {
		Direction   call.Direction `json:"direction"`
		NewMode     call.Mode      `json:"new_mode"`
		SwitchCount int            `json:"switch_count"`
		Reason      string         `json:"reason,omitempty"`
		Timestamp   time.Time      `json:"timestamp"`
	}

	// SuggestionPayload is the wire payload for suggestion_notification
	// events.
	SuggestionPayload struct {
		Suggestion string `json:"suggestion"`
		Source     string `json:"source,omitempty"`
	}

	// CallEndedPayload is the wire payload for call_ended events.
	CallEndedPayload struct {
		EndedAt  time.Time     `json:"ended_at"`
		Duration time.Duration `json:"duration"`
	}
)

const (
	// KindSessionUpdate notifies of session state changes.
	KindSessionUpdate Kind = "session_update"
	// KindTranscriptUpdate streams appended transcript entries.
	KindTranscriptUpdate Kind = "transcript_update"
	// KindSwitchNotification announces committed operator switches.
	KindSwitchNotification Kind = "switch_notification"
	// KindSuggestionNotification relays AI suggestions to representatives.
	KindSuggestionNotification Kind = "suggestion_notification"
	// KindCallEnded announces call termination and triggers subscriber
	// cleanup for the call.
	KindCallEnded Kind = "call_ended"
)

// NewBase constructs a Base event with the given kind, call ID and payload,
// stamped with the current UTC time.
func NewBase(k Kind, callID string, payload any) Base {
	return Base{k: k, c: callID, ts: time.Now().UTC(), p: payload}
}

// Kind implements Event.Kind.
func (b Base) Kind() Kind { return b.k }

// CallID implements Event.CallID.
func (b Base) CallID() string { return b.c }

// Timestamp implements Event.Timestamp.
func (b Base) Timestamp() time.Time { return b.ts }

// Payload implements Event.Payload.
func (b Base) Payload() any { return b.p }

// NewSessionUpdate builds a session_update event from a session snapshot.
func NewSessionUpdate(s *call.Session) SessionUpdate {
	p := SessionUpdatePayload{
		Status:      s.Status,
		Mode:        s.Mode,
		SwitchCount: s.SwitchCount,
		CustomerID:  s.CustomerID,
	}
	return SessionUpdate{Base: NewBase(KindSessionUpdate, s.CallID, p), Data: p}
}

// NewTranscriptUpdate builds a transcript_update event for one entry.
func NewTranscriptUpdate(callID string, e call.TranscriptEntry) TranscriptUpdate {
	p := TranscriptUpdatePayload{Speaker: e.Speaker, Text: e.Text, Timestamp: e.Timestamp}
	return TranscriptUpdate{Base: NewBase(KindTranscriptUpdate, callID, p), Data: p}
}

// NewSwitchNotification builds a switch_notification event for a committed
// transition.
func NewSwitchNotification(callID string, direction call.Direction, switchCount int, reason string, at time.Time) SwitchNotification {
	p := SwitchNotificationPayload{
		Direction:   direction,
		NewMode:     direction.Target(),
		SwitchCount: switchCount,
		Reason:      reason,
		Timestamp:   at,
	}
	return SwitchNotification{Base: NewBase(KindSwitchNotification, callID, p), Data: p}
}

// NewSuggestionNotification builds a suggestion_notification event.
func NewSuggestionNotification(callID, suggestion, source string) SuggestionNotification {
	p := SuggestionPayload{Suggestion: suggestion, Source: source}
	return SuggestionNotification{Base: NewBase(KindSuggestionNotification, callID, p), Data: p}
}

// NewCallEnded builds a call_ended event.
func NewCallEnded(callID string, endedAt time.Time, duration time.Duration) CallEnded {
	p := CallEndedPayload{EndedAt: endedAt, Duration: duration}
	return CallEnded{Base: NewBase(KindCallEnded, callID, p), Data: p}
}
