// Package call defines the core primitives for live customer-service call
// sessions that move between two interchangeable operators: an AI agent and a
// human representative.
//
// A Session is the canonical, ephemeral state of one ongoing interaction. It
// lives in a session store for the duration of the call (plus a short TTL
// grace period after the call ends) and is never the audit trail: committed
// operator switches are recorded separately as switchlog entries.
//
// Ownership is strict:
//   - the session store owns the live mutable Session,
//   - the switch coordinator is the only writer of Mode and SwitchCount,
//   - the lifecycle manager is the only writer of Status, Transcript,
//     StartedAt and EndedAt.
package call

import (
	"errors"
	"fmt"
	"time"
)

type (
	// Session captures the live state of one customer interaction.
	Session struct {
		// CallID is the opaque unique identifier of the call. Immutable,
		// assigned at session creation.
		CallID string `json:"call_id"`
		// Status is the call lifecycle state.
		Status Status `json:"status"`
		// Mode identifies which operator currently owns the conversation.
		Mode Mode `json:"mode"`
		// CustomerID is an optional back-reference to a customer identity.
		// It is carried, not owned, by this subsystem.
		CustomerID string `json:"customer_id,omitempty"`
		// Transcript is the append-only, arrival-ordered sequence of
		// utterances. It is never reordered or deduplicated.
		Transcript []TranscriptEntry `json:"transcript"`
		// SwitchCount equals the number of committed operator switches for
		// this session. Monotonically non-decreasing.
		SwitchCount int `json:"switch_count"`
		// StartedAt records when the call started.
		StartedAt time.Time `json:"started_at"`
		// EndedAt is set when Status becomes StatusEnded.
		EndedAt *time.Time `json:"ended_at,omitempty"`
	}

	// TranscriptEntry is a single utterance in a call transcript.
	TranscriptEntry struct {
		// Speaker identifies who produced the utterance.
		Speaker Speaker `json:"speaker"`
		// Text is the utterance content.
		Text string `json:"text"`
		// Timestamp is the upstream-reported time of the utterance. It is
		// informational only: transcript order is arrival order.
		Timestamp time.Time `json:"timestamp"`
	}

	// Status represents the lifecycle state of a call.
	Status string

	// Mode identifies the operator that currently owns a call.
	Mode string

	// Speaker identifies the producer of a transcript entry.
	Speaker string

	// Direction names a committed or requested operator switch.
	Direction string
)

const (
	// StatusRinging indicates the call has been created but not answered.
	StatusRinging Status = "RINGING"
	// StatusActive indicates the call is in progress.
	StatusActive Status = "ACTIVE"
	// StatusOnHold indicates the call is parked.
	StatusOnHold Status = "ON_HOLD"
	// StatusEnded indicates the call is terminal. The session entry is left
	// to expire via TTL so post-end reads briefly succeed.
	StatusEnded Status = "ENDED"
)

const (
	// ModeAI indicates the AI agent owns the conversation.
	ModeAI Mode = "AI_AGENT"
	// ModeHuman indicates a human representative owns the conversation.
	ModeHuman Mode = "HUMAN_REP"
)

const (
	// SpeakerAI marks utterances produced by the AI agent.
	SpeakerAI Speaker = "AI"
	// SpeakerHuman marks utterances produced by the human representative.
	SpeakerHuman Speaker = "HUMAN"
	// SpeakerCustomer marks utterances produced by the customer.
	SpeakerCustomer Speaker = "CUSTOMER"
)

const (
	// DirectionAIToHuman hands the conversation from the AI agent to a
	// human representative.
	DirectionAIToHuman Direction = "AI_TO_HUMAN"
	// DirectionHumanToAI hands the conversation back to the AI agent.
	DirectionHumanToAI Direction = "HUMAN_TO_AI"
)

var (
	// ErrSessionNotFound indicates no live session exists for the call ID.
	// This is a client error, distinct from storage failures.
	ErrSessionNotFound = errors.New("call session not found")
	// ErrSessionExists indicates a live (non-ended) session already exists
	// for the call ID.
	ErrSessionExists = errors.New("call session already exists")
)

// ParseDirection validates a wire-format direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionAIToHuman, DirectionHumanToAI:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("invalid switch direction %q", s)
	}
}

// Source returns the mode a switch in this direction moves away from.
func (d Direction) Source() Mode {
	if d == DirectionAIToHuman {
		return ModeAI
	}
	return ModeHuman
}

// Target returns the mode a switch in this direction moves to.
func (d Direction) Target() Mode {
	if d == DirectionAIToHuman {
		return ModeHuman
	}
	return ModeAI
}

// Ended reports whether the session is terminal.
func (s *Session) Ended() bool {
	return s.Status == StatusEnded
}

// Clone returns a deep copy of the session so callers can hand out snapshots
// without exposing the stored transcript slice.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndedAt != nil {
		at := *s.EndedAt
		out.EndedAt = &at
	}
	if len(s.Transcript) > 0 {
		out.Transcript = make([]TranscriptEntry, len(s.Transcript))
		copy(out.Transcript, s.Transcript)
	}
	return &out
}
