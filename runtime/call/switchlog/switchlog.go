// Package switchlog defines the append-only audit trail of committed operator
// switches. Entries are write-once: the log never mutates or deletes a
// committed entry, and it outlives the ephemeral call session it describes.
package switchlog

import (
	"context"
	"time"

	"github.com/handoff-ai/switchboard/runtime/call"
)

type (
	// Entry records one committed operator switch.
	Entry struct {
		// ID uniquely identifies the entry. Assigned by the log on append.
		ID string `json:"id"`
		// CallID references the call the switch belongs to.
		CallID string `json:"call_id"`
		// Direction is the committed transition.
		Direction call.Direction `json:"direction"`
		// Reason is optional caller-provided free text (dashboard note,
		// sentiment trigger label, ...).
		Reason string `json:"reason,omitempty"`
		// Timestamp records when the switch committed.
		Timestamp time.Time `json:"timestamp"`
	}

	// Stats aggregates a call's switch history.
	Stats struct {
		// Total is the number of committed switches.
		Total int `json:"total"`
		// AIToHuman counts AI_TO_HUMAN transitions.
		AIToHuman int `json:"ai_to_human"`
		// HumanToAI counts HUMAN_TO_AI transitions.
		HumanToAI int `json:"human_to_ai"`
		// Recent holds the most recent entries, newest first.
		Recent []Entry `json:"recent"`
	}

	// Log persists switch entries.
	//
	// Implementations must be durable relative to the session store: entries
	// are the audit trail and are retained after the session expires.
	Log interface {
		// Append stores the entry and fills in its ID.
		Append(ctx context.Context, e *Entry) error
		// List returns all entries for the call in append order.
		List(ctx context.Context, callID string) ([]Entry, error)
		// Count returns the number of entries for the call. It backs the
		// commit-time audit check switchCount == count(entries).
		Count(ctx context.Context, callID string) (int, error)
	}
)

// StatsOf folds entries (in append order) into a Stats aggregate keeping at
// most recent entries, newest first.
func StatsOf(entries []Entry, recent int) Stats {
	s := Stats{Total: len(entries)}
	for _, e := range entries {
		switch e.Direction {
		case call.DirectionAIToHuman:
			s.AIToHuman++
		case call.DirectionHumanToAI:
			s.HumanToAI++
		}
	}
	if recent <= 0 || recent > len(entries) {
		recent = len(entries)
	}
	s.Recent = make([]Entry, 0, recent)
	for i := len(entries) - 1; i >= len(entries)-recent; i-- {
		s.Recent = append(s.Recent, entries[i])
	}
	return s
}
