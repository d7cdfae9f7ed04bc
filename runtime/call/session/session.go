// Package session defines the store contract for live call sessions.
//
// Sessions are ephemeral and derivable: the store trades durability for
// availability. Implementations back sessions with a shared cache when one is
// reachable and degrade to process-local memory when it is not; degradation
// must be invisible to callers (same return shapes, same errors).
package session

import (
	"context"
	"time"

	"github.com/handoff-ai/switchboard/runtime/call"
)

// TTL is the session time-to-live, refreshed on every write. Entries older
// than TTL are treated as absent. Two hours comfortably outlives any call
// while still bounding memory for sessions whose end signal never arrives.
const TTL = 2 * time.Hour

type (
	// Update is a field mask for partial session updates. Nil fields are
	// left untouched; set fields win over the stored value (shallow merge).
	Update struct {
		Status      *call.Status
		Mode        *call.Mode
		CustomerID  *string
		SwitchCount *int
		EndedAt     *time.Time
	}

	// Store persists live call sessions keyed by call ID.
	//
	// Contract:
	//   - Create stores the session with a fresh TTL. It returns
	//     call.ErrSessionExists when a live session is already present.
	//   - Get returns a snapshot of the current session or
	//     call.ErrSessionNotFound.
	//   - Apply merges the update on top of the current session, refreshes
	//     the TTL and returns the merged result. It is not an upsert: it
	//     returns call.ErrSessionNotFound when no session exists.
	//   - Delete is idempotent; deleting an absent session is not an error.
	//   - AppendTranscript appends one entry in arrival order and refreshes
	//     the TTL. When no session exists it is a no-op, not an error: a
	//     late transcript fragment must never resurrect an expired or ended
	//     session.
	Store interface {
		Create(ctx context.Context, s *call.Session) error
		Get(ctx context.Context, callID string) (*call.Session, error)
		Apply(ctx context.Context, callID string, u Update) (*call.Session, error)
		Delete(ctx context.Context, callID string) error
		AppendTranscript(ctx context.Context, callID string, entry call.TranscriptEntry) error
	}
)

// Merge applies the update to the session in place.
func (u Update) Merge(s *call.Session) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.Mode != nil {
		s.Mode = *u.Mode
	}
	if u.CustomerID != nil {
		s.CustomerID = *u.CustomerID
	}
	if u.SwitchCount != nil {
		s.SwitchCount = *u.SwitchCount
	}
	if u.EndedAt != nil {
		at := *u.EndedAt
		s.EndedAt = &at
	}
}
