// Package inmem provides an in-memory implementation of switchlog.Log.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/switchlog/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/handoff-ai/switchboard/runtime/call/switchlog"
)

// Log is an in-memory switchlog.Log. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries map[string][]switchlog.Entry
}

// New returns an empty Log.
func New() *Log {
	return &Log{entries: make(map[string][]switchlog.Entry)}
}

// Append implements switchlog.Log.
func (l *Log) Append(_ context.Context, e *switchlog.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.CallID == "" {
		return errors.New("call id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.ID = uuid.NewString()
	l.entries[e.CallID] = append(l.entries[e.CallID], *e)
	return nil
}

// List implements switchlog.Log.
func (l *Log) List(_ context.Context, callID string) ([]switchlog.Entry, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.entries[callID]
	out := make([]switchlog.Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Count implements switchlog.Log.
func (l *Log) Count(_ context.Context, callID string) (int, error) {
	if callID == "" {
		return 0, errors.New("call id is required")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[callID]), nil
}
