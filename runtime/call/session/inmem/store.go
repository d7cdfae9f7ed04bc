// Package inmem provides an in-memory implementation of session.Store.
//
// It doubles as the process-local fallback used by the Redis-backed store
// when the shared cache is unreachable, and as the store of choice for tests.
// Expiry is lazy: entries past their deadline are removed when touched by a
// read or write, never by a background sweep.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/session"
)

type (
	// Store is an in-memory session.Store with lazy TTL expiry.
	// It is safe for concurrent use.
	Store struct {
		mu      sync.Mutex
		entries map[string]*entry
		ttl     time.Duration
		now     func() time.Time
	}

	entry struct {
		session  *call.Session
		deadline time.Time
	}

	// Option customizes a Store.
	Option func(*Store)
)

// WithTTL overrides the session TTL. Intended for tests.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store with the default session TTL.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     session.TTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements session.Store.
func (s *Store) Create(_ context.Context, sess *call.Session) error {
	if sess == nil || sess.CallID == "" {
		return errors.New("call id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.live(sess.CallID); e != nil && !e.session.Ended() {
		return call.ErrSessionExists
	}
	s.entries[sess.CallID] = &entry{
		session:  sess.Clone(),
		deadline: s.now().Add(s.ttl),
	}
	return nil
}

// Get implements session.Store.
func (s *Store) Get(_ context.Context, callID string) (*call.Session, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(callID)
	if e == nil {
		return nil, call.ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

// Apply implements session.Store.
func (s *Store) Apply(_ context.Context, callID string, u session.Update) (*call.Session, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(callID)
	if e == nil {
		return nil, call.ErrSessionNotFound
	}
	u.Merge(e.session)
	e.deadline = s.now().Add(s.ttl)
	return e.session.Clone(), nil
}

// Delete implements session.Store. Idempotent.
func (s *Store) Delete(_ context.Context, callID string) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, callID)
	return nil
}

// AppendTranscript implements session.Store. Appending to an absent session
// is a no-op so late fragments cannot resurrect expired sessions.
func (s *Store) AppendTranscript(_ context.Context, callID string, te call.TranscriptEntry) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(callID)
	if e == nil {
		return nil
	}
	e.session.Transcript = append(e.session.Transcript, te)
	e.deadline = s.now().Add(s.ttl)
	return nil
}

// live returns the entry for callID, expiring it first when past deadline.
// Caller must hold mu.
func (s *Store) live(callID string) *entry {
	e, ok := s.entries[callID]
	if !ok {
		return nil
	}
	if s.now().After(e.deadline) {
		delete(s.entries, callID)
		return nil
	}
	return e
}
