// Package redis provides the production session.Store: sessions live in a
// shared Redis cache so any instance can serve any call, and the store
// degrades to process-local memory when Redis is unreachable.
//
// The degradation contract is deliberate and one-way: once the primary is
// declared down the store stays on the in-memory fallback for the remainder
// of the process lifetime (a restart retries the primary). Callers cannot
// tell which backend served them; sessions are ephemeral and derivable, so
// availability wins over durability here.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clientsredis "github.com/handoff-ai/switchboard/features/session/redis/clients/redis"
	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/session"
	"github.com/handoff-ai/switchboard/runtime/call/session/inmem"
	"github.com/handoff-ai/switchboard/runtime/call/telemetry"
)

type (
	// Store implements session.Store with a Redis primary and an in-memory
	// fallback. Safe for concurrent use.
	Store struct {
		client   clientsredis.Client
		fallback *inmem.Store
		ttl      time.Duration
		retries  int
		backoff  time.Duration
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		// connectOnce coalesces the first-access connection attempt: every
		// caller that arrives mid-attempt blocks on the same Do instead of
		// racing its own probe. The outcome is recorded in degraded.
		connectOnce sync.Once
		degraded    atomic.Bool
	}

	// Options configures a Store. Client is required.
	Options struct {
		// Client is the Redis client wrapper.
		Client clientsredis.Client
		// TTL overrides the session TTL. Defaults to session.TTL.
		TTL time.Duration
		// ConnectRetries is the number of extra connection probes after the
		// first fails. Defaults to 2.
		ConnectRetries int
		// ConnectBackoff is the pause between probes. Defaults to 250ms.
		ConnectBackoff time.Duration
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

const (
	keyPrefix             = "call:session:"
	defaultConnectRetries = 2
	defaultConnectBackoff = 250 * time.Millisecond
)

// New constructs a Store. No connection is attempted until first use.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{
		client:   opts.Client,
		ttl:      opts.TTL,
		retries:  opts.ConnectRetries,
		backoff:  opts.ConnectBackoff,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		fallback: inmem.New(),
	}
	if s.ttl <= 0 {
		s.ttl = session.TTL
	}
	if opts.TTL > 0 {
		s.fallback = inmem.New(inmem.WithTTL(opts.TTL))
	}
	if s.retries <= 0 {
		s.retries = defaultConnectRetries
	}
	if s.backoff <= 0 {
		s.backoff = defaultConnectBackoff
	}
	if s.logger == nil {
		s.logger = telemetry.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = telemetry.NoopMetrics{}
	}
	return s, nil
}

// Create implements session.Store. Storage unavailability never surfaces:
// the session lands in fallback storage instead.
func (s *Store) Create(ctx context.Context, sess *call.Session) error {
	if sess == nil || sess.CallID == "" {
		return errors.New("call id is required")
	}
	if s.primary(ctx) {
		existing, err := s.client.Get(ctx, keyPrefix+sess.CallID)
		switch {
		case err == nil:
			var cur call.Session
			if jsonErr := json.Unmarshal([]byte(existing), &cur); jsonErr == nil && !cur.Ended() {
				return call.ErrSessionExists
			}
		case errors.Is(err, clientsredis.ErrNotFound):
			// No live session; proceed.
		default:
			s.degrade(ctx, err)
			return s.fallback.Create(ctx, sess)
		}
		if err := s.set(ctx, sess); err != nil {
			s.degrade(ctx, err)
			return s.fallback.Create(ctx, sess)
		}
		return nil
	}
	return s.fallback.Create(ctx, sess)
}

// Get implements session.Store. The serving backend is invisible to callers.
func (s *Store) Get(ctx context.Context, callID string) (*call.Session, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	if s.primary(ctx) {
		sess, err := s.get(ctx, callID)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, call.ErrSessionNotFound) {
			return nil, err
		}
		s.degrade(ctx, err)
	}
	return s.fallback.Get(ctx, callID)
}

// Apply implements session.Store: fetch, shallow-merge, re-persist with a
// refreshed TTL. Not an upsert. The read-modify-write is safe without CAS
// because the only committing writers (coordinator, lifecycle) already
// serialize per call.
func (s *Store) Apply(ctx context.Context, callID string, u session.Update) (*call.Session, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}
	if s.primary(ctx) {
		sess, err := s.get(ctx, callID)
		if err != nil {
			if errors.Is(err, call.ErrSessionNotFound) {
				return nil, err
			}
			s.degrade(ctx, err)
			return s.fallback.Apply(ctx, callID, u)
		}
		u.Merge(sess)
		if err := s.set(ctx, sess); err != nil {
			s.degrade(ctx, err)
			return s.fallback.Apply(ctx, callID, u)
		}
		return sess.Clone(), nil
	}
	return s.fallback.Apply(ctx, callID, u)
}

// Delete implements session.Store. Idempotent on both backends.
func (s *Store) Delete(ctx context.Context, callID string) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	if s.primary(ctx) {
		if err := s.client.Del(ctx, keyPrefix+callID); err != nil {
			s.degrade(ctx, err)
			return s.fallback.Delete(ctx, callID)
		}
		return nil
	}
	return s.fallback.Delete(ctx, callID)
}

// AppendTranscript implements session.Store. A chunk for an absent session
// is a no-op so late fragments never resurrect expired sessions.
func (s *Store) AppendTranscript(ctx context.Context, callID string, entry call.TranscriptEntry) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	if s.primary(ctx) {
		sess, err := s.get(ctx, callID)
		if err != nil {
			if errors.Is(err, call.ErrSessionNotFound) {
				return nil
			}
			s.degrade(ctx, err)
			return s.fallback.AppendTranscript(ctx, callID, entry)
		}
		sess.Transcript = append(sess.Transcript, entry)
		if err := s.set(ctx, sess); err != nil {
			s.degrade(ctx, err)
			return s.fallback.AppendTranscript(ctx, callID, entry)
		}
		return nil
	}
	return s.fallback.AppendTranscript(ctx, callID, entry)
}

// Degraded reports whether the store has switched to the in-memory fallback.
// Exposed for health endpoints and tests.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// primary ensures the one-shot connection attempt ran and reports whether
// the primary backend is serving.
func (s *Store) primary(ctx context.Context) bool {
	s.connectOnce.Do(func() {
		// The probe outcome is shared by every caller, so it must not die
		// with the first caller's context: each probe gets its own bounded
		// deadline instead.
		for attempt := 0; ; attempt++ {
			probeCtx, cancel := context.WithTimeout(context.Background(), s.backoff*4)
			err := s.client.Ping(probeCtx)
			cancel()
			if err == nil {
				s.logger.Info(ctx, "session store connected to primary backend")
				return
			}
			if attempt >= s.retries {
				s.degraded.Store(true)
				s.metrics.IncCounter(telemetry.MetricStoreFallback, 1)
				s.logger.Error(ctx, "primary session backend unreachable, degrading to in-memory fallback",
					"attempts", attempt+1, "err", err.Error())
				return
			}
			time.Sleep(s.backoff)
		}
	})
	return !s.degraded.Load()
}

// degrade flips the store to fallback mode after a failed primary operation.
// Only the first failure logs; later calls are no-ops.
func (s *Store) degrade(ctx context.Context, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.metrics.IncCounter(telemetry.MetricStoreFallback, 1)
		s.logger.Error(ctx, "primary session backend failed, degrading to in-memory fallback",
			"err", err.Error())
	}
}

// get loads and decodes a session from the primary.
func (s *Store) get(ctx context.Context, callID string) (*call.Session, error) {
	raw, err := s.client.Get(ctx, keyPrefix+callID)
	if err != nil {
		if errors.Is(err, clientsredis.ErrNotFound) {
			return nil, call.ErrSessionNotFound
		}
		return nil, err
	}
	var sess call.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", callID, err)
	}
	return &sess, nil
}

// set encodes and stores a session on the primary with a fresh TTL.
func (s *Store) set(ctx context.Context, sess *call.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.CallID, err)
	}
	return s.client.Set(ctx, keyPrefix+sess.CallID, string(raw), s.ttl)
}
