// Package coordinator owns the operator mode state machine for live calls.
//
// Exactly one logical lock exists per call ID, held only across the
// validate+commit section of a switch (CPU-bound work plus one storage
// round-trip). Concurrent switch requests for the same call serialize on it:
// the loser of the race is re-evaluated against the winner's committed state
// rather than silently dropped. The lock is never held across a call to a
// telephony vendor.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/events"
	"github.com/handoff-ai/switchboard/runtime/call/session"
	"github.com/handoff-ai/switchboard/runtime/call/switchlog"
	"github.com/handoff-ai/switchboard/runtime/call/telemetry"
)

type (
	// Coordinator validates, serializes and commits operator switches.
	// It is the only writer of Session.Mode and Session.SwitchCount.
	Coordinator struct {
		sessions session.Store
		log      switchlog.Log
		bus      *events.Bus
		cooldown time.Duration
		recent   int
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time

		mu    sync.Mutex
		locks map[string]*callLock
	}

	// Options configures a Coordinator. Sessions, Log and Bus are required.
	Options struct {
		// Sessions is the live session store.
		Sessions session.Store
		// Log is the switch audit trail.
		Log switchlog.Log
		// Bus receives switch notifications on commit.
		Bus *events.Bus
		// Cooldown is the minimum interval between committed switches for
		// one call. Zero disables the policy (the default).
		Cooldown time.Duration
		// RecentHistory bounds Stats.Recent. Defaults to 10.
		RecentHistory int
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides the time source. Intended for tests.
		Clock func() time.Time
	}

	// Decision is the outcome of a read-only switch validation.
	Decision struct {
		// Allowed reports whether the switch may proceed.
		Allowed bool `json:"allowed"`
		// Reason explains a rejection in user-facing terms. Empty when
		// Allowed is true.
		Reason string `json:"reason,omitempty"`
	}

	// Request describes one switch command.
	Request struct {
		// CallID identifies the call to switch.
		CallID string `json:"call_id"`
		// Direction is the requested transition.
		Direction call.Direction `json:"direction"`
		// Reason is optional free text recorded in the audit trail.
		Reason string `json:"reason,omitempty"`
	}

	// Result describes a committed switch.
	Result struct {
		// NewMode is the operator mode after the commit.
		NewMode call.Mode `json:"new_mode"`
		// SwitchCount is the session's committed switch total.
		SwitchCount int `json:"switch_count"`
		// Timestamp records when the switch committed.
		Timestamp time.Time `json:"timestamp"`
	}

	// callLock is a refcounted per-call mutex. Refcounting lets the lock
	// table shrink back once no request is in flight for a call.
	callLock struct {
		mu   sync.Mutex
		refs int
	}
)

// ErrConflict indicates the requested switch is invalid against the current
// session state (already in the target mode, call ended, cooldown active).
// The wrapped message carries the user-facing reason.
var ErrConflict = errors.New("switch conflict")

const defaultRecentHistory = 10

// New constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Log == nil {
		return nil, errors.New("switch log is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	c := &Coordinator{
		sessions: opts.Sessions,
		log:      opts.Log,
		bus:      opts.Bus,
		cooldown: opts.Cooldown,
		recent:   opts.RecentHistory,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		locks:    make(map[string]*callLock),
	}
	if c.recent <= 0 {
		c.recent = defaultRecentHistory
	}
	if c.logger == nil {
		c.logger = telemetry.NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = telemetry.NoopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// CanSwitch validates a switch without committing anything. It is safe to
// call from read endpoints; the commit path re-validates under the per-call
// lock regardless, because a check across the network boundary is stale by
// the time it is acted on.
//
// A missing or ended session, a self-transition and an active cooldown all
// yield Allowed=false with a precise reason. Storage failures are returned
// as errors, never folded into the decision.
func (c *Coordinator) CanSwitch(ctx context.Context, callID string, direction call.Direction) (Decision, error) {
	if callID == "" {
		return Decision{}, errors.New("call id is required")
	}
	if _, err := call.ParseDirection(string(direction)); err != nil {
		return Decision{}, err
	}
	sess, err := c.sessions.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, call.ErrSessionNotFound) {
			return Decision{Reason: fmt.Sprintf("call %s has no live session", callID)}, nil
		}
		return Decision{}, fmt.Errorf("load session: %w", err)
	}
	return c.evaluate(ctx, sess, direction)
}

// ExecuteSwitch commits a switch. Serialized per call: the critical section
// re-validates against current state, updates mode and switch count, verifies
// the audit invariant, appends the log entry and publishes the switch event,
// in that order. Failure leaves no partial state.
//
// Errors: call.ErrSessionNotFound for unknown calls (client error),
// ErrConflict when re-validation rejects (with the reason in the message),
// anything else is a storage failure (internal).
func (c *Coordinator) ExecuteSwitch(ctx context.Context, req Request) (Result, error) {
	if req.CallID == "" {
		return Result{}, errors.New("call id is required")
	}
	if _, err := call.ParseDirection(string(req.Direction)); err != nil {
		return Result{}, err
	}

	unlock := c.lock(req.CallID)
	defer unlock()
	started := c.now()

	sess, err := c.sessions.Get(ctx, req.CallID)
	if err != nil {
		if errors.Is(err, call.ErrSessionNotFound) {
			c.reject(ctx, req, "no live session")
			return Result{}, call.ErrSessionNotFound
		}
		return Result{}, fmt.Errorf("load session: %w", err)
	}

	decision, err := c.evaluate(ctx, sess, req.Direction)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		c.reject(ctx, req, decision.Reason)
		return Result{}, fmt.Errorf("%w: %s", ErrConflict, decision.Reason)
	}

	// Audit invariant: the committed history must match the counter before
	// we extend either.
	logged, err := c.log.Count(ctx, req.CallID)
	if err != nil {
		return Result{}, fmt.Errorf("count switch history: %w", err)
	}
	if logged != sess.SwitchCount {
		return Result{}, fmt.Errorf("switch history out of sync for call %s: session says %d, log has %d",
			req.CallID, sess.SwitchCount, logged)
	}

	at := c.now().UTC()
	newMode := req.Direction.Target()
	newCount := sess.SwitchCount + 1
	if _, err := c.sessions.Apply(ctx, req.CallID, session.Update{Mode: &newMode, SwitchCount: &newCount}); err != nil {
		if errors.Is(err, call.ErrSessionNotFound) {
			// Session expired between Get and Apply.
			c.reject(ctx, req, "no live session")
			return Result{}, call.ErrSessionNotFound
		}
		return Result{}, fmt.Errorf("commit mode update: %w", err)
	}

	entry := switchlog.Entry{
		CallID:    req.CallID,
		Direction: req.Direction,
		Reason:    req.Reason,
		Timestamp: at,
	}
	if err := c.log.Append(ctx, &entry); err != nil {
		// Roll the session back so mode and history stay consistent.
		prevMode := req.Direction.Source()
		prevCount := sess.SwitchCount
		if _, rbErr := c.sessions.Apply(ctx, req.CallID, session.Update{Mode: &prevMode, SwitchCount: &prevCount}); rbErr != nil {
			c.logger.Error(ctx, "switch rollback failed",
				"call_id", req.CallID, "err", rbErr.Error())
		}
		return Result{}, fmt.Errorf("append switch log: %w", err)
	}

	// Publish inside the locked section so switch events for one call reach
	// subscribers in commit order. Publish failures are already swallowed by
	// the bus; a validation failure here is a programming error worth a log
	// but not a failed switch.
	evt := events.NewSwitchNotification(req.CallID, req.Direction, newCount, req.Reason, at)
	if err := c.bus.Publish(ctx, evt); err != nil {
		c.logger.Error(ctx, "switch notification publish failed",
			"call_id", req.CallID, "err", err.Error())
	}

	c.metrics.IncCounter(telemetry.MetricSwitchCommitted, 1, "direction", string(req.Direction))
	c.metrics.RecordTimer(telemetry.MetricSwitchLatency, c.now().Sub(started))
	c.logger.Info(ctx, "operator switch committed",
		"call_id", req.CallID, "direction", string(req.Direction), "switch_count", newCount)

	return Result{NewMode: newMode, SwitchCount: newCount, Timestamp: at}, nil
}

// SwitchStats aggregates the call's committed switch history.
func (c *Coordinator) SwitchStats(ctx context.Context, callID string) (switchlog.Stats, error) {
	if callID == "" {
		return switchlog.Stats{}, errors.New("call id is required")
	}
	entries, err := c.log.List(ctx, callID)
	if err != nil {
		return switchlog.Stats{}, fmt.Errorf("list switch history: %w", err)
	}
	return switchlog.StatsOf(entries, c.recent), nil
}

// evaluate applies the switch rules to a session snapshot. Read-only.
func (c *Coordinator) evaluate(ctx context.Context, sess *call.Session, direction call.Direction) (Decision, error) {
	if sess.Ended() {
		return Decision{Reason: fmt.Sprintf("call %s has already ended", sess.CallID)}, nil
	}
	if sess.Mode == direction.Target() {
		who := "the AI agent"
		if sess.Mode == call.ModeHuman {
			who = "a human representative"
		}
		return Decision{Reason: fmt.Sprintf("call %s is already handled by %s", sess.CallID, who)}, nil
	}
	if c.cooldown > 0 && sess.SwitchCount > 0 {
		entries, err := c.log.List(ctx, sess.CallID)
		if err != nil {
			return Decision{}, fmt.Errorf("list switch history: %w", err)
		}
		if len(entries) > 0 {
			last := entries[len(entries)-1].Timestamp
			if remaining := c.cooldown - c.now().Sub(last); remaining > 0 {
				return Decision{Reason: fmt.Sprintf("call %s switched %s ago, next switch allowed in %s",
					sess.CallID, c.now().Sub(last).Round(time.Second), remaining.Round(time.Second))}, nil
			}
		}
	}
	return Decision{Allowed: true}, nil
}

// reject records a rejected switch request.
func (c *Coordinator) reject(ctx context.Context, req Request, reason string) {
	c.metrics.IncCounter(telemetry.MetricSwitchRejected, 1, "direction", string(req.Direction))
	c.logger.Info(ctx, "operator switch rejected",
		"call_id", req.CallID, "direction", string(req.Direction), "reason", reason)
}

// lock acquires the call's mutex, creating the slot on demand. The returned
// func releases the mutex and drops the slot once no caller holds or awaits
// it, so the table does not grow with the set of calls ever seen.
func (c *Coordinator) lock(callID string) func() {
	c.mu.Lock()
	l, ok := c.locks[callID]
	if !ok {
		l = &callLock{}
		c.locks[callID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, callID)
		}
		c.mu.Unlock()
	}
}
