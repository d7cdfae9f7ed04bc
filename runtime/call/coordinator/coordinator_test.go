package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/events"
	"github.com/handoff-ai/switchboard/runtime/call/session"
	sessioninmem "github.com/handoff-ai/switchboard/runtime/call/session/inmem"
	"github.com/handoff-ai/switchboard/runtime/call/switchlog"
	switchloginmem "github.com/handoff-ai/switchboard/runtime/call/switchlog/inmem"
)

type fixture struct {
	sessions *sessioninmem.Store
	log      switchlog.Log
	bus      *events.Bus
	coord    *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{sessions: sessioninmem.New()}
	if opts.Sessions == nil {
		opts.Sessions = f.sessions
	}
	if opts.Log == nil {
		opts.Log = switchloginmem.New()
	}
	f.log = opts.Log
	bus, err := events.NewBus(events.BusOptions{})
	require.NoError(t, err)
	f.bus = bus
	opts.Bus = bus
	coord, err := New(opts)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *fixture) startCall(t *testing.T, callID string) {
	t.Helper()
	require.NoError(t, f.sessions.Create(context.Background(), &call.Session{
		CallID:    callID,
		Status:    call.StatusActive,
		Mode:      call.ModeAI,
		StartedAt: time.Now().UTC(),
	}))
}

func TestSwitchRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.startCall(t, "c1")

	// AI -> human succeeds.
	res, err := f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionAIToHuman})
	require.NoError(t, err)
	require.Equal(t, call.ModeHuman, res.NewMode)
	require.Equal(t, 1, res.SwitchCount)
	require.False(t, res.Timestamp.IsZero())

	// Immediate repeat is a conflict, not a no-op success.
	_, err = f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionAIToHuman})
	require.ErrorIs(t, err, ErrConflict)
	require.Contains(t, err.Error(), "already handled by a human representative")

	// Back to the AI agent.
	res, err = f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionHumanToAI})
	require.NoError(t, err)
	require.Equal(t, call.ModeAI, res.NewMode)
	require.Equal(t, 2, res.SwitchCount)

	stats, err := f.coord.SwitchStats(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.AIToHuman)
	require.Equal(t, 1, stats.HumanToAI)
	require.Len(t, stats.Recent, 2)
	require.Equal(t, call.DirectionHumanToAI, stats.Recent[0].Direction, "recent history is newest first")
}

func TestCanSwitchReasons(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.startCall(t, "c1")

	d, err := f.coord.CanSwitch(ctx, "c1", call.DirectionAIToHuman)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Self-transition.
	d, err = f.coord.CanSwitch(ctx, "c1", call.DirectionHumanToAI)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "already handled by the AI agent")

	// Unknown call.
	d, err = f.coord.CanSwitch(ctx, "nope", call.DirectionAIToHuman)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "no live session")

	// Ended call.
	ended := call.StatusEnded
	_, err = f.sessions.Apply(ctx, "c1", sessionUpdateStatus(ended))
	require.NoError(t, err)
	d, err = f.coord.CanSwitch(ctx, "c1", call.DirectionAIToHuman)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "already ended")

	// Malformed direction is a validation error, not a decision.
	_, err = f.coord.CanSwitch(ctx, "c1", call.Direction("SIDEWAYS"))
	require.Error(t, err)
}

func TestExecuteSwitchNotFoundIsClientError(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.coord.ExecuteSwitch(context.Background(), Request{CallID: "ghost", Direction: call.DirectionAIToHuman})
	require.ErrorIs(t, err, call.ErrSessionNotFound)
	require.NotErrorIs(t, err, ErrConflict)
}

func TestCooldownPolicy(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	f := newFixture(t, Options{Cooldown: time.Minute, Clock: func() time.Time { return clock() }})
	ctx := context.Background()
	f.startCall(t, "c1")

	_, err := f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionAIToHuman})
	require.NoError(t, err)

	// Opposite direction is state-valid but inside the cooldown window.
	now = now.Add(10 * time.Second)
	d, err := f.coord.CanSwitch(ctx, "c1", call.DirectionHumanToAI)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Contains(t, d.Reason, "next switch allowed in")

	_, err = f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionHumanToAI})
	require.ErrorIs(t, err, ErrConflict)

	now = now.Add(time.Minute)
	_, err = f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionHumanToAI})
	require.NoError(t, err)
}

func TestConcurrentSameDirectionCommitsExactlyOne(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.startCall(t, "c2")

	const n = 16
	var (
		wg        sync.WaitGroup
		successes int
		conflicts int
		mu        sync.Mutex
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.ExecuteSwitch(ctx, Request{CallID: "c2", Direction: call.DirectionAIToHuman})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, n-1, conflicts)

	sess, err := f.sessions.Get(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, call.ModeHuman, sess.Mode)
	require.Equal(t, 1, sess.SwitchCount)

	count, err := f.log.Count(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, sess.SwitchCount, count)
}

func TestConcurrentOppositeDirectionsOneWins(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.startCall(t, "c2")

	var (
		wg    sync.WaitGroup
		errAI error
		errHU error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errAI = f.coord.ExecuteSwitch(ctx, Request{CallID: "c2", Direction: call.DirectionAIToHuman})
	}()
	go func() {
		defer wg.Done()
		_, errHU = f.coord.ExecuteSwitch(ctx, Request{CallID: "c2", Direction: call.DirectionHumanToAI})
	}()
	wg.Wait()

	// Starting from AI_AGENT either the AI_TO_HUMAN request lands first and
	// the HUMAN_TO_AI one then becomes valid too (both commit), or
	// HUMAN_TO_AI runs first against AI_AGENT and loses as a self-transition.
	sess, err := f.sessions.Get(ctx, "c2")
	require.NoError(t, err)
	if errHU != nil {
		require.NoError(t, errAI)
		require.ErrorIs(t, errHU, ErrConflict)
		require.Equal(t, call.ModeHuman, sess.Mode)
		require.Equal(t, 1, sess.SwitchCount)
	} else {
		require.NoError(t, errAI)
		require.Equal(t, call.ModeAI, sess.Mode)
		require.Equal(t, 2, sess.SwitchCount)
	}

	count, err := f.log.Count(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, sess.SwitchCount, count)
}

type failingLog struct {
	switchlog.Log
	failAppend bool
}

func (f *failingLog) Append(ctx context.Context, e *switchlog.Entry) error {
	if f.failAppend {
		return errors.New("mongo unavailable")
	}
	return f.Log.Append(ctx, e)
}

func TestLogFailureRollsBackSession(t *testing.T) {
	flog := &failingLog{Log: switchloginmem.New(), failAppend: true}
	f := newFixture(t, Options{Log: flog})
	ctx := context.Background()
	f.startCall(t, "c1")

	_, err := f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionAIToHuman})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConflict)

	// No partial state: mode and count are untouched, history is empty.
	sess, err := f.sessions.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, call.ModeAI, sess.Mode)
	require.Zero(t, sess.SwitchCount)
	count, err := f.log.Count(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, count)

	// The same request succeeds once storage recovers.
	flog.failAppend = false
	res, err := f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionAIToHuman})
	require.NoError(t, err)
	require.Equal(t, 1, res.SwitchCount)
}

func TestSwitchPublishesNotificationInCommitOrder(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.startCall(t, "c1")

	sub := &collectingSubscriber{id: "dash"}
	require.NoError(t, f.bus.Subscribe("c1", sub))

	_, err := f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionAIToHuman, Reason: "angry customer"})
	require.NoError(t, err)
	_, err = f.coord.ExecuteSwitch(ctx, Request{CallID: "c1", Direction: call.DirectionHumanToAI})
	require.NoError(t, err)

	got := sub.events()
	require.Len(t, got, 2)
	first, ok := got[0].(events.SwitchNotification)
	require.True(t, ok)
	require.Equal(t, call.ModeHuman, first.Data.NewMode)
	require.Equal(t, "angry customer", first.Data.Reason)
	second, ok := got[1].(events.SwitchNotification)
	require.True(t, ok)
	require.Equal(t, call.ModeAI, second.Data.NewMode)
	require.Equal(t, 2, second.Data.SwitchCount)
}

type collectingSubscriber struct {
	id  string
	mu  sync.Mutex
	got []events.Event
}

func (c *collectingSubscriber) ID() string { return c.id }

func (c *collectingSubscriber) Deliver(_ context.Context, e events.Event) error {
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
	return nil
}

func (c *collectingSubscriber) events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.got))
	copy(out, c.got)
	return out
}

// sessionUpdateStatus builds a status-only session update.
func sessionUpdateStatus(s call.Status) session.Update {
	return session.Update{Status: &s}
}
