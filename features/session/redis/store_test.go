package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clientsredis "github.com/handoff-ai/switchboard/features/session/redis/clients/redis"
	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/session"
)

// fakeClient is an in-process Client with switchable failure modes.
type fakeClient struct {
	mu       sync.Mutex
	data     map[string]string
	pingErr  error
	failOps  bool
	pings    int
	setCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: make(map[string]string)}
}

func (f *fakeClient) Name() string { return "fake-redis" }

func (f *fakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeClient) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return "", errors.New("connection reset")
	}
	v, ok := f.data[key]
	if !ok {
		return "", clientsredis.ErrNotFound
	}
	return v, nil
}

func (f *fakeClient) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.failOps {
		return errors.New("connection reset")
	}
	f.data[key] = value
	return nil
}

func (f *fakeClient) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errors.New("connection reset")
	}
	delete(f.data, key)
	return nil
}

func (f *fakeClient) fail(on bool) {
	f.mu.Lock()
	f.failOps = on
	f.mu.Unlock()
}

func newStore(t *testing.T, c clientsredis.Client) *Store {
	t.Helper()
	s, err := New(Options{Client: c, ConnectBackoff: time.Millisecond})
	require.NoError(t, err)
	return s
}

func TestRoundTripOnPrimary(t *testing.T) {
	fc := newFakeClient()
	s := newStore(t, fc)
	ctx := context.Background()

	sess := &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeAI, CustomerID: "cust-1", StartedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, sess))
	require.ErrorIs(t, s.Create(ctx, sess), call.ErrSessionExists)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "cust-1", got.CustomerID)
	require.Equal(t, call.ModeAI, got.Mode)
	require.False(t, s.Degraded())

	_, err = s.Get(ctx, "nope")
	require.ErrorIs(t, err, call.ErrSessionNotFound)
}

func TestApplyOnPrimary(t *testing.T) {
	fc := newFakeClient()
	s := newStore(t, fc)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeAI, StartedAt: time.Now().UTC()}))

	mode := call.ModeHuman
	count := 1
	got, err := s.Apply(ctx, "c1", session.Update{Mode: &mode, SwitchCount: &count})
	require.NoError(t, err)
	require.Equal(t, call.ModeHuman, got.Mode)
	require.Equal(t, 1, got.SwitchCount)

	// Re-read through the primary to confirm the merge persisted.
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, call.ModeHuman, got.Mode)

	_, err = s.Apply(ctx, "absent", session.Update{Mode: &mode})
	require.ErrorIs(t, err, call.ErrSessionNotFound)
}

func TestTranscriptOnPrimary(t *testing.T) {
	fc := newFakeClient()
	s := newStore(t, fc)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeAI, StartedAt: time.Now().UTC()}))
	require.NoError(t, s.AppendTranscript(ctx, "c1", call.TranscriptEntry{Speaker: call.SpeakerCustomer, Text: "hello", Timestamp: time.Now().UTC()}))
	require.NoError(t, s.AppendTranscript(ctx, "c1", call.TranscriptEntry{Speaker: call.SpeakerAI, Text: "hi", Timestamp: time.Now().UTC()}))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Transcript, 2)
	require.Equal(t, "hello", got.Transcript[0].Text)

	// Absent session: silent no-op, no degradation.
	require.NoError(t, s.AppendTranscript(ctx, "gone", call.TranscriptEntry{Speaker: call.SpeakerAI, Text: "late"}))
	require.False(t, s.Degraded())
}

func TestUnreachablePrimaryDegradesAtConnect(t *testing.T) {
	fc := newFakeClient()
	fc.pingErr = errors.New("connection refused")
	s := newStore(t, fc)
	ctx := context.Background()

	// Same shapes as the primary path, served from fallback.
	sess := &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeAI, CustomerID: "cust-1", StartedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, sess))
	require.ErrorIs(t, s.Create(ctx, sess), call.ErrSessionExists)
	require.True(t, s.Degraded())

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "cust-1", got.CustomerID)

	_, err = s.Get(ctx, "nope")
	require.ErrorIs(t, err, call.ErrSessionNotFound)

	// Three probes total (1 + 2 retries), exactly once across all ops.
	fc.mu.Lock()
	pings := fc.pings
	fc.mu.Unlock()
	require.Equal(t, 3, pings, "connect attempt runs once and is not retried per op")
	require.Zero(t, fc.setCalls, "degraded store never touches the primary")
}

func TestConnectAttemptIsCoalesced(t *testing.T) {
	fc := newFakeClient()
	fc.pingErr = errors.New("connection refused")
	s := newStore(t, fc)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Get(ctx, "c1")
		}()
	}
	wg.Wait()

	fc.mu.Lock()
	pings := fc.pings
	fc.mu.Unlock()
	require.Equal(t, 3, pings, "concurrent callers share the single connect attempt")
}

func TestMidFlightFailureDegradesPermanently(t *testing.T) {
	fc := newFakeClient()
	s := newStore(t, fc)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeAI, StartedAt: time.Now().UTC()}))
	require.False(t, s.Degraded())

	// Primary dies mid-flight: the failed op is retried against fallback and
	// succeeds with the same shapes.
	fc.fail(true)
	sess := &call.Session{CallID: "c2", Status: call.StatusActive, Mode: call.ModeAI, StartedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, sess))
	require.True(t, s.Degraded())

	got, err := s.Get(ctx, "c2")
	require.NoError(t, err)
	require.Equal(t, "c2", got.CallID)

	// Degradation is permanent: the primary recovering does not bring it back,
	// and c1 (written pre-failure) is gone with the primary.
	fc.fail(false)
	_, err = s.Get(ctx, "c1")
	require.ErrorIs(t, err, call.ErrSessionNotFound)
}

func TestEndedSessionSlotIsReusable(t *testing.T) {
	fc := newFakeClient()
	s := newStore(t, fc)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeAI, StartedAt: time.Now().UTC()}))
	status := call.StatusEnded
	endedAt := time.Now().UTC()
	_, err := s.Apply(ctx, "c1", session.Update{Status: &status, EndedAt: &endedAt})
	require.NoError(t, err)

	// A new call reusing the id replaces the ended session.
	require.NoError(t, s.Create(ctx, &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeAI, CustomerID: "cust-2", StartedAt: time.Now().UTC()}))
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "cust-2", got.CustomerID)
	require.Nil(t, got.EndedAt)
}

func TestDeleteIsIdempotent(t *testing.T) {
	fc := newFakeClient()
	s := newStore(t, fc)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeAI, StartedAt: time.Now().UTC()}))
	require.NoError(t, s.Delete(ctx, "c1"))
	require.NoError(t, s.Delete(ctx, "c1"))
	_, err := s.Get(ctx, "c1")
	require.ErrorIs(t, err, call.ErrSessionNotFound)
}
