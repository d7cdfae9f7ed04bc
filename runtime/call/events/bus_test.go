package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/handoff-ai/switchboard/runtime/call"
)

type recordingSubscriber struct {
	id   string
	mu   sync.Mutex
	got  []Event
	fail error
}

func (r *recordingSubscriber) ID() string { return r.id }

func (r *recordingSubscriber) Deliver(_ context.Context, e Event) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingSubscriber) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.got))
	copy(out, r.got)
	return out
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := NewBus(BusOptions{})
	require.NoError(t, err)
	return bus
}

func TestPublishFansOutToRoom(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	a := &recordingSubscriber{id: "a"}
	b := &recordingSubscriber{id: "b"}
	other := &recordingSubscriber{id: "other"}
	require.NoError(t, bus.Subscribe("c1", a))
	require.NoError(t, bus.Subscribe("c1", b))
	require.NoError(t, bus.Subscribe("c2", other))

	require.NoError(t, bus.Publish(ctx, NewSuggestionNotification("c1", "offer a refund", "sentiment")))

	require.Len(t, a.events(), 1)
	require.Len(t, b.events(), 1)
	require.Empty(t, other.events(), "subscriber only receives events for joined calls")
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sub := &recordingSubscriber{id: "dash"}
	require.NoError(t, bus.Subscribe("c1", sub))

	sess := &call.Session{CallID: "c1", Status: call.StatusActive, Mode: call.ModeHuman, SwitchCount: 1}
	require.NoError(t, bus.Publish(ctx, NewSessionUpdate(sess)))
	require.NoError(t, bus.Publish(ctx, NewSwitchNotification("c1", call.DirectionAIToHuman, 1, "angry customer", time.Now().UTC())))
	require.NoError(t, bus.Publish(ctx, NewTranscriptUpdate("c1", call.TranscriptEntry{Speaker: call.SpeakerHuman, Text: "hello", Timestamp: time.Now()})))

	got := sub.events()
	require.Len(t, got, 3)
	require.Equal(t, KindSessionUpdate, got[0].Kind())
	require.Equal(t, KindSwitchNotification, got[1].Kind())
	require.Equal(t, KindTranscriptUpdate, got[2].Kind())
}

func TestDeliveryFailureDoesNotFailPublish(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	broken := &recordingSubscriber{id: "broken", fail: errors.New("conn closed")}
	healthy := &recordingSubscriber{id: "healthy"}
	require.NoError(t, bus.Subscribe("c1", broken))
	require.NoError(t, bus.Subscribe("c1", healthy))

	require.NoError(t, bus.Publish(ctx, NewSuggestionNotification("c1", "suggest upgrade", "")))
	require.Len(t, healthy.events(), 1, "healthy subscriber still receives the event")
}

func TestSubscribeIdempotentAndUnsubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sub := &recordingSubscriber{id: "dash"}

	require.NoError(t, bus.Subscribe("c1", sub))
	require.NoError(t, bus.Subscribe("c1", sub))
	require.Equal(t, 1, bus.Subscribers("c1"))

	require.NoError(t, bus.Publish(ctx, NewSuggestionNotification("c1", "hello", "")))
	require.Len(t, sub.events(), 1, "double-subscribe does not double-deliver")

	bus.Unsubscribe("c1", sub)
	require.Zero(t, bus.Subscribers("c1"))
	require.NoError(t, bus.Publish(ctx, NewSuggestionNotification("c1", "bye", "")))
	require.Len(t, sub.events(), 1)
}

func TestCloseCallReleasesRoom(t *testing.T) {
	bus := newTestBus(t)
	sub := &recordingSubscriber{id: "dash"}
	require.NoError(t, bus.Subscribe("c1", sub))
	require.Equal(t, 1, bus.Subscribers("c1"))

	bus.CloseCall("c1")
	require.Zero(t, bus.Subscribers("c1"))
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sub := &recordingSubscriber{id: "dash"}
	require.NoError(t, bus.Subscribe("c1", sub))

	// Empty suggestion violates the suggestion_notification schema.
	err := bus.Publish(ctx, NewSuggestionNotification("c1", "", ""))
	require.ErrorIs(t, err, ErrInvalidEvent)
	require.Empty(t, sub.events(), "no fan-out happens for a rejected event")

	// Hand-rolled payload that does not match the kind is rejected too.
	bogus := SuggestionNotification{Base: NewBase(KindSessionUpdate, "c1", map[string]any{"bogus": true})}
	err = bus.Publish(ctx, bogus)
	require.ErrorIs(t, err, ErrInvalidEvent)
}
