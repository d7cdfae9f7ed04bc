package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/switchlog"
)

func TestAppendListCount(t *testing.T) {
	log := New()
	ctx := context.Background()

	e1 := switchlog.Entry{CallID: "c1", Direction: call.DirectionAIToHuman, Timestamp: time.Now().UTC()}
	require.NoError(t, log.Append(ctx, &e1))
	require.NotEmpty(t, e1.ID, "append assigns an id")

	e2 := switchlog.Entry{CallID: "c1", Direction: call.DirectionHumanToAI, Reason: "resolved", Timestamp: time.Now().UTC()}
	require.NoError(t, log.Append(ctx, &e2))
	require.NotEqual(t, e1.ID, e2.ID)

	entries, err := log.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, call.DirectionAIToHuman, entries[0].Direction, "append order preserved")

	n, err := log.Count(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = log.Count(ctx, "other")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAppendValidation(t *testing.T) {
	log := New()
	ctx := context.Background()
	require.Error(t, log.Append(ctx, nil))
	require.Error(t, log.Append(ctx, &switchlog.Entry{Direction: call.DirectionAIToHuman, Timestamp: time.Now()}))
	require.Error(t, log.Append(ctx, &switchlog.Entry{CallID: "c1", Direction: call.DirectionAIToHuman}))
}

func TestStatsOf(t *testing.T) {
	now := time.Now().UTC()
	entries := []switchlog.Entry{
		{CallID: "c1", Direction: call.DirectionAIToHuman, Timestamp: now},
		{CallID: "c1", Direction: call.DirectionHumanToAI, Timestamp: now.Add(time.Minute)},
		{CallID: "c1", Direction: call.DirectionAIToHuman, Timestamp: now.Add(2 * time.Minute)},
	}
	stats := switchlog.StatsOf(entries, 2)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.AIToHuman)
	require.Equal(t, 1, stats.HumanToAI)
	require.Len(t, stats.Recent, 2)
	require.Equal(t, call.DirectionAIToHuman, stats.Recent[0].Direction, "newest first")
	require.Equal(t, call.DirectionHumanToAI, stats.Recent[1].Direction)
}
