package sinks

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagecrawl/internal/progress"
)

func TestBarSinkTracksCounters(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	sink := NewBarSink(&out)
	ctx := context.Background()
	sessionID := progress.UUIDToBytes(uuid.New())

	require.Equal(t, int64(-1), sink.Current())

	// Item events before a run start are ignored.
	require.NoError(t, sink.Consume(ctx, []progress.Event{{
		SessionID: sessionID, TS: time.Now(), Stage: progress.StageItemDone, Identifier: "X",
	}}))
	require.Equal(t, int64(-1), sink.Current())

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{SessionID: sessionID, TS: time.Now(), Stage: progress.StageRunStart,
			Counters: progress.Counters{Succeeded: 5, Failed: 2, Remaining: 3, Total: 10}},
		{SessionID: sessionID, TS: time.Now(), Stage: progress.StageItemDone, Identifier: "AAA-1",
			Counters: progress.Counters{Succeeded: 6, Failed: 2, Remaining: 2, Total: 10}},
	}))
	require.Equal(t, int64(8), sink.Current())

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{SessionID: sessionID, TS: time.Now(), Stage: progress.StageRunDone,
			Counters: progress.Counters{Succeeded: 8, Failed: 2, Total: 10}},
	}))
	require.Equal(t, int64(-1), sink.Current())
	require.NotEmpty(t, out.String())
	require.NoError(t, sink.Close(ctx))
}
