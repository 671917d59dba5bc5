package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagecrawl/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	sessionID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{SessionID: sessionID, TS: now, Stage: progress.StageRunStart, Counters: progress.Counters{Remaining: 3, Total: 3}},
		{
			SessionID:  sessionID,
			TS:         now.Add(time.Second),
			Stage:      progress.StageItemDone,
			Identifier: "AAA-1",
			Ordinal:    1,
			FileName:   "Bautismos_1890_PR01_1.jpg",
			Bytes:      2048,
			Attempts:   2,
			Dur:        800 * time.Millisecond,
			Counters:   progress.Counters{Succeeded: 1, Remaining: 2, Total: 3},
		},
		{
			SessionID:  sessionID,
			TS:         now.Add(2 * time.Second),
			Stage:      progress.StageItemFailed,
			Identifier: "BBB-2",
			Ordinal:    2,
			Attempts:   3,
			Counters:   progress.Counters{Succeeded: 1, Failed: 1, Remaining: 1, Total: 3},
		},
		{
			SessionID: sessionID,
			TS:        now.Add(3 * time.Second),
			Stage:     progress.StageRunPaused,
			Dur:       3 * time.Second,
			Counters:  progress.Counters{Succeeded: 1, Failed: 1, Remaining: 1, Total: 3},
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("paused")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("failure")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.itemBytes), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.itemAttempts, "imagecrawl_item_attempts"))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.succeeded))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.failed))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.remaining))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
