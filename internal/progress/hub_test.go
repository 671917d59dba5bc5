package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBatching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		emit      []Stage
		wantSizes []int
	}{
		{
			name:      "flushes when the batch fills",
			cfg:       Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute},
			emit:      []Stage{StageItemDone, StageItemFailed, StageItemDone},
			wantSizes: []int{2},
		},
		{
			name:      "flushes a partial batch on the timer",
			cfg:       Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond},
			emit:      []Stage{StageRunStart},
			wantSizes: []int{1},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sink := newStubSink()
			hub := NewHub(tc.cfg, sink)
			defer func() {
				require.NoError(t, hub.Close(context.Background()))
			}()

			for _, stage := range tc.emit {
				hub.Emit(sampleEvent(stage))
			}
			require.Eventually(t, func() bool {
				b := sink.Batches()
				if len(b) != len(tc.wantSizes) {
					return false
				}
				for i, n := range tc.wantSizes {
					if len(b[i]) != n {
						return false
					}
				}
				return true
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestHubSinkErrorDoesNotStarveOtherSinks(t *testing.T) {
	t.Parallel()

	var failing atomic.Int32
	bad := SinkFunc(func(context.Context, []Event) error {
		failing.Add(1)
		return errors.New("sink unavailable")
	})
	good := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, bad, good)

	hub.Emit(sampleEvent(StageItemDone))
	hub.Emit(sampleEvent(StageItemFailed))
	require.NoError(t, hub.Close(context.Background()))

	require.EqualValues(t, 2, failing.Load())
	require.Len(t, good.Batches(), 2)
}

func TestHubTerminalStageFlushesImmediately(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Hour,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageItemDone))
	hub.Emit(sampleEvent(StageRunDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2 && b[0][1].Stage == StageRunDone
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{Logger: zap.NewNop()},
		events: make(chan Event),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Dropped())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageItemDone})
	evt := sampleEvent(StageItemFailed)
	evt.Identifier = ""
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageItemDone))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	// Emit after Close is a no-op and Close is repeatable.
	hub.Emit(sampleEvent(StageItemDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		SessionID: UUIDToBytes(uuid.New()),
		TS:        time.Now(),
		Stage:     stage,
	}
	if stage == StageItemDone || stage == StageItemFailed {
		evt.Identifier = "3Q9M-CSQ1-7J8S"
		evt.Ordinal = 1
	}
	return evt
}
