package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExampleHub_Emit forwards one event and flushes it via Close.
func ExampleHub_Emit() {
	total := 0
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, SinkFunc(func(_ context.Context, batch []Event) error {
		total += len(batch)
		return nil
	}))

	hub.Emit(Event{
		SessionID: UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001")),
		TS:        time.Unix(0, 0),
		Stage:     StageRunStart,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", total)
	// Output:
	// events forwarded: 1
}

// ExampleSinkFunc totals bytes written across item events.
func ExampleSinkFunc() {
	var written int64
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, SinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			written += evt.Bytes
		}
		return nil
	}))

	hub.Emit(Event{
		SessionID:  UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000002")),
		TS:         time.Unix(0, 0),
		Stage:      StageItemDone,
		Identifier: "ABCD-1234-EFGH-J",
		FileName:   "Bautismos_1890-1895_PR01_1.jpg",
		Bytes:      512,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("bytes written: %d\n", written)
	// Output:
	// bytes written: 512
}
