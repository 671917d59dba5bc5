package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageItemDone   Stage = "ITEM_DONE"
	StageItemFailed Stage = "ITEM_FAILED"
	StageRunPaused  Stage = "RUN_PAUSED"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunPaused, StageRunDone, StageRunError:
		return true
	default:
		return false
	}
}

// Counters are the running totals after an event.
type Counters struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
	Total     int `json:"total"`
}

// Event is one observation from a download run.
type Event struct {
	// SessionID is the 16-byte form of the session UUID.
	SessionID [16]byte
	// TS is the UTC time the event was emitted.
	TS    time.Time
	Stage Stage
	// Identifier and Ordinal are set on item stages.
	Identifier string
	Ordinal    int
	FileName   string
	Bytes      int64
	Attempts   int
	Counters   Counters
	// Dur is the item fetch time, or the run wall time on terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as the final error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunPaused, StageRunDone, StageRunError:
	case StageItemDone, StageItemFailed:
		if e.Identifier == "" {
			return fmt.Errorf("%s requires identifier", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID back to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
