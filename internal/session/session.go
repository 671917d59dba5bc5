// Package session holds the batch download session: extracted identifiers,
// naming metadata, the progress record and the settings a run needs. The
// Manager owns the single live session and persists it through a
// statestore.Store after every mutation.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotVersion is the current persisted schema version.
const SnapshotVersion = 1

// Session is the full state of one batch.
type Session struct {
	ID         uuid.UUID
	IDs        []string
	Progress   Progress
	Started    bool
	Step       Step
	Status     Status
	Credential string
	Cookie     string
	Delay      time.Duration
	StagingDir string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// New creates an empty session in the extract step.
func New(id uuid.UUID, delay time.Duration, now time.Time) *Session {
	return &Session{
		ID:        id,
		IDs:       []string{},
		Progress:  NewProgress(),
		Step:      StepExtract,
		Status:    StatusIdle,
		Delay:     delay,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Configured reports whether metadata has been finalized.
func (s *Session) Configured() bool {
	return s.Progress.Metadata.Validate() == nil && s.Step >= StepDownload
}

// Counts summarizes the record against the extracted identifiers.
func (s *Session) Counts() Counts {
	pending := len(s.Progress.Pending(s.IDs))
	return Counts{
		Total:     len(s.IDs),
		Unique:    len(s.Progress.Positions),
		Completed: len(s.Progress.Completed),
		Failed:    len(s.Progress.Failed),
		Pending:   pending,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	cp := *s
	cp.IDs = append([]string{}, s.IDs...)
	cp.Progress = s.Progress.Clone()
	return &cp
}

// Counts is a compact progress summary.
type Counts struct {
	Total     int `json:"total"`
	Unique    int `json:"unique"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

type snapshot struct {
	Version    int       `json:"version"`
	ID         uuid.UUID `json:"id"`
	IDs        []string  `json:"extracted_ids"`
	Progress   Progress  `json:"progress"`
	Started    bool      `json:"started"`
	Step       Step      `json:"current_step"`
	Status     Status    `json:"status"`
	Credential string    `json:"authorization"`
	Cookie     string    `json:"cookie,omitempty"`
	DelayMS    int64     `json:"delay_ms"`
	StagingDir string    `json:"staging_dir"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Encode serializes s into the persisted snapshot format.
func Encode(s *Session) ([]byte, error) {
	snap := snapshot{
		Version:    SnapshotVersion,
		ID:         s.ID,
		IDs:        s.IDs,
		Progress:   s.Progress,
		Started:    s.Started,
		Step:       s.Step,
		Status:     s.Status,
		Credential: s.Credential,
		Cookie:     s.Cookie,
		DelayMS:    s.Delay.Milliseconds(),
		StagingDir: s.StagingDir,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode session snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a persisted snapshot and repairs missing collections.
func Decode(data []byte) (*Session, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	s := &Session{
		ID:         snap.ID,
		IDs:        snap.IDs,
		Progress:   snap.Progress,
		Started:    snap.Started,
		Step:       snap.Step,
		Status:     snap.Status,
		Credential: snap.Credential,
		Cookie:     snap.Cookie,
		Delay:      time.Duration(snap.DelayMS) * time.Millisecond,
		StagingDir: snap.StagingDir,
		CreatedAt:  snap.CreatedAt,
		UpdatedAt:  snap.UpdatedAt,
	}
	if s.IDs == nil {
		s.IDs = []string{}
	}
	if s.Progress.Completed == nil {
		s.Progress.Completed = []CompletedItem{}
	}
	if s.Progress.Failed == nil {
		s.Progress.Failed = []string{}
	}
	if s.Progress.Retrieved == nil {
		s.Progress.Retrieved = map[string]RetrievedItem{}
	}
	if len(s.Progress.Positions) == 0 && len(s.IDs) > 0 {
		s.Progress.Positions = BuildPositionIndex(s.IDs)
	}
	if s.Progress.Positions == nil {
		s.Progress.Positions = PositionIndex{}
	}
	if s.Step == 0 {
		s.Step = StepExtract
	}
	if s.Status == "" {
		s.Status = StatusIdle
	}
	if err := s.Progress.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot violates progress invariants: %w", err)
	}
	return s, nil
}
