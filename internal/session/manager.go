package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/statestore"
)

// DefaultDelay is the pause between items when none is configured.
const DefaultDelay = 200 * time.Millisecond

// Stager provisions the scratch directory a session writes images into.
type Stager interface {
	Create(ctx context.Context) (string, error)
	Ensure(ctx context.Context, dir string) error
	Release(dir string) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints session identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Options configures a Manager.
type Options struct {
	Stager       Stager
	Clock        Clock
	IDs          IDGenerator
	Logger       *zap.Logger
	DefaultDelay time.Duration
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type randomIDs struct{}

func (randomIDs) NewRawID() (uuid.UUID, error) { return uuid.NewRandom() }

// Manager owns the live session. All methods are safe for concurrent use;
// while a run is active only the Record* methods may mutate the progress record.
type Manager struct {
	mu      sync.RWMutex
	store   statestore.Store
	opts    Options
	logger  *zap.Logger
	sess    *Session
	running bool
}

// NewManager wires a Manager to its snapshot store.
func NewManager(store statestore.Store, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = randomIDs{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultDelay < 0 {
		opts.DefaultDelay = 0
	}
	return &Manager{
		store:  store,
		opts:   opts,
		logger: opts.Logger.Named("session"),
	}
}

// Load restores the persisted session, if any. A session saved mid-run is
// restored as paused.
func (m *Manager) Load(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false, ErrRunActive
	}

	data, err := m.store.Load(ctx)
	if errors.Is(err, statestore.ErrNotFound) {
		m.sess = nil
		return false, nil
	}
	if err != nil {
		return false, &PersistenceError{Op: "load", Err: err}
	}
	sess, err := Decode(data)
	if err != nil {
		return false, &PersistenceError{Op: "decode", Err: err}
	}
	if sess.Status == StatusRunning {
		sess.Status = StatusPaused
	}
	if sess.StagingDir != "" && m.opts.Stager != nil {
		if err := m.opts.Stager.Ensure(ctx, sess.StagingDir); err != nil {
			m.logger.Warn("Restored staging directory unusable; allocating a new one",
				zap.String("dir", sess.StagingDir), zap.Error(err))
			sess.StagingDir = ""
		}
	}
	m.sess = sess
	m.logger.Info("Session restored",
		zap.String("session_id", sess.ID.String()),
		zap.Int("identifiers", len(sess.IDs)),
		zap.Int("completed", len(sess.Progress.Completed)),
		zap.Int("failed", len(sess.Progress.Failed)))
	return true, nil
}

// Snapshot returns a deep copy of the live session, or nil when none exists.
func (m *Manager) Snapshot() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.Clone()
}

// Running reports whether a download run owns the session.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Extract stores a freshly extracted identifier sequence and its position index.
func (m *Manager) Extract(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunActive
	}
	if len(ids) == 0 {
		return ErrNoSession
	}
	if m.sess != nil && (len(m.sess.Progress.Completed) > 0 || len(m.sess.Progress.Failed) > 0) {
		return ErrProgressRecorded
	}
	if m.sess == nil {
		id, err := m.opts.IDs.NewRawID()
		if err != nil {
			return fmt.Errorf("generate session id: %w", err)
		}
		m.sess = New(id, m.opts.DefaultDelay, m.opts.Clock.Now())
	}
	m.sess.IDs = append([]string{}, ids...)
	m.sess.Progress.Positions = BuildPositionIndex(ids)
	m.sess.Progress.Metadata.Total = 0
	m.sess.Step = StepConfigure
	m.sess.Status = StatusIdle
	if err := m.ensureStagingLocked(ctx); err != nil {
		return err
	}
	return m.persistLocked(ctx)
}

// Configure finalizes naming metadata and caches the identifier total.
func (m *Manager) Configure(ctx context.Context, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunActive
	}
	if m.sess == nil || len(m.sess.IDs) == 0 {
		return ErrNoSession
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	meta.Total = len(m.sess.IDs)
	m.sess.Progress.Metadata = meta
	m.sess.Step = StepDownload
	m.sess.Started = true
	return m.persistLocked(ctx)
}

// Settings carries optional updates; nil fields are left unchanged.
type Settings struct {
	Credential *string
	Cookie     *string
	Delay      *time.Duration
}

// UpdateSettings changes the credential, cookie or inter-item delay.
func (m *Manager) UpdateSettings(ctx context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunActive
	}
	if m.sess == nil {
		return ErrNoSession
	}
	if s.Delay != nil && *s.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %s", *s.Delay)
	}
	if s.Credential != nil {
		m.sess.Credential = *s.Credential
	}
	if s.Cookie != nil {
		m.sess.Cookie = *s.Cookie
	}
	if s.Delay != nil {
		m.sess.Delay = *s.Delay
	}
	return m.persistLocked(ctx)
}

// RetryFailed clears the failed set so the next run picks those identifiers up
// again. It never fetches. The cleared identifiers are returned.
func (m *Manager) RetryFailed(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil, ErrRunActive
	}
	if m.sess == nil {
		return nil, ErrNoSession
	}
	cleared := m.sess.Progress.Failed
	m.sess.Progress.Failed = []string{}
	if len(cleared) > 0 && m.sess.Status == StatusCompleted {
		m.sess.Status = StatusIdle
	}
	return cleared, m.persistLocked(ctx)
}

// Reset discards the session, its persisted snapshot and its staging directory.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunActive
	}
	if m.sess != nil && m.sess.StagingDir != "" && m.opts.Stager != nil {
		if err := m.opts.Stager.Release(m.sess.StagingDir); err != nil {
			m.logger.Warn("Failed to release staging directory", zap.String("dir", m.sess.StagingDir), zap.Error(err))
		}
	}
	m.sess = nil
	if err := m.store.Delete(ctx); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	m.logger.Info("Session reset")
	return nil
}

// Persist saves the live session.
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked(ctx)
}

// Plan is the immutable input of one download run.
type Plan struct {
	SessionID  uuid.UUID
	Pending    []string
	Positions  PositionIndex
	Metadata   Metadata
	Credential string
	Cookie     string
	Delay      time.Duration
	StagingDir string
	Counts     Counts
}

// BeginRun marks the session as running and returns the work to do.
func (m *Manager) BeginRun(ctx context.Context) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return Plan{}, ErrRunActive
	}
	if m.sess == nil || len(m.sess.IDs) == 0 {
		return Plan{}, ErrNoSession
	}
	if !m.sess.Configured() {
		return Plan{}, ErrNotConfigured
	}
	if err := m.ensureStagingLocked(ctx); err != nil {
		return Plan{}, err
	}
	m.running = true
	m.sess.Status = StatusRunning
	m.sess.Started = true
	return Plan{
		SessionID:  m.sess.ID,
		Pending:    m.sess.Progress.Pending(m.sess.IDs),
		Positions:  m.sess.Progress.Positions.clone(),
		Metadata:   m.sess.Progress.Metadata,
		Credential: m.sess.Credential,
		Cookie:     m.sess.Cookie,
		Delay:      m.sess.Delay,
		StagingDir: m.sess.StagingDir,
		Counts:     m.sess.Counts(),
	}, nil
}

// RecordSuccess atomically moves id into completed and stores its payload.
func (m *Manager) RecordSuccess(id, path, fileName string, data []byte) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Counts{}, ErrNoSession
	}
	m.sess.Progress.recordSuccess(id, path, fileName, data)
	return m.sess.Counts(), nil
}

// RecordFailure adds id to the failed set unless it already completed.
func (m *Manager) RecordFailure(id string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Counts{}, ErrNoSession
	}
	m.sess.Progress.recordFailure(id)
	return m.sess.Counts(), nil
}

// EndRun releases run ownership and records the final status.
func (m *Manager) EndRun(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.sess != nil {
		m.sess.Status = status
	}
}

func (m *Manager) ensureStagingLocked(ctx context.Context) error {
	if m.sess.StagingDir != "" || m.opts.Stager == nil {
		return nil
	}
	dir, err := m.opts.Stager.Create(ctx)
	if err != nil {
		return fmt.Errorf("allocate staging directory: %w", err)
	}
	m.sess.StagingDir = dir
	return nil
}

func (m *Manager) persistLocked(ctx context.Context) error {
	if m.sess == nil {
		return nil
	}
	m.sess.UpdatedAt = m.opts.Clock.Now()
	data, err := Encode(m.sess)
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}
	if err := m.store.Save(ctx, data); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}
