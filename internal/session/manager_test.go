package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagecrawl/internal/staging"
	"github.com/JakeFAU/imagecrawl/internal/statestore"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type flakyStore struct {
	*statestore.MemoryStore
	failSave bool
}

func (s *flakyStore) Save(ctx context.Context, data []byte) error {
	if s.failSave {
		return errors.New("bucket unavailable")
	}
	return s.MemoryStore.Save(ctx, data)
}

func newTestManager(t *testing.T, store statestore.Store) *Manager {
	t.Helper()
	stager, err := staging.New(staging.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return NewManager(store, Options{
		Stager:       stager,
		Clock:        fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		DefaultDelay: DefaultDelay,
	})
}

func configuredManager(t *testing.T, store statestore.Store, ids []string) *Manager {
	t.Helper()
	m := newTestManager(t, store)
	ctx := context.Background()
	require.NoError(t, m.Extract(ctx, ids))
	require.NoError(t, m.Configure(ctx, Metadata{Collection: "Ponce", Period: "1890", Code: "A"}))
	return m
}

func TestManagerExtractConfigureFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := statestore.NewMemoryStore()
	m := newTestManager(t, store)
	require.Nil(t, m.Snapshot())

	_, err := m.BeginRun(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, m.Extract(ctx, []string{"A", "B", "A"}))
	snap := m.Snapshot()
	require.Equal(t, StepConfigure, snap.Step)
	require.Equal(t, PositionIndex{"A": 1, "B": 2}, snap.Progress.Positions)
	require.Equal(t, DefaultDelay, snap.Delay)
	require.DirExists(t, snap.StagingDir)

	_, err = m.BeginRun(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)

	require.ErrorIs(t, m.Configure(ctx, Metadata{Collection: "Ponce"}), ErrMetadataIncomplete)
	require.ErrorIs(t, m.Configure(ctx, Metadata{Collection: "Ada/County", Period: "1900", Code: "B"}), ErrInvalidLabel)
	require.Equal(t, StepConfigure, m.Snapshot().Step)
	require.NoError(t, m.Configure(ctx, Metadata{Collection: "Ponce", Period: "1890", Code: "A", Total: 99}))
	snap = m.Snapshot()
	require.Equal(t, 3, snap.Progress.Metadata.Total)
	require.Equal(t, StepDownload, snap.Step)
	require.True(t, snap.Started)
	require.Equal(t, 2, store.Saves())
}

func TestManagerLoadRestoresPausedSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := statestore.NewMemoryStore()
	m := configuredManager(t, store, []string{"A", "B"})
	_, err := m.BeginRun(ctx)
	require.NoError(t, err)
	_, err = m.RecordSuccess("A", "/x/a.jpg", "a.jpg", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, m.Persist(ctx))

	restored := newTestManager(t, store)
	found, err := restored.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	snap := restored.Snapshot()
	require.Equal(t, StatusPaused, snap.Status)
	require.Equal(t, []CompletedItem{{ID: "A", Path: "/x/a.jpg"}}, snap.Progress.Completed)
	require.Empty(t, snap.StagingDir, "staging dir outside this stager's base is dropped")

	plan, err := restored.BeginRun(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, plan.Pending)
	require.NotEmpty(t, plan.StagingDir)
}

func TestManagerLoadMissingSnapshot(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, statestore.NewMemoryStore())
	found, err := m.Load(context.Background())
	require.NoError(t, err)
	require.False(t, found)
}

func TestManagerRetryFailedClearsOnlyFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := configuredManager(t, statestore.NewMemoryStore(), []string{"A", "B", "C"})
	_, err := m.BeginRun(ctx)
	require.NoError(t, err)
	_, err = m.RecordSuccess("C", "/x/c.jpg", "c.jpg", []byte("c"))
	require.NoError(t, err)
	_, err = m.RecordFailure("A")
	require.NoError(t, err)
	_, err = m.RecordFailure("B")
	require.NoError(t, err)

	_, err = m.RetryFailed(ctx)
	require.ErrorIs(t, err, ErrRunActive)
	require.ErrorIs(t, m.Reset(ctx), ErrRunActive)
	m.EndRun(StatusCompleted)

	cleared, err := m.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, cleared)

	snap := m.Snapshot()
	require.Empty(t, snap.Progress.Failed)
	require.Equal(t, []CompletedItem{{ID: "C", Path: "/x/c.jpg"}}, snap.Progress.Completed)
	require.Equal(t, StatusIdle, snap.Status)

	plan, err := m.BeginRun(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, plan.Pending)
}

func TestManagerExtractRejectedAfterProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := configuredManager(t, statestore.NewMemoryStore(), []string{"A"})
	_, err := m.BeginRun(ctx)
	require.NoError(t, err)
	_, err = m.RecordFailure("A")
	require.NoError(t, err)
	m.EndRun(StatusCompleted)

	require.ErrorIs(t, m.Extract(ctx, []string{"Z"}), ErrProgressRecorded)
}

func TestManagerResetReleasesStaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := statestore.NewMemoryStore()
	m := configuredManager(t, store, []string{"A"})
	dir := m.Snapshot().StagingDir
	require.NoError(t, os.WriteFile(dir+"/a.jpg", []byte("a"), 0o600))

	require.NoError(t, m.Reset(ctx))
	require.Nil(t, m.Snapshot())
	require.NoDirExists(t, dir)
	_, err := store.Load(ctx)
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestManagerUpdateSettings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := configuredManager(t, statestore.NewMemoryStore(), []string{"A"})
	cred := "Bearer token"
	delay := 2 * time.Second
	require.NoError(t, m.UpdateSettings(ctx, Settings{Credential: &cred, Delay: &delay}))

	negative := -time.Second
	require.Error(t, m.UpdateSettings(ctx, Settings{Delay: &negative}))

	snap := m.Snapshot()
	require.Equal(t, "Bearer token", snap.Credential)
	require.Empty(t, snap.Cookie)
	require.Equal(t, 2*time.Second, snap.Delay)
}

func TestManagerPersistenceErrorKeepsMemoryState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &flakyStore{MemoryStore: statestore.NewMemoryStore()}
	m := configuredManager(t, store, []string{"A", "B"})
	store.failSave = true

	_, err := m.RetryFailed(ctx)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "save", perr.Op)
	require.ErrorContains(t, err, "bucket unavailable")
	require.NotNil(t, m.Snapshot())
}
