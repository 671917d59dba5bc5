package app_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/imagecrawl/internal/app"
	"github.com/JakeFAU/imagecrawl/internal/config"
	"github.com/JakeFAU/imagecrawl/internal/progress"
	"github.com/JakeFAU/imagecrawl/internal/statestore"
	"github.com/JakeFAU/imagecrawl/internal/statestore/local"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.State.Provider = config.ProviderMemory
	cfg.Staging.BaseDir = t.TempDir()
	return cfg
}

func TestNew_MemoryProvider(t *testing.T) {
	cfg := baseConfig(t)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, zap.NewNop(), app.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.IsType(t, &statestore.MemoryStore{}, a.GetStore())
	assert.NotNil(t, a.GetManager())
	assert.NotNil(t, a.GetEngine())
	assert.NotNil(t, a.GetWorker())
	assert.NotNil(t, a.GetHub())
	assert.Nil(t, a.GetManager().Snapshot())
	assert.Equal(t, cfg.Staging.BaseDir, a.GetStager().BaseDir())
	assert.Equal(t, cfg.Extract.Marker, a.GetExtractor().Marker())

	families, err := a.GetRegistry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "imagecrawl_runs_active")
}

func TestNew_LocalProviderRestoresSession(t *testing.T) {
	cfg := baseConfig(t)
	cfg.State.Provider = config.ProviderLocal
	cfg.State.Local.BaseDir = t.TempDir()
	ctx := context.Background()

	first, err := app.New(ctx, cfg, zap.NewNop(), app.Options{})
	require.NoError(t, err)
	assert.IsType(t, &local.Store{}, first.GetStore())
	require.NoError(t, first.GetManager().Extract(ctx, []string{"AAA-1", "BBB-2"}))
	require.NoError(t, first.Close(ctx))

	second, err := app.New(ctx, cfg, zap.NewNop(), app.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })

	snap := second.GetManager().Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, []string{"AAA-1", "BBB-2"}, snap.IDs)
}

func TestNew_CorruptSnapshotStartsEmpty(t *testing.T) {
	cfg := baseConfig(t)
	cfg.State.Provider = config.ProviderLocal
	cfg.State.Local.BaseDir = t.TempDir()
	ctx := context.Background()

	first, err := app.New(ctx, cfg, zap.NewNop(), app.Options{})
	require.NoError(t, err)
	store, ok := first.GetStore().(*local.Store)
	require.True(t, ok)
	require.NoError(t, first.Close(ctx))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{truncated"), 0o600))

	second, err := app.New(ctx, cfg, zap.NewNop(), app.Options{})
	require.NoError(t, err, "an unreadable snapshot must not block startup")
	t.Cleanup(func() { _ = second.Close(context.Background()) })
	assert.Nil(t, second.GetManager().Snapshot())

	require.NoError(t, second.GetManager().Reset(ctx))
	_, err = os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, second.GetManager().Extract(ctx, []string{"AAA-1"}))
	require.NotNil(t, second.GetManager().Snapshot())
}

func TestNew_SQLiteProvider(t *testing.T) {
	cfg := baseConfig(t)
	cfg.State.Provider = config.ProviderSQLite
	cfg.State.SQLite.Path = filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	first, err := app.New(ctx, cfg, zap.NewNop(), app.Options{})
	require.NoError(t, err)
	require.NoError(t, first.GetManager().Extract(ctx, []string{"AAA-1"}))
	require.NoError(t, first.Close(ctx))

	second, err := app.New(ctx, cfg, zap.NewNop(), app.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })
	require.NotNil(t, second.GetManager().Snapshot())
	assert.Equal(t, []string{"AAA-1"}, second.GetManager().Snapshot().IDs)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.State.Provider = "dynamo"

	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{})
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "dynamo")
}

func TestNew_ProgressBar(t *testing.T) {
	cfg := baseConfig(t)
	var out bytes.Buffer

	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{ProgressOut: &out})
	require.NoError(t, err)

	a.GetHub().Emit(progress.Event{
		SessionID: [16]byte{1},
		TS:        time.Now().UTC(),
		Stage:     progress.StageRunStart,
		Counters:  progress.Counters{Total: 2, Remaining: 2},
	})
	require.NoError(t, a.Close(context.Background()))
	assert.NotEmpty(t, out.String())
}

func TestNew_PubSubPublishesRunSummary(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	dial := func() *grpc.ClientConn {
		conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	setup, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(dial()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = setup.Close() })
	_, err = setup.CreateTopic(ctx, "runs")
	require.NoError(t, err)

	cfg := baseConfig(t)
	cfg.PubSub.Enabled = true
	cfg.PubSub.ProjectID = "test-project"
	cfg.PubSub.TopicName = "runs"

	a, err := app.New(ctx, cfg, zap.NewNop(), app.Options{
		PubSubOptions: []option.ClientOption{option.WithGRPCConn(dial())},
	})
	require.NoError(t, err)

	a.GetHub().Emit(progress.Event{
		SessionID: [16]byte{7},
		TS:        time.Now().UTC(),
		Stage:     progress.StageRunDone,
		Counters:  progress.Counters{Total: 1, Succeeded: 1},
	})
	require.NoError(t, a.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, string(progress.StageRunDone), msgs[0].Attributes["stage"])
}
