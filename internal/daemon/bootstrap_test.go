// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/spool"
	"github.com/ManuGH/streamrec/internal/storage"
	"github.com/ManuGH/streamrec/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	cfg := config.AppConfig{DataDir: t.TempDir(), LogService: "streamrec-test", Version: "test"}
	cfg.API.ShutdownTimeout = 5 * time.Second
	cfg.Storage.Backend = "memory"
	cfg.Ledger.Backend = "memory"
	cfg.Lease.Backend = "memory"
	cfg.Lease.TTL = 10 * time.Second
	cfg.Recording.SegmentDuration = time.Hour
	cfg.Recording.Container = "mpegts"
	cfg.Recording.StopGrace = time.Second
	cfg.Recording.RestartBackoff = config.BackoffConfig{BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	cfg.Queue.CapacityPerStream = 4
	cfg.Queue.EnqueueTimeout = time.Second
	cfg.Upload.Workers = 2
	cfg.Upload.Retry = config.BackoffConfig{BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 20 * time.Millisecond, MaxAttempts: 2}
	cfg.Streams = []config.StreamConfig{{Name: "cam1", URL: "rtsp://cam1.local/live", Autostart: true}}
	return cfg
}

func runApp(t *testing.T, app *App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	return cancel, done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestRuntime_ShutdownUploadsFinalSegment(t *testing.T) {
	cfg := testConfig(t)
	src := testutil.NewFakeSource()
	store := storage.NewMemoryStore()

	rt, err := Build(context.Background(), cfg, BuildOptions{Source: src, Store: store, Owner: "test"})
	require.NoError(t, err)

	cancel, done := runApp(t, NewApp(rt, nil))
	sess, ok := src.Next(2 * time.Second)
	require.True(t, ok, "autostart stream was not opened")
	sess.Push([]byte("gop-1"), t0)
	sess.Push([]byte("gop-2"), t0.Add(time.Second))

	require.Eventually(t, func() bool {
		st, err := rt.Registry.Status("cam1")
		return err == nil && st.State == "running"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wait(t, done)

	obj, ok := store.Get("cam1/2025-06-01/20250601T120000Z_0.ts")
	require.True(t, ok, "final segment not uploaded, keys: %v", store.Keys())
	assert.Equal(t, "gop-1gop-2", string(obj.Data))
	assert.Equal(t, "video/mp2t", obj.ContentType)
	assert.True(t, sess.Closed())
}

func TestRuntime_RecoversSpooledSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Streams[0].Autostart = false

	sp, err := spool.Open(SpoolDir(cfg.DataDir), 0, 0)
	require.NoError(t, err)
	_, err = sp.Put("cam1", 7, t0, t0.Add(time.Minute), "ts", []byte("left-behind"))
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	rt, err := Build(context.Background(), cfg, BuildOptions{Source: testutil.NewFakeSource(), Store: store})
	require.NoError(t, err)

	next, err := rt.Ledger.NextSequence(context.Background(), "cam1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next, "sequence resumes past recovered segments")

	cancel, done := runApp(t, NewApp(rt, nil))
	require.Eventually(t, func() bool {
		_, ok := store.Get("cam1/2025-06-01/20250601T120000Z_7.ts")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	wait(t, done)

	entries, err := rt.Spool.Scan()
	require.NoError(t, err)
	assert.Empty(t, entries, "uploaded segments leave the spool")
}

func TestBuild_InvalidStorageAuthFails(t *testing.T) {
	cfg := testConfig(t)
	store := storage.NewMemoryStore()
	store.SetFault(func(op, key string) error {
		if op == "head_bucket" {
			return storage.Permanent(op, key, "AccessDenied", errors.New("access denied"))
		}
		return nil
	})

	rt, err := Build(context.Background(), cfg, BuildOptions{Store: store})
	require.ErrorIs(t, err, storage.ErrInvalidAuth)
	assert.Nil(t, rt)
}

func TestBuild_UnreachableStorageStillStarts(t *testing.T) {
	cfg := testConfig(t)
	store := storage.NewMemoryStore()
	store.SetFault(func(op, key string) error {
		if op == "head_bucket" {
			return storage.Transient(op, key, errors.New("dial tcp: connection refused"))
		}
		return nil
	})

	rt, err := Build(context.Background(), cfg, BuildOptions{Store: store, Source: testutil.NewFakeSource()})
	require.NoError(t, err)
	ready := rt.Health.Ready(context.Background())
	assert.False(t, ready.Ready)
	assert.Equal(t, "unhealthy", string(ready.Checks["storage"].Status))
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(context.Background(), config.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, s)

	_, err = OpenStore(context.Background(), config.StorageConfig{Backend: "gcs"})
	assert.ErrorIs(t, err, ErrUnknownStorageBackend)
}

func TestUploadOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Prefix = "site-a"
	cfg.Upload.PartSize = 8 << 20

	opts := UploadOptions(cfg)
	assert.Equal(t, "site-a", opts.Prefix)
	assert.Equal(t, int64(8<<20), opts.PartSize)
	assert.Equal(t, 2, opts.Retry.MaxAttempts)
}
