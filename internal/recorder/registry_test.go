// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/queue"
	"github.com/ManuGH/streamrec/internal/spool"
	"github.com/ManuGH/streamrec/internal/storage"
	"github.com/ManuGH/streamrec/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stream(name string, autostart bool) config.StreamConfig {
	return config.StreamConfig{Name: name, URL: "rtsp://cam.local/" + name, Autostart: autostart}
}

func newRegistry(t *testing.T, h *harness) *Registry {
	t.Helper()
	r := NewRegistry(context.Background(), h.deps, testOpts())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func TestRegistry_ApplyRejectsDuplicatesWithoutChanges(t *testing.T) {
	h := newHarness()
	r := newRegistry(t, h)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.StreamConfig{stream("a", false)}))
	err := r.Apply(ctx, []config.StreamConfig{stream("b", false), stream("b", false)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stream name")

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Name)
}

func TestRegistry_ApplyAddsRemovesAndAutostarts(t *testing.T) {
	h := newHarness()
	r := newRegistry(t, h)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.StreamConfig{stream("auto", true), stream("manual", false)}))
	nextSession(t, h.src)

	require.Eventually(t, func() bool {
		st, err := r.Status("auto")
		return err == nil && st.State == StateRunning
	}, waitFor, 5*time.Millisecond)
	st, err := r.Status("manual")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)

	names := []string{}
	for _, s := range r.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"auto", "manual"}, names)

	require.NoError(t, r.Apply(ctx, []config.StreamConfig{stream("manual", false)}))
	_, err = r.Status("auto")
	assert.ErrorIs(t, err, ErrUnknownStream)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_SourceChangeRestartsActiveStream(t *testing.T) {
	h := newHarness()
	r := newRegistry(t, h)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.StreamConfig{stream("cam", false)}))
	require.NoError(t, r.Start(ctx, "cam"))
	first := nextSession(t, h.src)

	moved := stream("cam", false)
	moved.URL = "rtsp://cam.local/moved"
	require.NoError(t, r.Apply(ctx, []config.StreamConfig{moved}))
	assert.True(t, first.Closed())

	nextSession(t, h.src)
	require.Eventually(t, func() bool {
		st, _ := r.Status("cam")
		return st.State == StateRunning
	}, waitFor, 5*time.Millisecond)
	urls := h.src.URLs()
	assert.Equal(t, "rtsp://cam.local/moved", urls[len(urls)-1])
	assert.Len(t, r.List(), 1, "never two controllers for one name")
}

func TestRegistry_UnknownStreams(t *testing.T) {
	h := newHarness()
	r := newRegistry(t, h)
	ctx := context.Background()

	assert.ErrorIs(t, r.Start(ctx, "ghost"), ErrUnknownStream)
	assert.ErrorIs(t, r.Stop(ctx, "ghost"), ErrUnknownStream)
	r.ReportUpload(ctx, upload.Result{Stream: "ghost", Err: errors.New("ignored")})
}

func TestRegistry_ApplyAfterCloseFails(t *testing.T) {
	h := newHarness()
	r := newRegistry(t, h)
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.StreamConfig{stream("a", false)}))
	require.NoError(t, r.Close(ctx))
	assert.ErrorIs(t, r.Apply(ctx, []config.StreamConfig{stream("b", false)}), ErrRegistryClosed)
}

func TestRegistry_ApplyGivesUpOnSlowStop(t *testing.T) {
	h := newHarness()
	opts := testOpts()
	opts.StopGrace = 2 * time.Second
	opts.ApplyTimeout = 100 * time.Millisecond
	r := NewRegistry(context.Background(), h.deps, opts)
	t.Cleanup(func() {
		h.sink.setBlock(false)
		ctx, cancel := context.WithTimeout(context.Background(), 2*waitFor)
		defer cancel()
		_ = r.Close(ctx)
	})
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.StreamConfig{stream("slow", true)}))
	sess := nextSession(t, h.src)
	c, err := r.get("slow")
	require.NoError(t, err)
	waitState(t, c, StateRunning)

	// The final segment cannot be handed off, so the stop runs for StopGrace.
	h.sink.setBlock(true)
	sess.Push([]byte("stuck"), t0)

	started := time.Now()
	err = r.Apply(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

// pipeline wires a registry to a real queue, uploader and in-memory bucket.
type pipeline struct {
	*harness
	store    *storage.MemoryStore
	queue    *queue.Queue
	registry *Registry
}

func newPipeline(t *testing.T, retry upload.RetryPolicy) *pipeline {
	t.Helper()
	h := newHarness()
	sp, err := spool.Open(t.TempDir(), 0, 0)
	require.NoError(t, err)

	p := &pipeline{harness: h, store: storage.NewMemoryStore()}
	p.queue = queue.New(queue.Options{CapacityPerStream: 4, EnqueueTimeout: time.Second}, sp, h.ledger)
	h.deps.Queue = p.queue
	p.registry = NewRegistry(context.Background(), h.deps, testOpts())

	up := upload.New(p.store, sp, h.ledger, upload.Options{
		MultipartThreshold: 1 << 20,
		PartSize:           1 << 20,
		AttemptTimeout:     time.Second,
		Retry:              retry,
	})
	ctx, cancel := context.WithCancel(context.Background())
	pool := upload.NewPool(p.queue, up, 2, p.registry)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), waitFor)
		defer scancel()
		_ = p.registry.Close(sctx)
		cancel()
		<-done
		p.queue.Close()
	})
	return p
}

func TestPipeline_FirstSegmentUploaded(t *testing.T) {
	p := newPipeline(t, upload.RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3})
	ctx := context.Background()

	require.NoError(t, p.registry.Apply(ctx, []config.StreamConfig{stream("cam1", true)}))
	sess := nextSession(t, p.src)
	sess.Push([]byte("gop-1"), t0)
	sess.Push([]byte("gop-2"), t0.Add(time.Second))

	require.Eventually(t, func() bool {
		st, _ := p.registry.Status("cam1")
		return st.LastUploadedSequence != nil && *st.LastUploadedSequence == 0
	}, waitFor, 5*time.Millisecond)

	obj, ok := p.store.Get("cam1/2025-06-01/20250601T120000Z_0.ts")
	require.True(t, ok)
	assert.Equal(t, "gop-1gop-2", string(obj.Data))

	st, err := p.registry.Status("cam1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Empty(t, st.LastError)
}

func TestPipeline_UnreachableStorageDeadLettersButKeepsRecording(t *testing.T) {
	p := newPipeline(t, upload.RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2})
	p.store.SetFault(func(op, key string) error { return storage.Transient(op, key, errors.New("dial tcp: i/o timeout")) })
	ctx := context.Background()

	require.NoError(t, p.registry.Apply(ctx, []config.StreamConfig{stream("cam1", true)}))
	sess := nextSession(t, p.src)
	sess.Push([]byte("a"), t0)
	sess.Push([]byte("b"), t0.Add(time.Second))

	require.Eventually(t, func() bool {
		dls, err := p.ledger.ListDeadLetters(ctx, "cam1")
		return err == nil && len(dls) == 1
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st, _ := p.registry.Status("cam1")
		return st.LastError != ""
	}, waitFor, 5*time.Millisecond)
	st, err := p.registry.Status("cam1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State, "ingestion continues")
	assert.False(t, st.Fatal)
	assert.Contains(t, st.LastError, "i/o timeout")

	dls, err := p.ledger.ListDeadLetters(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindExhausted, dls[0].Kind)
}

func TestPipeline_PermanentStorageErrorStopsStream(t *testing.T) {
	p := newPipeline(t, upload.RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond, MaxAttempts: 5})
	p.store.SetFault(func(op, key string) error {
		return storage.Permanent(op, key, "NoSuchBucket", errors.New("bucket does not exist"))
	})
	ctx := context.Background()

	require.NoError(t, p.registry.Apply(ctx, []config.StreamConfig{stream("cam1", true)}))
	sess := nextSession(t, p.src)
	sess.Push([]byte("a"), t0)
	sess.Push([]byte("b"), t0.Add(time.Second))

	require.Eventually(t, func() bool {
		st, _ := p.registry.Status("cam1")
		return st.State == StateError && st.Fatal
	}, waitFor, 5*time.Millisecond)

	dls, err := p.ledger.ListDeadLetters(ctx, "cam1")
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, ledger.KindPermanent, dls[0].Kind)
	assert.Equal(t, 1, dls[0].Attempts, "no retry budget consumed")
}
