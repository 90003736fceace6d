// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/metrics"
	"github.com/ManuGH/streamrec/internal/queue"
	"github.com/ManuGH/streamrec/internal/segment"
	"github.com/ManuGH/streamrec/internal/spool"
	"github.com/ManuGH/streamrec/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Prefix:             "rec",
		MultipartThreshold: 10,
		PartSize:           4,
		AttemptTimeout:     time.Second,
		Retry: RetryPolicy{
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 3,
		},
	}
}

func newTask(stream string, seq uint64, payload string) *queue.Task {
	return &queue.Task{
		ID: "task-" + stream,
		Segment: segment.Segment{
			Stream:   stream,
			Sequence: seq,
			Start:    t0,
			End:      t0.Add(time.Minute),
			Ext:      "ts",
			Payload:  []byte(payload),
		},
	}
}

type env struct {
	store  *storage.MemoryStore
	spool  *spool.Spool
	ledger ledger.Store
	up     *Uploader
}

func newEnv(t *testing.T, opts Options) env {
	t.Helper()
	sp, err := spool.Open(t.TempDir(), 0, 0)
	require.NoError(t, err)
	e := env{store: storage.NewMemoryStore(), spool: sp, ledger: ledger.NewMemoryStore()}
	e.up = New(e.store, e.spool, e.ledger, opts)
	return e
}

// failN fails op the first n times it is seen with err.
func failN(op string, n int, err error) storage.FaultFunc {
	var seen atomic.Int32
	return func(gotOp, key string) error {
		if gotOp != op {
			return nil
		}
		if int(seen.Add(1)) <= n {
			return err
		}
		return nil
	}
}

func TestUpload_SingleRoundTripIsIdempotent(t *testing.T) {
	e := newEnv(t, testOptions())
	task := newTask("cam1", 0, "segment")
	ctx := context.Background()

	res := e.up.Upload(ctx, task)
	require.NoError(t, res.Err)
	assert.Equal(t, queue.StatusSucceeded, res.Status)
	assert.Equal(t, ModeSingle, res.Mode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "rec/cam1/2025-06-01/20250601T120000Z_0.ts", res.Key)

	res = e.up.Upload(ctx, task)
	require.NoError(t, res.Err)

	obj, ok := e.store.Get(res.Key)
	require.True(t, ok)
	assert.Equal(t, "segment", string(obj.Data))
	assert.Equal(t, "video/mp2t", obj.ContentType)
	assert.Equal(t, 2, e.store.Writes(res.Key))
	assert.Len(t, e.store.Keys(), 1)
}

func TestUpload_RetriesTransientErrors(t *testing.T) {
	e := newEnv(t, testOptions())
	e.store.SetFault(failN("put", 2, storage.Transient("put", "", errors.New("503"))))

	res := e.up.Upload(context.Background(), newTask("cam1", 1, "data"))
	require.NoError(t, res.Err)
	assert.Equal(t, queue.StatusSucceeded, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestUpload_ExhaustedRetriesDeadLetter(t *testing.T) {
	e := newEnv(t, testOptions())
	e.store.SetFault(func(op, key string) error { return storage.Transient(op, key, errors.New("unreachable")) })
	ctx := context.Background()

	res := e.up.Upload(ctx, newTask("cam1", 4, "payload"))
	assert.Equal(t, queue.StatusFailed, res.Status)
	assert.False(t, res.Permanent)
	assert.Equal(t, 3, res.Attempts)
	require.NotNil(t, res.DeadLetter)

	dls, err := e.ledger.ListDeadLetters(ctx, "cam1")
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, ledger.KindExhausted, dls[0].Kind)
	assert.Equal(t, uint64(4), dls[0].Sequence)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Equal(t, res.Key, dls[0].Key)
	assert.Contains(t, dls[0].Error, "unreachable")

	data, err := os.ReadFile(dls[0].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestUpload_PermanentErrorFailsImmediately(t *testing.T) {
	e := newEnv(t, testOptions())
	e.store.SetFault(func(op, key string) error {
		return storage.Permanent(op, key, "AccessDenied", errors.New("denied"))
	})

	res := e.up.Upload(context.Background(), newTask("cam1", 0, "x"))
	assert.Equal(t, queue.StatusFailed, res.Status)
	assert.True(t, res.Permanent)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.DeadLetter)
	assert.Equal(t, ledger.KindPermanent, res.DeadLetter.Kind)
}

func TestUpload_MultipartAbortsAndRetries(t *testing.T) {
	e := newEnv(t, testOptions())
	var parts atomic.Int32
	e.store.SetFault(func(op, key string) error {
		// Fail the second part of the first attempt.
		if op == "upload_part" && parts.Add(1) == 2 {
			return storage.Transient(op, key, errors.New("connection reset"))
		}
		return nil
	})

	payload := "hello-world" // 11 bytes -> 3 parts of 4
	res := e.up.Upload(context.Background(), newTask("cam1", 2, payload))
	require.NoError(t, res.Err)
	assert.Equal(t, ModeMultipart, res.Mode)
	assert.Equal(t, 2, res.Attempts)
	assert.Zero(t, e.store.OpenUploads(), "failed attempt must abort its upload")

	obj, ok := e.store.Get(res.Key)
	require.True(t, ok)
	assert.Equal(t, payload, string(obj.Data))
}

func TestUpload_SpooledTaskIsMovedToDeadLetters(t *testing.T) {
	e := newEnv(t, testOptions())
	e.store.SetFault(func(op, key string) error { return storage.Permanent(op, key, "NoSuchBucket", errors.New("gone")) })

	entry, err := e.spool.Put("cam1", 9, t0, t0.Add(time.Minute), "ts", []byte("spilled"))
	require.NoError(t, err)
	task := newTask("cam1", 9, "")
	task.Segment.Payload = nil
	task.Spooled = &entry

	res := e.up.Upload(context.Background(), task)
	require.NotNil(t, res.DeadLetter)
	assert.NotEqual(t, entry.Path, res.DeadLetter.LocalPath)
	_, err = os.Stat(entry.Path)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(res.DeadLetter.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "spilled", string(data))
	assert.Zero(t, e.spool.Used())
}

func TestUpload_CanceledContextHandsTaskBack(t *testing.T) {
	opts := testOptions()
	opts.Retry.BaseDelay = time.Second
	opts.Retry.MaxDelay = time.Second
	e := newEnv(t, opts)
	e.store.SetFault(func(op, key string) error { return storage.Transient(op, key, errors.New("down")) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := e.up.Upload(ctx, newTask("cam1", 0, "x"))
	assert.Equal(t, queue.StatusPending, res.Status)
	assert.Nil(t, res.DeadLetter)

	dls, err := e.ledger.ListDeadLetters(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, dls)
}

func TestUpload_BandwidthCap(t *testing.T) {
	opts := testOptions()
	opts.MaxBytesPerSecond = 100
	opts.MultipartThreshold = 1000
	e := newEnv(t, opts)

	started := time.Now()
	// The first 100 bytes use the initial burst; the next 50 wait ~0.5s.
	res := e.up.Upload(context.Background(), newTask("cam1", 0, string(make([]byte, 100))))
	require.NoError(t, res.Err)
	res = e.up.Upload(context.Background(), newTask("cam1", 1, string(make([]byte, 50))))
	require.NoError(t, res.Err)
	elapsed := time.Since(started)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestPool_UploadsAllAndReports(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(t, testOptions())
	q := queue.New(queue.Options{CapacityPerStream: 8, EnqueueTimeout: time.Second}, e.spool, e.ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for seq := uint64(0); seq < 3; seq++ {
		for _, stream := range []string{"a", "b"} {
			s := newTask(stream, seq, "payload").Segment
			require.NoError(t, q.Enqueue(ctx, s))
		}
	}

	var mu sync.Mutex
	perStream := map[string][]uint64{}
	done := make(chan struct{})
	reporter := ReporterFunc(func(_ context.Context, res Result) {
		mu.Lock()
		defer mu.Unlock()
		perStream[res.Stream] = append(perStream[res.Stream], res.Sequence)
		if len(perStream["a"])+len(perStream["b"]) == 6 {
			close(done)
		}
	})

	pool := NewPool(q, e.up, 3, reporter)
	runErr := make(chan error, 1)
	go func() { runErr <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("uploads did not complete")
	}
	cancel()
	require.NoError(t, <-runErr)
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{0, 1, 2}, perStream["a"], "per-stream uploads stay in order")
	assert.Equal(t, []uint64{0, 1, 2}, perStream["b"])
	assert.Len(t, e.store.Keys(), 6)
}

func TestUpload_FailedPayloadKeptWhenDeadLetterAreaUnwritable(t *testing.T) {
	e := newEnv(t, testOptions())
	e.store.SetFault(func(op, key string) error { return storage.Permanent(op, key, "AccessDenied", errors.New("denied")) })
	// A regular file where the stream's dead-letter directory belongs.
	require.NoError(t, os.WriteFile(filepath.Join(e.spool.Root(), "dead", "cam1"), nil, 0o600))

	q := queue.New(queue.Options{CapacityPerStream: 1, EnqueueTimeout: 20 * time.Millisecond}, e.spool, e.ledger)
	ctx := context.Background()
	for seq, payload := range []string{"first", "second"} {
		require.NoError(t, q.Enqueue(ctx, segment.Segment{
			Stream:   "cam1",
			Sequence: uint64(seq),
			Start:    t0.Add(time.Duration(seq) * time.Minute),
			End:      t0.Add(time.Duration(seq+1) * time.Minute),
			Ext:      "ts",
			Payload:  []byte(payload),
		}))
	}

	for _, want := range []string{"first", "second"} {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		spooled := task.Spooled != nil

		res := e.up.Upload(ctx, task)
		require.NotNil(t, res.DeadLetter)
		require.NotEmpty(t, res.DeadLetter.LocalPath, "payload %q must stay on disk", want)
		if spooled {
			assert.Equal(t, task.Spooled.Path, res.DeadLetter.LocalPath)
		}
		require.NoError(t, q.Complete(task, res.Status))

		data, err := os.ReadFile(res.DeadLetter.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
	assert.Equal(t, int64(len("first")+len("second")), e.spool.Used())

	// Kept payloads are re-admitted by the next process.
	next := queue.New(queue.Options{CapacityPerStream: 4, EnqueueTimeout: time.Second}, e.spool, ledger.NewMemoryStore())
	n, err := next.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpload_FailedPayloadWithoutSpoolCountsAsLoss(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetFault(func(op, key string) error { return storage.Permanent(op, key, "AccessDenied", errors.New("denied")) })
	up := New(store, nil, ledger.NewMemoryStore(), testOptions())

	before := metrics.CounterValue(metrics.DeadLetterLossTotal.WithLabelValues("cam-nospool"))
	res := up.Upload(context.Background(), newTask("cam-nospool", 0, "x"))
	require.NotNil(t, res.DeadLetter)
	assert.Empty(t, res.DeadLetter.LocalPath)
	assert.Equal(t, before+1, metrics.CounterValue(metrics.DeadLetterLossTotal.WithLabelValues("cam-nospool")))
}
