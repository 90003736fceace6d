// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package queue

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/segment"
	"github.com/ManuGH/streamrec/internal/spool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seg(stream string, seq uint64, payload string) segment.Segment {
	start := t0.Add(time.Duration(seq) * time.Minute)
	return segment.Segment{
		Stream:   stream,
		Sequence: seq,
		Start:    start,
		End:      start.Add(time.Minute),
		Ext:      "ts",
		Payload:  []byte(payload),
	}
}

func readAll(t *testing.T, task *Task) string {
	t.Helper()
	body, err := task.Open()
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(data)
}

func TestQueue_FIFOAndOrdering(t *testing.T) {
	q := New(Options{CapacityPerStream: 8, EnqueueTimeout: time.Second}, nil, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, seg("cam1", 0, "a")))
	require.NoError(t, q.Enqueue(ctx, seg("cam1", 1, "b")))
	assert.ErrorIs(t, q.Enqueue(ctx, seg("cam1", 1, "dup")), ErrOutOfOrder)
	assert.ErrorIs(t, q.Enqueue(ctx, seg("cam1", 0, "old")), ErrOutOfOrder)

	for _, want := range []uint64{0, 1} {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, task.Sequence())
		assert.Equal(t, StatusInFlight, task.Status)
		assert.NotEmpty(t, task.ID)
		require.NoError(t, q.Complete(task, StatusSucceeded))
		assert.Equal(t, StatusSucceeded, task.Status)
	}
	assert.Zero(t, q.Len())
}

func TestQueue_OneInFlightPerStreamRoundRobin(t *testing.T) {
	q := New(Options{CapacityPerStream: 8, EnqueueTimeout: time.Second}, nil, nil)
	ctx := context.Background()

	for seq := uint64(0); seq < 2; seq++ {
		require.NoError(t, q.Enqueue(ctx, seg("a", seq, "x")))
		require.NoError(t, q.Enqueue(ctx, seg("b", seq, "y")))
	}

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{first.Stream(), second.Stream()})

	// Both lanes busy: nothing else may be handed out.
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Complete(first, StatusSucceeded))
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Stream(), next.Stream())
	assert.Equal(t, uint64(1), next.Sequence())
}

func TestQueue_CompletePendingReturnsTaskToHead(t *testing.T) {
	q := New(Options{CapacityPerStream: 8, EnqueueTimeout: time.Second}, nil, nil)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, seg("cam1", 0, "a")))

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(task, StatusPending))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.ID)

	require.NoError(t, q.Complete(again, StatusFailed))
	assert.ErrorIs(t, q.Complete(again, StatusFailed), ErrUnknownTask)
}

func TestQueue_OverflowSpillsToSpool(t *testing.T) {
	sp, err := spool.Open(t.TempDir(), 0, 0)
	require.NoError(t, err)
	led := ledger.NewMemoryStore()
	q := New(Options{CapacityPerStream: 1, EnqueueTimeout: 20 * time.Millisecond}, sp, led)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, seg("cam1", 0, "first")))
	require.NoError(t, q.Enqueue(ctx, seg("cam1", 1, "second")))

	mem, spooled := q.Depth("cam1")
	assert.Equal(t, 1, mem)
	assert.Equal(t, 1, spooled)
	assert.Equal(t, int64(len("second")), sp.Used())

	count, err := led.OverflowCount(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", readAll(t, task))
	require.NoError(t, q.Complete(task, StatusSucceeded))

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task.Spooled)
	assert.Equal(t, "second", readAll(t, task))
	assert.Equal(t, int64(6), task.Size())
	require.NoError(t, q.Complete(task, StatusSucceeded))
	assert.Zero(t, sp.Used())
}

func TestQueue_CompleteFailedKeepsSpooledPayload(t *testing.T) {
	sp, err := spool.Open(t.TempDir(), 0, 0)
	require.NoError(t, err)
	q := New(Options{CapacityPerStream: 1, EnqueueTimeout: 20 * time.Millisecond}, sp, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, seg("cam1", 0, "first")))
	require.NoError(t, q.Enqueue(ctx, seg("cam1", 1, "second")))

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(task, StatusSucceeded))

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task.Spooled)
	require.NoError(t, q.Complete(task, StatusFailed))

	assert.FileExists(t, task.Spooled.Path)
	assert.Equal(t, int64(len("second")), sp.Used())
	assert.Zero(t, q.Len())
}

func TestQueue_SpoolFullBlocksUntilSpaceFrees(t *testing.T) {
	sp, err := spool.Open(t.TempDir(), 4, 0)
	require.NoError(t, err)
	led := ledger.NewMemoryStore()
	q := New(Options{CapacityPerStream: 1, EnqueueTimeout: 10 * time.Millisecond}, sp, led)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, seg("cam1", 0, "aaaa")))

	short, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	err = q.Enqueue(short, seg("cam1", 1, "too-large"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	events, err := led.OverflowCount(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, 1, events)

	// Completing the head frees memory capacity and unblocks the producer.
	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, seg("cam1", 1, "too-large")) }()

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(task, StatusSucceeded))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not unblock")
	}
	mem, spooled := q.Depth("cam1")
	assert.Equal(t, 1, mem)
	assert.Zero(t, spooled)
}

func TestQueue_RecoverReadmitsSpoolInOrder(t *testing.T) {
	root := t.TempDir()
	sp, err := spool.Open(root, 0, 0)
	require.NoError(t, err)
	for _, seq := range []uint64{7, 5} {
		s := seg("cam1", seq, "x")
		_, err := sp.Put(s.Stream, s.Sequence, s.Start, s.End, s.Ext, s.Payload)
		require.NoError(t, err)
	}

	led := ledger.NewMemoryStore()
	q := New(Options{CapacityPerStream: 2, EnqueueTimeout: time.Second}, sp, led)
	ctx := context.Background()

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	next, err := led.NextSequence(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next)

	assert.ErrorIs(t, q.Enqueue(ctx, seg("cam1", 6, "late")), ErrOutOfOrder)
	require.NoError(t, q.Enqueue(ctx, seg("cam1", 8, "new")))

	var got []uint64
	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, task.Sequence())
		require.NoError(t, q.Complete(task, StatusSucceeded))
	}
	assert.Equal(t, []uint64{5, 7, 8}, got)
}

func TestQueue_ClosePersistsPendingAndWakesWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	sp, err := spool.Open(root, 0, 0)
	require.NoError(t, err)
	q := New(Options{CapacityPerStream: 4, EnqueueTimeout: time.Second}, sp, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Dequeue(ctx)
			if err != nil {
				errs <- err
			}
		}()
	}
	require.NoError(t, q.Enqueue(ctx, seg("idle", 0, "z")))
	require.NoError(t, q.Enqueue(ctx, seg("cam1", 3, "pending")))

	// Let the waiters take what they can before closing.
	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)

	assert.ErrorIs(t, q.Enqueue(ctx, seg("cam1", 4, "late")), ErrClosed)
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// Whatever was not handed to a worker now lives in the spool.
	reopened, err := spool.Open(root, 0, 0)
	require.NoError(t, err)
	entries, err := reopened.Scan()
	require.NoError(t, err)
	assert.Len(t, entries, len(errs))
}
