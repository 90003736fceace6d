// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package queue buffers finalized segments between the segmenters and the
// upload workers. Each stream has its own FIFO lane with bounded in-memory
// capacity; overflow spills to the on-disk spool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/metrics"
	"github.com/ManuGH/streamrec/internal/segment"
	"github.com/ManuGH/streamrec/internal/spool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue: closed")
	// ErrOutOfOrder is returned when a segment's sequence does not advance its lane.
	ErrOutOfOrder = errors.New("queue: sequence out of order")
	// ErrOverflow marks a lane overflow. It is recorded as an event and never
	// returned to producers.
	ErrOverflow = errors.New("queue: lane overflow")
	// ErrUnknownTask is returned by Complete for a task that is not at its lane head.
	ErrUnknownTask = errors.New("queue: task is not in flight")
)

// spoolRetryInterval bounds how long a producer blocked on a full spool waits
// before re-checking free disk space that may have been released externally.
const spoolRetryInterval = time.Second

// Options configures a Queue.
type Options struct {
	CapacityPerStream int
	EnqueueTimeout    time.Duration
}

type lane struct {
	tasks    []*Task
	inFlight bool
	memory   int
	last     uint64
	hasLast  bool
}

// Queue is the shared upload queue. Safe for concurrent use.
type Queue struct {
	opts   Options
	spool  *spool.Spool
	ledger ledger.Store
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	changed chan struct{}
	lanes   map[string]*lane
	order   []string
	next    int
	closed  bool
}

// New creates a Queue. sp may be nil, in which case overflowing producers
// block instead of spilling. led may be nil to skip overflow bookkeeping.
func New(opts Options, sp *spool.Spool, led ledger.Store) *Queue {
	if opts.CapacityPerStream <= 0 {
		opts.CapacityPerStream = 1
	}
	return &Queue{
		opts:    opts,
		spool:   sp,
		ledger:  led,
		logger:  log.WithComponent("queue"),
		now:     time.Now,
		changed: make(chan struct{}),
		lanes:   make(map[string]*lane),
	}
}

// notifyLocked wakes every waiter. Callers hold q.mu.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) laneLocked(stream string) *lane {
	l, ok := q.lanes[stream]
	if !ok {
		l = &lane{}
		q.lanes[stream] = l
		q.order = append(q.order, stream)
	}
	return l
}

func (q *Queue) checkOrderLocked(l *lane, seq uint64) error {
	if l.hasLast && seq <= l.last {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, seq, l.last)
	}
	return nil
}

func (q *Queue) appendLocked(l *lane, t *Task) {
	l.tasks = append(l.tasks, t)
	if t.Spooled == nil {
		l.memory++
	}
	l.last, l.hasLast = t.Sequence(), true
	q.publishDepthLocked(t.Stream(), l)
	q.notifyLocked()
}

func (q *Queue) publishDepthLocked(stream string, l *lane) {
	metrics.SetQueueDepth(stream, l.memory, len(l.tasks)-l.memory)
}

// Enqueue admits seg into its stream's lane. When the lane is at capacity it
// waits up to EnqueueTimeout, then spills the payload to the spool and records
// an overflow event. If the spool is full too it keeps waiting until space
// frees up or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, seg segment.Segment) error {
	logger := log.WithContext(ctx, q.logger).With().
		Str(log.FieldStream, seg.Stream).
		Uint64(log.FieldSequence, seg.Sequence).
		Logger()

	deadline := time.NewTimer(q.opts.EnqueueTimeout)
	defer deadline.Stop()
	timedOut := false
	spoolFullRecorded := false

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		l := q.laneLocked(seg.Stream)
		if err := q.checkOrderLocked(l, seg.Sequence); err != nil {
			q.mu.Unlock()
			return err
		}
		if l.memory < q.opts.CapacityPerStream {
			q.appendLocked(l, q.newTask(seg, nil))
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		if timedOut && q.spool != nil {
			entry, err := q.spool.Put(seg.Stream, seg.Sequence, seg.Start, seg.End, seg.Ext, seg.Payload)
			switch {
			case err == nil:
				q.recordOverflow(ctx, logger, seg, ledger.ReasonEnqueueTimeout, "spilled")
				q.mu.Lock()
				if q.closed {
					q.mu.Unlock()
					// The spooled copy is picked up by Recover on the next start.
					return ErrClosed
				}
				l := q.laneLocked(seg.Stream)
				if err := q.checkOrderLocked(l, seg.Sequence); err != nil {
					q.mu.Unlock()
					_ = q.spool.Remove(entry)
					return err
				}
				q.appendLocked(l, q.newTask(seg, &entry))
				q.mu.Unlock()
				return nil
			case errors.Is(err, spool.ErrFull):
				if !spoolFullRecorded {
					spoolFullRecorded = true
					q.recordOverflow(ctx, logger, seg, ledger.ReasonSpoolFull, "blocked")
				}
			default:
				return fmt.Errorf("spill segment: %w", err)
			}
		}

		var retry *time.Timer
		var retryC <-chan time.Time
		if timedOut {
			retry = time.NewTimer(spoolRetryInterval)
			retryC = retry.C
		}

		select {
		case <-changed:
		case <-retryC:
		case <-deadline.C:
			timedOut = true
		case <-ctx.Done():
			return ctx.Err()
		}
		if retry != nil {
			retry.Stop()
		}
	}
}

func (q *Queue) newTask(seg segment.Segment, entry *spool.Entry) *Task {
	t := &Task{
		ID:         uuid.NewString(),
		Segment:    seg,
		Spooled:    entry,
		Status:     StatusPending,
		EnqueuedAt: q.now(),
	}
	if entry != nil {
		t.Segment.Payload = nil
	}
	return t
}

func (q *Queue) recordOverflow(ctx context.Context, logger zerolog.Logger, seg segment.Segment, reason, action string) {
	metrics.RecordOverflow(seg.Stream, action)
	logger.Warn().
		Err(ErrOverflow).
		Str(log.FieldEvent, "queue.overflow").
		Str("reason", reason).
		Int64(log.FieldBytes, seg.Size()).
		Msg("upload queue lane full")

	if q.ledger == nil {
		return
	}
	ev := ledger.OverflowEvent{
		Stream:   seg.Stream,
		Sequence: seg.Sequence,
		Reason:   reason,
		Bytes:    seg.Size(),
		At:       q.now().UTC(),
	}
	if err := q.ledger.RecordOverflow(ctx, ev); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "queue.overflow_record_failed").Msg("failed to record overflow event")
	}
}

// Dequeue blocks until a task is available and marks it in flight. Lanes are
// served round-robin and a lane with a task in flight is skipped, so each
// stream uploads strictly in sequence order.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if t := q.takeLocked(); t != nil {
			q.mu.Unlock()
			return t, nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) takeLocked() *Task {
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		l := q.lanes[q.order[idx]]
		if l.inFlight || len(l.tasks) == 0 {
			continue
		}
		q.next = (idx + 1) % n
		l.inFlight = true
		t := l.tasks[0]
		t.Status = StatusInFlight
		return t
	}
	return nil
}

// Complete reports the outcome of an in-flight task. Succeeded and Failed pop
// the task from its lane; only Succeeded deletes a spooled payload, since a
// failed one is the retained copy the uploader moved to the dead-letter area or
// left pending. StatusPending hands the task back to the lane head for another
// worker.
func (q *Queue) Complete(t *Task, status Status) error {
	q.mu.Lock()
	l, ok := q.lanes[t.Stream()]
	if !ok || !l.inFlight || len(l.tasks) == 0 || l.tasks[0].ID != t.ID {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, t.ID)
	}
	l.inFlight = false

	if status == StatusPending {
		t.Status = StatusPending
		q.notifyLocked()
		closed := q.closed
		q.mu.Unlock()
		if closed && t.Spooled == nil {
			q.persist(t)
		}
		return nil
	}
	defer q.mu.Unlock()

	t.Status = status
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	if t.Spooled == nil {
		l.memory--
	} else if q.spool != nil && status == StatusSucceeded {
		if err := q.spool.Remove(*t.Spooled); err != nil {
			q.logger.Warn().Err(err).Str(log.FieldEvent, "queue.spool_remove_failed").Str(log.FieldPath, t.Spooled.Path).Msg("failed to remove spooled payload")
		}
	}
	q.publishDepthLocked(t.Stream(), l)
	q.notifyLocked()
	return nil
}

// Recover re-admits payloads spilled by a previous process, in sequence order,
// and raises the ledger counters past them. It must run before producers start.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.spool == nil {
		return 0, nil
	}
	entries, err := q.spool.Scan()
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}

	maxSeq := make(map[string]uint64)
	n := 0
	for i := range entries {
		e := entries[i]
		l := q.laneLocked(e.Stream)
		if q.checkOrderLocked(l, e.Sequence) != nil {
			continue
		}
		seg := segment.Segment{Stream: e.Stream, Sequence: e.Sequence, Start: e.Start, End: e.End, Ext: e.Ext}
		q.appendLocked(l, q.newTask(seg, &e))
		maxSeq[e.Stream] = e.Sequence
		n++
	}

	if q.ledger != nil {
		for stream, seq := range maxSeq {
			if err := q.ledger.EnsureSequenceAtLeast(ctx, stream, seq+1); err != nil {
				return n, fmt.Errorf("advance sequence for %s: %w", stream, err)
			}
		}
	}
	if n > 0 {
		q.logger.Info().Str(log.FieldEvent, "queue.recovered").Int("tasks", n).Msg("re-admitted spooled segments")
	}
	return n, nil
}

// Depth returns the number of pending tasks for stream held in memory and in the spool.
func (q *Queue) Depth(stream string) (memory, spooled int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[stream]
	if !ok {
		return 0, 0
	}
	return l.memory, len(l.tasks) - l.memory
}

// Len returns the total number of queued tasks, including in-flight ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l.tasks)
	}
	return n
}

// Drain waits until every lane is empty or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		empty := true
		for _, l := range q.lanes {
			if len(l.tasks) > 0 {
				empty = false
				break
			}
		}
		closed := q.closed
		changed := q.changed
		q.mu.Unlock()

		if empty {
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close wakes every waiter with ErrClosed. Pending in-memory payloads are
// written to the spool so the next process can upload them.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var pending []*Task
	for _, l := range q.lanes {
		for _, t := range l.tasks {
			if t.Spooled == nil && t.Status == StatusPending {
				pending = append(pending, t)
			}
		}
	}
	q.notifyLocked()
	q.mu.Unlock()

	for _, t := range pending {
		q.persist(t)
	}
}

func (q *Queue) persist(t *Task) {
	logger := q.logger.With().Str(log.FieldStream, t.Stream()).Uint64(log.FieldSequence, t.Sequence()).Logger()
	if q.spool == nil {
		metrics.StopDataLossTotal.WithLabelValues(t.Stream()).Inc()
		logger.Warn().Str(log.FieldEvent, "queue.dropped_on_close").Msg("pending segment dropped on close (no spool)")
		return
	}
	s := t.Segment
	if _, err := q.spool.Put(s.Stream, s.Sequence, s.Start, s.End, s.Ext, s.Payload); err != nil {
		metrics.StopDataLossTotal.WithLabelValues(t.Stream()).Inc()
		logger.Error().Err(err).Str(log.FieldEvent, "queue.dropped_on_close").Msg("failed to persist pending segment on close")
		return
	}
	logger.Info().Str(log.FieldEvent, "queue.persisted_on_close").Msg("pending segment persisted to spool")
}
