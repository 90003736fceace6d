// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package upload moves queued segments into object storage with retry,
// multipart support and dead-lettering of terminal failures.
package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/metrics"
	"github.com/ManuGH/streamrec/internal/queue"
	"github.com/ManuGH/streamrec/internal/spool"
	"github.com/ManuGH/streamrec/internal/storage"
	"github.com/ManuGH/streamrec/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	ModeSingle    = "single"
	ModeMultipart = "multipart"

	abortTimeout = 30 * time.Second
)

// RetryPolicy is the exponential backoff applied to transient failures.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int
}

// Options configures an Uploader.
type Options struct {
	Prefix             string
	MultipartThreshold int64
	PartSize           int64
	MaxBytesPerSecond  int64
	AttemptTimeout     time.Duration
	Retry              RetryPolicy
}

// Result is the outcome of one Upload call.
type Result struct {
	Stream   string
	Sequence uint64
	Key      string
	// Status is Succeeded, Failed, or Pending when the upload was abandoned
	// because ctx ended.
	Status    queue.Status
	Mode      string
	Attempts  int
	Bytes     int64
	Err       error
	Permanent bool
	// DeadLetter is set when a failed segment was retained.
	DeadLetter *ledger.DeadLetter
}

// Uploader uploads single tasks. Safe for concurrent use.
type Uploader struct {
	store   storage.ObjectStore
	spool   *spool.Spool
	ledger  ledger.Store
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  zerolog.Logger
	opts    Options
}

// New returns an Uploader. sp and led may be nil; dead letters are then
// logged but not retained.
func New(store storage.ObjectStore, sp *spool.Spool, led ledger.Store, opts Options) *Uploader {
	if opts.PartSize <= 0 {
		opts.PartSize = 8 << 20
	}
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = 16 << 20
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	u := &Uploader{
		store:  store,
		spool:  sp,
		ledger: led,
		tracer: telemetry.Tracer(),
		logger: log.WithComponent("upload"),
		opts:   opts,
	}
	if opts.MaxBytesPerSecond > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(opts.MaxBytesPerSecond), int(opts.MaxBytesPerSecond))
	}
	return u
}

func (u *Uploader) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.opts.Retry.BaseDelay
	b.Multiplier = u.opts.Retry.Multiplier
	b.MaxInterval = u.opts.Retry.MaxDelay
	b.RandomizationFactor = u.opts.Retry.Jitter
	return b
}

// maxElapsed bounds the whole retry loop so the attempt budget, not backoff's
// default elapsed-time cap, decides exhaustion.
func (u *Uploader) maxElapsed() time.Duration {
	n := time.Duration(u.opts.Retry.MaxAttempts)
	return n * (u.opts.AttemptTimeout + u.opts.Retry.MaxDelay + time.Second)
}

// Upload writes task's payload to its storage key. Transient errors are
// retried with backoff up to MaxAttempts; permanent errors fail at once.
// Failed payloads are moved to the dead-letter area.
func (u *Uploader) Upload(ctx context.Context, task *queue.Task) Result {
	key := task.Key(u.opts.Prefix)
	size := task.Size()
	mode := ModeSingle
	if size > u.opts.MultipartThreshold {
		mode = ModeMultipart
	}
	res := Result{
		Stream:   task.Stream(),
		Sequence: task.Sequence(),
		Key:      key,
		Mode:     mode,
		Bytes:    size,
	}

	ctx = log.ContextWithStream(ctx, task.Stream())
	ctx = log.ContextWithTaskID(ctx, task.ID)
	logger := log.WithContext(ctx, u.logger).With().
		Uint64(log.FieldSequence, task.Sequence()).
		Str(log.FieldKey, key).
		Logger()

	ctx, span := u.tracer.Start(ctx, "upload.segment",
		trace.WithAttributes(telemetry.SegmentAttributes(task.Stream(), task.Sequence(), size, key)...),
		trace.WithAttributes(attribute.String(telemetry.UploadModeKey, mode)))
	defer span.End()

	started := time.Now()
	var lastErr error
	op := func() (struct{}, error) {
		res.Attempts++
		task.Attempts++
		metrics.UploadAttemptsTotal.WithLabelValues(mode).Inc()

		actx, cancel := context.WithTimeout(ctx, u.opts.AttemptTimeout)
		err := u.attempt(actx, task, key, size, mode)
		cancel()
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if storage.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(u.newBackOff()),
		backoff.WithMaxTries(uint(u.opts.Retry.MaxAttempts)), // #nosec G115 -- validated positive
		backoff.WithMaxElapsedTime(u.maxElapsed()),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "upload.retry").
				Int(log.FieldAttempt, res.Attempts).
				Dur("backoff", next).
				Msg("upload attempt failed, retrying")
		}))
	span.SetAttributes(attribute.Int(telemetry.AttemptsKey, res.Attempts))

	switch {
	case err == nil:
		res.Status = queue.StatusSucceeded
		metrics.RecordUpload(task.Stream(), "success", size)
		metrics.UploadDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
		logger.Info().
			Str(log.FieldEvent, "upload.succeeded").
			Int64(log.FieldBytes, size).
			Dur(log.FieldDuration, task.Segment.End.Sub(task.Segment.Start)).
			Int(log.FieldAttempt, res.Attempts).
			Str("mode", mode).
			Msg("segment uploaded")
		return res

	case ctx.Err() != nil:
		// Shutdown: hand the task back untouched.
		res.Status = queue.StatusPending
		res.Err = ctx.Err()
		telemetry.RecordError(span, res.Err, "canceled")
		return res
	}

	if lastErr == nil {
		lastErr = err
	}
	res.Status = queue.StatusFailed
	res.Err = lastErr
	res.Permanent = storage.IsPermanent(lastErr)
	kind := ledger.KindExhausted
	if res.Permanent {
		kind = ledger.KindPermanent
	}
	metrics.RecordUpload(task.Stream(), kind, size)
	telemetry.RecordError(span, lastErr, kind)

	dl := u.deadLetter(context.WithoutCancel(ctx), task, key, kind, res.Attempts, lastErr, logger)
	res.DeadLetter = &dl
	return res
}

func (u *Uploader) attempt(ctx context.Context, task *queue.Task, key string, size int64, mode string) error {
	body, err := task.Open()
	if err != nil {
		return storage.Transient("open", key, err)
	}
	defer func() { _ = body.Close() }()

	contentType := storage.ContentType(task.Segment.Ext)
	if mode == ModeSingle {
		if err := u.throttle(ctx, size); err != nil {
			return storage.Transient("put", key, err)
		}
		return u.store.PutObject(ctx, key, body, size, contentType)
	}
	return u.multipart(ctx, body, key, size, contentType)
}

func (u *Uploader) multipart(ctx context.Context, body queue.Body, key string, size int64, contentType string) error {
	uploadID, err := u.store.CreateMultipartUpload(ctx, key, contentType)
	if err != nil {
		return err
	}

	var parts []storage.CompletedPart
	var number int32
	for off := int64(0); off < size; off += u.opts.PartSize {
		number++
		n := min(u.opts.PartSize, size-off)
		if err := u.throttle(ctx, n); err != nil {
			u.abort(ctx, key, uploadID)
			return storage.Transient("upload_part", key, err)
		}
		etag, err := u.store.UploadPart(ctx, key, uploadID, number, io.NewSectionReader(body, off, n), n)
		if err != nil {
			u.abort(ctx, key, uploadID)
			return err
		}
		parts = append(parts, storage.CompletedPart{Number: number, ETag: etag})
	}

	if err := u.store.CompleteMultipartUpload(ctx, key, uploadID, parts); err != nil {
		u.abort(ctx, key, uploadID)
		return err
	}
	return nil
}

func (u *Uploader) abort(ctx context.Context, key, uploadID string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := u.store.AbortMultipartUpload(actx, key, uploadID); err != nil {
		u.logger.Warn().Err(err).Str(log.FieldEvent, "upload.abort_failed").Str(log.FieldKey, key).Msg("failed to abort multipart upload")
	}
}

// throttle waits until n bytes may be sent under the bandwidth cap.
func (u *Uploader) throttle(ctx context.Context, n int64) error {
	if u.limiter == nil {
		return nil
	}
	burst := int64(u.limiter.Burst())
	for n > 0 {
		step := min(n, burst)
		if err := u.limiter.WaitN(ctx, int(step)); err != nil {
			return fmt.Errorf("bandwidth limit: %w", err)
		}
		n -= step
	}
	return nil
}

// retain keeps a failed payload on local disk and returns where it lives.
// The dead-letter area is preferred. When that write fails a spooled payload
// stays in the pending area, where Complete leaves it and the next Recover
// re-admits it, and an in-memory payload is spilled there instead. An empty
// path means the bytes are lost.
func (u *Uploader) retain(task *queue.Task, logger zerolog.Logger) string {
	if u.spool == nil {
		metrics.DeadLetterLossTotal.WithLabelValues(task.Stream()).Inc()
		logger.Error().Str(log.FieldEvent, "upload.dead_letter_lost").Msg("no spool configured, failed payload dropped")
		return ""
	}

	if task.Spooled != nil {
		path, err := u.spool.MoveToDead(*task.Spooled)
		if err == nil {
			return path
		}
		logger.Error().Err(err).
			Str(log.FieldEvent, "upload.dead_letter_write_failed").
			Str(log.FieldPath, task.Spooled.Path).
			Msg("failed to move payload to dead letters, keeping it in the spool")
		return task.Spooled.Path
	}

	s := task.Segment
	path, err := u.spool.WriteDead(s.Stream, s.Sequence, s.Start, s.End, s.Ext, s.Payload)
	if err == nil {
		return path
	}
	logger.Error().Err(err).Str(log.FieldEvent, "upload.dead_letter_write_failed").Msg("failed to write dead-letter payload, spilling to the spool")

	entry, perr := u.spool.Put(s.Stream, s.Sequence, s.Start, s.End, s.Ext, s.Payload)
	if perr != nil {
		metrics.DeadLetterLossTotal.WithLabelValues(task.Stream()).Inc()
		logger.Error().Err(perr).Str(log.FieldEvent, "upload.dead_letter_lost").Msg("failed to retain payload anywhere, segment lost")
		return ""
	}
	return entry.Path
}

func (u *Uploader) deadLetter(ctx context.Context, task *queue.Task, key, kind string, attempts int, cause error, logger zerolog.Logger) ledger.DeadLetter {
	dl := ledger.DeadLetter{
		ID:        uuid.NewString(),
		Stream:    task.Stream(),
		Sequence:  task.Sequence(),
		Key:       key,
		Attempts:  attempts,
		Kind:      kind,
		Error:     cause.Error(),
		Bytes:     task.Size(),
		CreatedAt: time.Now().UTC(),
	}

	dl.LocalPath = u.retain(task, logger)

	if u.ledger != nil {
		if err := u.ledger.PutDeadLetter(ctx, dl); err != nil {
			logger.Error().Err(err).Str(log.FieldEvent, "upload.dead_letter_record_failed").Msg("failed to record dead letter")
		}
	}

	metrics.DeadLettersTotal.WithLabelValues(task.Stream(), kind).Inc()
	logger.Error().
		Err(cause).
		Str(log.FieldEvent, "upload.dead_lettered").
		Str("kind", kind).
		Int(log.FieldAttempt, attempts).
		Str(log.FieldPath, dl.LocalPath).
		Msg("segment upload failed permanently, retained as dead letter")
	return dl
}
