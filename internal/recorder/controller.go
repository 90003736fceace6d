// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package recorder runs one controller per stream and keeps the set of
// controllers in line with configuration.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/ingest"
	"github.com/ManuGH/streamrec/internal/lease"
	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/metrics"
	"github.com/ManuGH/streamrec/internal/segment"
	"github.com/ManuGH/streamrec/internal/telemetry"
	"github.com/ManuGH/streamrec/internal/upload"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrLeaseHeld is returned when another owner is recording the stream.
	ErrLeaseHeld = errors.New("recorder: stream is being recorded by another owner")
	// ErrLeaseLost is returned when the session lease could not be renewed.
	ErrLeaseLost = errors.New("recorder: session lease lost")
	// ErrFatal marks a failure that disables automatic restarts.
	ErrFatal = errors.New("recorder: permanent upload failure")
)

// Enqueuer accepts finalized segments. Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, seg segment.Segment) error
}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Source ingest.Source
	Queue  Enqueuer
	Ledger ledger.Store
	Leases lease.Manager
	// Owner identifies this process in session leases.
	Owner string
	// ResolveCredential resolves a stream's credential reference. Defaults to
	// config.ResolveCredential.
	ResolveCredential func(ref string) (config.Credential, error)
}

// Options are the per-controller tunables.
type Options struct {
	SegmentDuration time.Duration
	SegmentMaxBytes int64
	Ext             string
	StopGrace       time.Duration
	LeaseTTL        time.Duration
	RestartBackoff  config.BackoffConfig
	// ApplyTimeout bounds one Registry.Apply. Zero leaves it unbounded.
	ApplyTimeout time.Duration
}

// applyMargin is added to the stop and kill grace periods when bounding a
// reconciliation.
const applyMargin = 5 * time.Second

// OptionsFromConfig derives controller options from the application config.
func OptionsFromConfig(cfg config.AppConfig) Options {
	return Options{
		SegmentDuration: cfg.Recording.SegmentDuration,
		SegmentMaxBytes: cfg.Recording.SegmentMaxBytes,
		Ext:             ingest.Ext(cfg.Recording.Container),
		StopGrace:       cfg.Recording.StopGrace,
		LeaseTTL:        cfg.Lease.TTL,
		RestartBackoff:  cfg.Recording.RestartBackoff,
		ApplyTimeout:    cfg.Recording.StopGrace + cfg.FFmpeg.KillGrace + applyMargin,
	}
}

// Status is a point-in-time view of a controller.
type Status struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	LastError            string    `json:"last_error,omitempty"`
	LastSegmentSequence  *uint64   `json:"last_segment_sequence,omitempty"`
	LastUploadedSequence *uint64   `json:"last_uploaded_sequence,omitempty"`
	Fatal                bool      `json:"fatal"`
	SessionID            string    `json:"session_id,omitempty"`
	Since                time.Time `json:"since"`
}

// Controller owns the recording lifecycle of a single stream.
type Controller struct {
	cfg    config.StreamConfig
	deps   Deps
	opts   Options
	base   context.Context
	logger zerolog.Logger

	// kick wakes an Error-state wait for an immediate retry; fatal delivers
	// permanent upload failures to the running session.
	kick  chan struct{}
	fatal chan struct{}

	mu           sync.Mutex
	fsm          *machine
	stopCh       chan struct{}
	done         chan struct{}
	lastErr      string
	lastSeg      *uint64
	lastUploaded *uint64
	isFatal      bool
	sessionID    string
	since        time.Time
}

// NewController creates a controller in the Stopped state. base bounds the
// lifetime of every recording session it starts.
func NewController(base context.Context, cfg config.StreamConfig, deps Deps, opts Options) *Controller {
	if deps.ResolveCredential == nil {
		deps.ResolveCredential = config.ResolveCredential
	}
	if deps.Leases == nil {
		deps.Leases = lease.NewMemoryManager()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.Ext == "" {
		opts.Ext = ingest.Ext(ingest.ContainerMPEGTS)
	}
	m, err := newMachine(StateStopped)
	if err != nil {
		// The transition table is static.
		panic(err)
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		opts:   opts,
		base:   base,
		logger: log.WithComponent("recorder").With().Str(log.FieldStream, cfg.Name).Logger(),
		kick:   make(chan struct{}, 1),
		fatal:  make(chan struct{}, 1),
		fsm:    m,
		since:  time.Now(),
	}
	metrics.SetRecorderState(cfg.Name, string(StateStopped))
	return c
}

// Name returns the stream name.
func (c *Controller) Name() string { return c.cfg.Name }

// Config returns the stream configuration the controller was built with.
func (c *Controller) Config() config.StreamConfig { return c.cfg }

// fireLocked applies event and records the transition. Callers hold c.mu.
func (c *Controller) fireLocked(event Event) error {
	from, to, err := c.fsm.fire(event)
	if err != nil {
		return err
	}
	c.since = time.Now()
	metrics.SetRecorderState(c.cfg.Name, string(to))
	c.logger.Info().
		Str(log.FieldEvent, "recorder.state_changed").
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Str("trigger", string(event)).
		Msg("recorder state changed")
	return nil
}

// Start begins recording. It is a no-op while Starting or Running. From
// Error it clears a fatal flag and retries immediately. From Stopping it
// waits for the stop to finish first.
func (c *Controller) Start(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.fsm.state {
		case StateStarting, StateRunning:
			c.mu.Unlock()
			return nil

		case StateError:
			c.isFatal = false
			c.mu.Unlock()
			select {
			case c.kick <- struct{}{}:
			default:
			}
			return nil

		case StateStopping:
			done := c.done
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			if prev := c.done; prev != nil && !isClosed(prev) {
				// The previous run loop is still unwinding.
				c.mu.Unlock()
				select {
				case <-prev:
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := c.fireLocked(EventStart); err != nil {
				c.mu.Unlock()
				return err
			}
			c.isFatal = false
			c.lastErr = ""
			drain(c.kick)
			drain(c.fatal)
			c.stopCh = make(chan struct{})
			c.done = make(chan struct{})
			go c.run(c.base, c.stopCh, c.done)
			c.mu.Unlock()
			return nil
		}
	}
}

// Stop ends recording. The final partial segment is flushed and handed to the
// queue within StopGrace; past that it is dropped and counted as data loss.
// Stopping a Stopped controller is a no-op; stopping from Error cancels the
// pending retry.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.fsm.state {
	case StateStopped:
		c.mu.Unlock()
		return nil
	case StateStarting, StateRunning, StateError:
		if err := c.fireLocked(EventStop); err != nil {
			c.mu.Unlock()
			return err
		}
		close(c.stopCh)
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", c.cfg.Name, ctx.Err())
	}
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Name:                 c.cfg.Name,
		State:                c.fsm.state,
		LastError:            c.lastErr,
		LastSegmentSequence:  copySeq(c.lastSeg),
		LastUploadedSequence: copySeq(c.lastUploaded),
		Fatal:                c.isFatal,
		SessionID:            c.sessionID,
		Since:                c.since,
	}
}

// ReportUpload records an upload outcome for one of this stream's segments.
// Exhausted retries only set LastError; a permanent failure stops ingestion
// and disables automatic restarts until an explicit Start.
func (c *Controller) ReportUpload(_ context.Context, res upload.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res.Err == nil {
		if c.lastUploaded == nil || res.Sequence > *c.lastUploaded {
			seq := res.Sequence
			c.lastUploaded = &seq
		}
		return
	}

	c.lastErr = res.Err.Error()
	if !res.Permanent {
		return
	}
	if c.fsm.state == StateStopped || c.fsm.state == StateStopping {
		return
	}
	c.isFatal = true
	select {
	case c.fatal <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.RestartBackoff.BaseDelay
	bo.Multiplier = c.opts.RestartBackoff.Multiplier
	bo.MaxInterval = c.opts.RestartBackoff.MaxDelay
	bo.RandomizationFactor = c.opts.RestartBackoff.Jitter

	for {
		ran, err := c.session(ctx, stopCh)
		if isClosed(stopCh) || ctx.Err() != nil {
			c.finish()
			return
		}
		if ran {
			bo.Reset()
		}
		c.failed(err)

		if !c.waitRetry(ctx, stopCh, bo) {
			c.finish()
			return
		}

		c.mu.Lock()
		retried := c.fireLocked(EventRetry) == nil
		c.mu.Unlock()
		if !retried {
			c.finish()
			return
		}
		metrics.RecorderRestartsTotal.WithLabelValues(c.cfg.Name).Inc()
	}
}

// waitRetry blocks in Error until the backoff elapses, an explicit Start
// kicks a retry, or the controller is stopped. Fatal errors wait for a kick.
// It reports whether to retry.
func (c *Controller) waitRetry(ctx context.Context, stopCh <-chan struct{}, bo backoff.BackOff) bool {
	wait := bo.NextBackOff()
	for {
		c.mu.Lock()
		fatal := c.isFatal
		c.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !fatal {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		retry, again := false, false
		select {
		case <-stopCh:
		case <-ctx.Done():
		case <-c.kick:
			retry = true
		case <-timerC:
			retry = true
		case <-c.fatal:
			again = true
		}
		if timer != nil {
			timer.Stop()
		}
		if !again {
			return retry
		}
	}
}

// failed moves the controller into Error after a session failure.
func (c *Controller) failed(err error) {
	if err == nil {
		err = fmt.Errorf("%w: session ended unexpectedly", ingest.ErrStreamInterrupted)
	}
	kind := ingest.Kind(err)
	if errors.Is(err, ErrFatal) {
		kind = "fatal"
	}
	metrics.RecordIngestError(c.cfg.Name, kind)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err.Error()
	c.sessionID = ""
	if errors.Is(err, ErrFatal) {
		c.isFatal = true
	}
	if c.fsm.can(EventFail) {
		_ = c.fireLocked(EventFail)
	}
	c.logger.Error().
		Err(err).
		Str(log.FieldEvent, "recorder.session_failed").
		Str("kind", kind).
		Bool("fatal", c.isFatal).
		Msg("recording session failed")
}

// finish walks the machine to Stopped after the run loop ends.
func (c *Controller) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	for c.fsm.state != StateStopped {
		switch {
		case c.fsm.can(EventStopped):
			_ = c.fireLocked(EventStopped)
		case c.fsm.can(EventStop):
			_ = c.fireLocked(EventStop)
		default:
			return
		}
	}
}

// session runs one ingestion session until it fails or is stopped. ran
// reports whether the session reached Running.
func (c *Controller) session(ctx context.Context, stopCh <-chan struct{}) (ran bool, err error) {
	sessionID := uuid.NewString()
	ctx = log.ContextWithStream(ctx, c.cfg.Name)
	ctx = log.ContextWithSessionID(ctx, sessionID)
	logger := log.WithContext(ctx, c.logger)

	ctx, span := telemetry.Tracer().Start(ctx, "recorder.session")
	span.SetAttributes(telemetry.SessionAttributes(c.cfg.Name, sessionID)...)
	defer func() {
		telemetry.RecordError(span, err, ingest.Kind(err))
		span.End()
	}()

	leaseKey := lease.StreamKey(c.cfg.Name)
	ok, err := c.deps.Leases.TryAcquire(ctx, leaseKey, c.deps.Owner, c.opts.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return false, ErrLeaseHeld
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.deps.Leases.Release(rctx, leaseKey, c.deps.Owner); err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "recorder.lease_release_failed").Msg("failed to release session lease")
		}
	}()

	cred, err := c.deps.ResolveCredential(c.cfg.CredentialRef)
	if err != nil {
		return false, &ingest.ConnectionError{URL: log.MaskURL(c.cfg.URL), Auth: true, Err: err}
	}
	url, err := config.ApplyToURL(c.cfg.URL, cred)
	if err != nil {
		return false, &ingest.ConnectionError{URL: log.MaskURL(c.cfg.URL), Err: err}
	}

	// Opening is abandoned as soon as a stop is requested.
	octx, ocancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-stopCh:
			ocancel()
		case <-octx.Done():
		}
	}()
	sess, err := c.deps.Source.Open(octx, url)
	ocancel()
	if err != nil {
		if isClosed(stopCh) {
			return false, nil
		}
		return false, err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	if c.fsm.can(EventReady) {
		_ = c.fireLocked(EventReady)
		ran = true
	}
	c.mu.Unlock()
	logger.Info().Str(log.FieldEvent, "recorder.session_started").Msg("recording session started")

	return ran, c.record(ctx, sess, stopCh, leaseKey, logger)
}

// record pumps the session into the segmenter until the session ends.
func (c *Controller) record(ctx context.Context, sess ingest.Session, stopCh <-chan struct{}, leaseKey string, logger zerolog.Logger) error {
	sctx, scancel := context.WithCancel(ctx)
	defer scancel()

	var abortMu sync.Mutex
	var abortErr error
	abort := func(err error) {
		abortMu.Lock()
		if abortErr == nil {
			abortErr = err
		}
		abortMu.Unlock()
		_ = sess.Close()
	}
	aborted := func() error {
		abortMu.Lock()
		defer abortMu.Unlock()
		return abortErr
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		c.watch(sctx, scancel, sess, stopCh, leaseKey, abort, logger)
	}()
	defer func() {
		scancel()
		<-watchDone
		_ = sess.Close()
	}()

	seg := segment.New(segment.Options{
		Stream:   c.cfg.Name,
		Ext:      c.opts.Ext,
		Duration: c.opts.SegmentDuration,
		MaxBytes: c.opts.SegmentMaxBytes,
	}, segment.SequencerFunc(func(ctx context.Context) (uint64, error) {
		return c.deps.Ledger.NextSequence(ctx, c.cfg.Name)
	}), c.emit)

	bytesIn := metrics.IngestBytesTotal.WithLabelValues(c.cfg.Name)
	var readErr error
	for {
		chunk, err := sess.Read(sctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		bytesIn.Add(float64(len(chunk.Data)))
		if err := seg.Write(sctx, chunk); err != nil {
			readErr = fmt.Errorf("hand off segment: %w", err)
			break
		}
	}

	// Flush whatever was read so every byte lands in exactly one segment.
	if seg.Buffered() > 0 {
		if err := seg.Flush(sctx); err != nil {
			metrics.StopDataLossTotal.WithLabelValues(c.cfg.Name).Inc()
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "recorder.data_loss").
				Int(log.FieldBytes, seg.Buffered()).
				Msg("final segment could not be handed off, dropping it")
		}
	}

	if err := aborted(); err != nil {
		return err
	}
	if isClosed(stopCh) {
		logger.Info().Str(log.FieldEvent, "recorder.session_stopped").Msg("recording session stopped")
		return nil
	}
	if readErr == nil {
		readErr = fmt.Errorf("%w: source closed", ingest.ErrStreamInterrupted)
	}
	return readErr
}

// watch closes the session on stop, permanent upload failure or lease loss.
// After a stop it cancels sctx once StopGrace elapses, which bounds the drain.
func (c *Controller) watch(sctx context.Context, scancel context.CancelFunc, sess ingest.Session, stopCh <-chan struct{}, leaseKey string, abort func(error), logger zerolog.Logger) {
	renew := time.NewTicker(max(c.opts.LeaseTTL/3, 10*time.Millisecond))
	defer renew.Stop()

	for {
		select {
		case <-stopCh:
			_ = sess.Close()
			grace := time.NewTimer(c.opts.StopGrace)
			defer grace.Stop()
			select {
			case <-grace.C:
				logger.Warn().Str(log.FieldEvent, "recorder.stop_grace_elapsed").Dur("grace", c.opts.StopGrace).Msg("stop grace elapsed, abandoning drain")
				scancel()
			case <-sctx.Done():
			}
			return

		case <-c.fatal:
			abort(ErrFatal)
			return

		case <-renew.C:
			ok, err := c.deps.Leases.Renew(sctx, leaseKey, c.deps.Owner, c.opts.LeaseTTL)
			if err != nil {
				logger.Warn().Err(err).Str(log.FieldEvent, "recorder.lease_renew_failed").Msg("failed to renew session lease")
				continue
			}
			if !ok {
				abort(ErrLeaseLost)
				return
			}

		case <-sctx.Done():
			return
		}
	}
}

func (c *Controller) emit(ctx context.Context, s segment.Segment) error {
	if err := c.deps.Queue.Enqueue(ctx, s); err != nil {
		return err
	}
	c.mu.Lock()
	seq := s.Sequence
	c.lastSeg = &seq
	c.mu.Unlock()
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func copySeq(p *uint64) *uint64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
