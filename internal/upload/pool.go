// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upload

import (
	"context"
	"errors"

	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Reporter receives terminal upload outcomes.
type Reporter interface {
	ReportUpload(ctx context.Context, res Result)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, res Result)

func (f ReporterFunc) ReportUpload(ctx context.Context, res Result) { f(ctx, res) }

// Pool runs a fixed number of upload workers against a queue.
type Pool struct {
	queue    *queue.Queue
	uploader *Uploader
	workers  int
	reporter Reporter
	logger   zerolog.Logger
}

// NewPool creates a worker pool. reporter may be nil.
func NewPool(q *queue.Queue, u *Uploader, workers int, reporter Reporter) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{queue: q, uploader: u, workers: workers, reporter: reporter, logger: log.WithComponent("upload")}
}

// Run blocks until ctx ends or the queue is closed. In-flight uploads
// interrupted by ctx are handed back to the queue.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error { return p.work(gctx, id) })
	}
	p.logger.Info().Str(log.FieldEvent, "upload.pool_started").Int("workers", p.workers).Msg("upload workers started")
	err := g.Wait()
	p.logger.Info().Str(log.FieldEvent, "upload.pool_stopped").Msg("upload workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context, id int) error {
	logger := p.logger.With().Int(log.FieldWorker, id).Logger()
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		res := p.uploader.Upload(ctx, task)
		if err := p.queue.Complete(task, res.Status); err != nil {
			logger.Error().Err(err).Str(log.FieldEvent, "upload.complete_failed").Msg("failed to complete task")
		}
		if res.Status == queue.StatusPending {
			continue
		}
		if p.reporter != nil {
			p.reporter.ReportUpload(ctx, res)
		}
	}
}
