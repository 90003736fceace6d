// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/metrics"
	"github.com/ManuGH/streamrec/internal/upload"
	"github.com/ManuGH/streamrec/internal/validate"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownStream is returned for a stream name with no controller.
var ErrUnknownStream = errors.New("recorder: unknown stream")

// ErrRegistryClosed is returned by Apply after Close.
var ErrRegistryClosed = errors.New("recorder: registry closed")

// Registry maps stream names to controllers. There is never more than one
// controller per name.
type Registry struct {
	base   context.Context
	deps   Deps
	logger zerolog.Logger

	// applyMu serializes reconciliations; mu guards the maps.
	applyMu sync.Mutex
	closed  bool

	mu          sync.RWMutex
	opts        Options
	controllers map[string]*Controller
	order       []string
}

// NewRegistry creates an empty registry. base bounds every controller's sessions.
func NewRegistry(base context.Context, deps Deps, opts Options) *Registry {
	return &Registry{
		base:        base,
		deps:        deps,
		opts:        opts,
		logger:      log.WithComponent("registry"),
		controllers: make(map[string]*Controller),
	}
}

// SetOptions replaces the options used for controllers created from now on.
func (r *Registry) SetOptions(opts Options) {
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
}

// Apply reconciles the registry with streams. The list is validated first;
// an invalid list changes nothing. Removed streams are stopped and evicted,
// new streams start Stopped (or Running with Autostart), and streams whose
// source changed are replaced and restarted if they were active.
func (r *Registry) Apply(ctx context.Context, streams []config.StreamConfig) error {
	v := validate.New()
	config.ValidateStreams(v, streams)
	if err := v.Err(); err != nil {
		return fmt.Errorf("apply streams: %w", err)
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	r.mu.RLock()
	bound := r.opts.ApplyTimeout
	r.mu.RUnlock()
	if bound > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bound)
		defer cancel()
	}

	desired := make(map[string]config.StreamConfig, len(streams))
	order := make([]string, 0, len(streams))
	for _, s := range streams {
		desired[s.Name] = s
		order = append(order, s.Name)
	}

	r.mu.RLock()
	var evict []*Controller
	var replace []*Controller
	for name, c := range r.controllers {
		want, keep := desired[name]
		switch {
		case !keep:
			evict = append(evict, c)
		case !c.Config().SameSource(want):
			replace = append(replace, c)
		}
	}
	opts := r.opts
	r.mu.RUnlock()

	// Stop outgoing controllers in parallel before any replacement starts so
	// two sessions never overlap for one name.
	wasActive := make(map[string]bool, len(replace))
	for _, c := range replace {
		st := c.Status().State
		wasActive[c.Name()] = st != StateStopped
	}
	if err := stopAll(ctx, append(append([]*Controller{}, evict...), replace...)); err != nil {
		return fmt.Errorf("apply streams: %w", err)
	}

	r.mu.Lock()
	for _, c := range evict {
		delete(r.controllers, c.Name())
		metrics.ForgetStream(c.Name())
		r.logger.Info().Str(log.FieldEvent, "registry.stream_removed").Str(log.FieldStream, c.Name()).Msg("stream removed")
	}
	var toStart []*Controller
	for _, name := range order {
		cfg := desired[name]
		old, exists := r.controllers[name]
		switch {
		case !exists:
			c := NewController(r.base, cfg, r.deps, opts)
			r.controllers[name] = c
			r.logger.Info().Str(log.FieldEvent, "registry.stream_added").Str(log.FieldStream, name).Bool("autostart", cfg.Autostart).Msg("stream added")
			if cfg.Autostart {
				toStart = append(toStart, c)
			}
		case !old.Config().SameSource(cfg):
			c := NewController(r.base, cfg, r.deps, opts)
			r.controllers[name] = c
			r.logger.Info().Str(log.FieldEvent, "registry.stream_replaced").Str(log.FieldStream, name).Str(log.FieldURL, log.MaskURL(cfg.URL)).Msg("stream source changed")
			if wasActive[name] || cfg.Autostart {
				toStart = append(toStart, c)
			}
		}
	}
	r.order = order
	r.mu.Unlock()

	for _, c := range toStart {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
	}
	return nil
}

func stopAll(ctx context.Context, cs []*Controller) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range cs {
		g.Go(func() error { return c.Stop(gctx) })
	}
	return g.Wait()
}

func (r *Registry) get(name string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return c, nil
}

// Start starts recording name.
func (r *Registry) Start(ctx context.Context, name string) error {
	c, err := r.get(name)
	if err != nil {
		return err
	}
	return c.Start(ctx)
}

// Stop stops recording name.
func (r *Registry) Stop(ctx context.Context, name string) error {
	c, err := r.get(name)
	if err != nil {
		return err
	}
	return c.Stop(ctx)
}

// Status returns the status of name.
func (r *Registry) Status(name string) (Status, error) {
	c, err := r.get(name)
	if err != nil {
		return Status{}, err
	}
	return c.Status(), nil
}

// List returns every controller's status in configuration order.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		if c, ok := r.controllers[name]; ok {
			out = append(out, c.Status())
		}
	}
	return out
}

// ReportUpload routes an upload outcome to the owning controller. Outcomes
// for unknown streams are ignored.
func (r *Registry) ReportUpload(ctx context.Context, res upload.Result) {
	c, err := r.get(res.Stream)
	if err != nil {
		r.logger.Debug().Str(log.FieldEvent, "registry.report_ignored").Str(log.FieldStream, res.Stream).Msg("upload outcome for unknown stream")
		return
	}
	c.ReportUpload(ctx, res)
}

// Close stops every controller in parallel. Later Apply calls fail.
func (r *Registry) Close(ctx context.Context) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.closed = true

	r.mu.RLock()
	cs := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		cs = append(cs, c)
	}
	r.mu.RUnlock()
	return stopAll(ctx, cs)
}

var _ upload.Reporter = (*Registry)(nil)
