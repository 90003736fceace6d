// SPDX-License-Identifier: MIT

// Package daemon wires the recorder components together and owns their lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ManuGH/streamrec/internal/api"
	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/health"
	"github.com/ManuGH/streamrec/internal/ingest"
	"github.com/ManuGH/streamrec/internal/lease"
	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/queue"
	"github.com/ManuGH/streamrec/internal/recorder"
	"github.com/ManuGH/streamrec/internal/spool"
	"github.com/ManuGH/streamrec/internal/storage"
	"github.com/ManuGH/streamrec/internal/telemetry"
	"github.com/ManuGH/streamrec/internal/upload"
	"github.com/rs/zerolog"
)

// BuildOptions override components that are otherwise derived from config.
type BuildOptions struct {
	// Source replaces the ffmpeg capture source.
	Source ingest.Source
	// Store replaces the object store selected by storage.backend.
	Store storage.ObjectStore
	// Owner identifies this process in session leases. Defaults to host:pid.
	Owner string
	// ConfigHolder enables the reload endpoint.
	ConfigHolder api.ConfigHolder
}

// Runtime is the fully wired daemon.
type Runtime struct {
	Config   config.AppConfig
	Ledger   ledger.Store
	Spool    *spool.Spool
	Queue    *queue.Queue
	Store    storage.ObjectStore
	Uploader *upload.Uploader
	Pool     *upload.Pool
	Leases   lease.Manager
	Registry *recorder.Registry
	Health   *health.Manager
	API      *api.Server
	Manager  *Manager

	logger zerolog.Logger
}

// SpoolDir returns the spool root under dataDir.
func SpoolDir(dataDir string) string { return filepath.Join(dataDir, "spool") }

// Build opens every component in dependency order. On error, everything opened
// so far is closed again. Nothing runs until Manager.Start.
func Build(ctx context.Context, cfg config.AppConfig, opts BuildOptions) (rt *Runtime, err error) {
	logger := log.WithComponent("daemon")
	mgr := NewManager(cfg.API.ShutdownTimeout)
	rt = &Runtime{Config: cfg, Manager: mgr, logger: logger}

	// Undo partial construction.
	defer func() {
		if err != nil {
			_ = mgr.runHooks(context.Background())
			rt = nil
		}
	}()

	if cfg.Telemetry.Enabled {
		provider, terr := telemetry.NewProvider(ctx, telemetry.Config{
			Enabled:        true,
			ServiceName:    cfg.LogService,
			ServiceVersion: cfg.Version,
			Environment:    cfg.Telemetry.Environment,
			ExporterType:   cfg.Telemetry.Exporter,
			Endpoint:       cfg.Telemetry.Endpoint,
			SamplingRate:   cfg.Telemetry.SamplingRate,
		})
		if terr != nil {
			logger.Warn().Err(terr).Str(log.FieldEvent, "telemetry.init_failed").Msg("telemetry initialization failed, continuing without tracing")
		} else {
			mgr.RegisterShutdownHook("telemetry", provider.Shutdown)
		}
	}

	if err = os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return rt, fmt.Errorf("create data dir: %w", err)
	}

	if rt.Ledger, err = ledger.Open(ctx, cfg.Ledger.Backend, cfg.Ledger.Path); err != nil {
		return rt, fmt.Errorf("open ledger: %w", err)
	}
	mgr.RegisterShutdownHook("ledger", func(context.Context) error { return rt.Ledger.Close() })

	if rt.Spool, err = spool.Open(SpoolDir(cfg.DataDir), cfg.Queue.SpoolMaxBytes, cfg.Queue.MinFreeDiskBytes); err != nil {
		return rt, fmt.Errorf("open spool: %w", err)
	}

	rt.Store = opts.Store
	if rt.Store == nil {
		if rt.Store, err = OpenStore(ctx, cfg.Storage); err != nil {
			return rt, err
		}
	}
	if perr := storage.Probe(ctx, rt.Store); perr != nil {
		if errors.Is(perr, storage.ErrInvalidAuth) {
			return rt, perr
		}
		logger.Warn().Err(perr).Str(log.FieldEvent, "storage.unreachable").Msg("object storage unreachable at startup, uploads will retry")
	}

	if rt.Leases, err = lease.Open(ctx, cfg.Lease.Backend, lease.RedisOptions{
		Addr:     cfg.Lease.RedisAddr,
		Password: cfg.Lease.RedisPassword,
		DB:       cfg.Lease.RedisDB,
	}); err != nil {
		return rt, fmt.Errorf("open leases: %w", err)
	}
	mgr.RegisterShutdownHook("leases", func(context.Context) error { return rt.Leases.Close() })

	rt.Queue = queue.New(queue.Options{
		CapacityPerStream: cfg.Queue.CapacityPerStream,
		EnqueueTimeout:    cfg.Queue.EnqueueTimeout,
	}, rt.Spool, rt.Ledger)
	recovered, rerr := rt.Queue.Recover(ctx)
	if rerr != nil {
		return rt, fmt.Errorf("recover spool: %w", rerr)
	}
	if recovered > 0 {
		logger.Info().Str(log.FieldEvent, "queue.recovered").Int("segments", recovered).Msg("re-queued spooled segments from a previous run")
	}

	rt.Uploader = upload.New(rt.Store, rt.Spool, rt.Ledger, UploadOptions(cfg))

	source := opts.Source
	if source == nil {
		source = ingest.NewFFmpegSource(ingest.FFmpegOptions{
			Bin:           cfg.FFmpeg.Bin,
			RTSPTransport: cfg.FFmpeg.RTSPTransport,
			Container:     cfg.Recording.Container,
			ReadSize:      cfg.Recording.ReadSize,
			OpenTimeout:   cfg.Recording.OpenTimeout,
			ReadTimeout:   cfg.Recording.ReadTimeout,
			KillGrace:     cfg.FFmpeg.KillGrace,
		})
	}
	owner := opts.Owner
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}

	// Controllers outlive request contexts; the registry is stopped by its hook.
	rt.Registry = recorder.NewRegistry(context.WithoutCancel(ctx), recorder.Deps{
		Source: source,
		Queue:  rt.Queue,
		Ledger: rt.Ledger,
		Leases: rt.Leases,
		Owner:  owner,
	}, recorder.OptionsFromConfig(cfg))
	rt.Pool = upload.NewPool(rt.Queue, rt.Uploader, cfg.Upload.Workers, rt.Registry)

	rt.Health = health.NewManager(cfg.Version)
	rt.Health.RegisterChecker(health.SpoolChecker(rt.Spool.HasRoom, cfg.Recording.SegmentMaxBytes))
	rt.Health.RegisterChecker(health.StreamsChecker(rt.fatalStreams))
	rt.Health.RegisterChecker(health.ProbeChecker("storage", func(ctx context.Context) error {
		return storage.Probe(ctx, rt.Store)
	}))

	rt.API = api.New(cfg.API, api.Deps{
		Recorders: rt.Registry,
		Ledger:    rt.Ledger,
		Config:    opts.ConfigHolder,
		Health:    rt.Health,
	})

	rt.registerPipeline()
	return rt, nil
}

// registerPipeline registers the upload pool and API server plus the hooks
// that stop them. Hooks run in reverse: API, recorders, drain, workers.
func (rt *Runtime) registerPipeline() {
	poolCtx, stopPool := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	rt.Manager.Go("upload", func(context.Context) error {
		defer close(poolDone)
		return rt.Pool.Run(poolCtx)
	})
	rt.Manager.RegisterShutdownHook("queue", func(ctx context.Context) error {
		stopPool()
		select {
		case <-poolDone:
		case <-ctx.Done():
		}
		rt.Queue.Close()
		return nil
	})
	rt.Manager.RegisterShutdownHook("drain", func(ctx context.Context) error {
		// Leave the workers half the budget to hand back in-flight tasks.
		ctx, cancel := context.WithTimeout(ctx, rt.Manager.shutdownTimeout/2)
		defer cancel()
		if err := rt.Queue.Drain(ctx); err != nil {
			rt.logger.Warn().Err(err).
				Str(log.FieldEvent, "queue.drain_incomplete").
				Int("pending", rt.Queue.Len()).
				Msg("shutdown before all segments were uploaded, remainder stays in the spool")
		}
		return nil
	})
	rt.Manager.RegisterShutdownHook("recorders", rt.Registry.Close)

	if rt.Config.API.ListenAddr != "" {
		rt.Manager.Go("api", func(context.Context) error { return rt.API.ListenAndServe() })
		rt.Manager.RegisterShutdownHook("api", rt.API.Shutdown)
	}
}

func (rt *Runtime) fatalStreams() []string {
	var out []string
	for _, st := range rt.Registry.List() {
		if st.Fatal {
			out = append(out, st.Name)
		}
	}
	return out
}

// OpenStore constructs the object store selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case "", "s3":
		accessKey, secretKey := cfg.AccessKey, cfg.SecretKey
		if cfg.CredentialRef != "" {
			cred, err := config.ResolveStorageCredential(cfg.CredentialRef)
			if err != nil {
				return nil, fmt.Errorf("resolve storage credential: %w", err)
			}
			accessKey, secretKey = cred.Username, cred.Password
		}
		s, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
			AccessKey: accessKey,
			SecretKey: secretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 store: %w", err)
		}
		return s, nil
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStorageBackend, cfg.Backend)
	}
}

// UploadOptions derives uploader options from cfg.
func UploadOptions(cfg config.AppConfig) upload.Options {
	r := cfg.Upload.Retry
	return upload.Options{
		Prefix:             cfg.Storage.Prefix,
		MultipartThreshold: cfg.Upload.MultipartThreshold,
		PartSize:           cfg.Upload.PartSize,
		MaxBytesPerSecond:  cfg.Upload.MaxBytesPerSecond,
		AttemptTimeout:     cfg.Upload.AttemptTimeout,
		Retry: upload.RetryPolicy{
			BaseDelay:   r.BaseDelay,
			Multiplier:  r.Multiplier,
			MaxDelay:    r.MaxDelay,
			Jitter:      r.Jitter,
			MaxAttempts: r.MaxAttempts,
		},
	}
}
