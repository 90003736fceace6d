// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// AppConfig is the fully resolved, validated runtime configuration.
// Treat it as immutable once returned by Loader.Load.
type AppConfig struct {
	Version    string `yaml:"-"`
	DataDir    string `yaml:"dataDir"`
	LogLevel   string `yaml:"logLevel"`
	LogService string `yaml:"logService"`

	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Recording RecordingConfig `yaml:"recording"`
	Queue     QueueConfig     `yaml:"queue"`
	Upload    UploadConfig    `yaml:"upload"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Lease     LeaseConfig     `yaml:"lease"`
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Streams []StreamConfig `yaml:"streams"`
}

// StreamConfig describes one recorded stream. Name is the unique key.
type StreamConfig struct {
	Name          string `yaml:"name" json:"name"`
	URL           string `yaml:"url" json:"url"`
	CredentialRef string `yaml:"credentialRef,omitempty" json:"credentialRef,omitempty"`
	Autostart     bool   `yaml:"autostart,omitempty" json:"autostart,omitempty"`
}

// SameSource reports whether two configs point at the same source with the same
// credentials. A difference requires a controller restart.
func (s StreamConfig) SameSource(o StreamConfig) bool {
	return s.URL == o.URL && s.CredentialRef == o.CredentialRef
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	RateLimit       int           `yaml:"rateLimit"` // requests per minute per client IP
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig configures the object storage destination.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // s3 | memory
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	PathStyle     bool   `yaml:"pathStyle"`
	Prefix        string `yaml:"prefix"`
	CredentialRef string `yaml:"credentialRef"`
	AccessKey     string `yaml:"accessKey"`
	SecretKey     string `yaml:"secretKey"`
}

// BackoffConfig describes an exponential backoff schedule.
type BackoffConfig struct {
	BaseDelay   time.Duration `yaml:"baseDelay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// RecordingConfig tunes ingestion and segmentation.
type RecordingConfig struct {
	SegmentDuration time.Duration `yaml:"segmentDuration"`
	SegmentMaxBytes int64         `yaml:"segmentMaxBytes"`
	Container       string        `yaml:"container"` // mpegts | mp4
	ReadSize        int           `yaml:"readSize"`
	OpenTimeout     time.Duration `yaml:"openTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	StopGrace       time.Duration `yaml:"stopGrace"`
	RestartBackoff  BackoffConfig `yaml:"restartBackoff"`
}

// QueueConfig tunes the upload queue and its spill behaviour.
type QueueConfig struct {
	CapacityPerStream int           `yaml:"capacityPerStream"`
	EnqueueTimeout    time.Duration `yaml:"enqueueTimeout"`
	SpoolMaxBytes     int64         `yaml:"spoolMaxBytes"`
	MinFreeDiskBytes  int64         `yaml:"minFreeDiskBytes"`
}

// UploadConfig tunes the uploader and its worker pool.
type UploadConfig struct {
	Workers            int           `yaml:"workers"`
	MultipartThreshold int64         `yaml:"multipartThreshold"`
	PartSize           int64         `yaml:"partSize"`
	MaxBytesPerSecond  int64         `yaml:"maxBytesPerSecond"`
	AttemptTimeout     time.Duration `yaml:"attemptTimeout"`
	Retry              BackoffConfig `yaml:"retry"`
}

// LedgerConfig selects the durable bookkeeping backend.
type LedgerConfig struct {
	Backend string `yaml:"backend"` // sqlite | badger | memory
	Path    string `yaml:"path"`
}

// LeaseConfig selects how single-session-per-stream is enforced.
type LeaseConfig struct {
	Backend       string        `yaml:"backend"` // memory | redis
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	TTL           time.Duration `yaml:"ttl"`
}

// FFmpegConfig configures the capture process.
type FFmpegConfig struct {
	Bin           string        `yaml:"bin"`
	RTSPTransport string        `yaml:"rtspTransport"`
	KillGrace     time.Duration `yaml:"killGrace"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // grpc | http
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

const (
	KiB = int64(1024)
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// Defaults returns the baseline configuration before file and environment overrides.
func Defaults() AppConfig {
	return AppConfig{
		DataDir:    "/var/lib/streamrec",
		LogLevel:   "info",
		LogService: "streamrec",
		API: APIConfig{
			ListenAddr:      ":8080",
			RateLimit:       600,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "s3",
			Region:  "us-east-1",
		},
		Recording: RecordingConfig{
			SegmentDuration: 60 * time.Second,
			Container:       "mpegts",
			ReadSize:        int(MiB),
			OpenTimeout:     15 * time.Second,
			ReadTimeout:     30 * time.Second,
			StopGrace:       15 * time.Second,
			RestartBackoff: BackoffConfig{
				BaseDelay:  2 * time.Second,
				Multiplier: 2,
				MaxDelay:   2 * time.Minute,
				Jitter:     0.2,
			},
		},
		Queue: QueueConfig{
			CapacityPerStream: 8,
			EnqueueTimeout:    5 * time.Second,
			SpoolMaxBytes:     10 * GiB,
			MinFreeDiskBytes:  512 * MiB,
		},
		Upload: UploadConfig{
			Workers:            4,
			MultipartThreshold: 16 * MiB,
			PartSize:           8 * MiB,
			AttemptTimeout:     5 * time.Minute,
			Retry: BackoffConfig{
				BaseDelay:   time.Second,
				Multiplier:  2,
				MaxDelay:    time.Minute,
				Jitter:      0.2,
				MaxAttempts: 6,
			},
		},
		Ledger: LedgerConfig{
			Backend: "sqlite",
		},
		Lease: LeaseConfig{
			Backend: "memory",
			TTL:     30 * time.Second,
		},
		FFmpeg: FFmpegConfig{
			Bin:           "ffmpeg",
			RTSPTransport: "tcp",
			KillGrace:     5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 0.1,
			Environment:  "production",
		},
	}
}
