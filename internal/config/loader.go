// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "STREAMREC_"

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path the loader reads from (may be empty).
func (l *Loader) Path() string {
	return l.configPath
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseString(EnvPrefix+key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseBool(EnvPrefix+key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseInt(EnvPrefix+key, defaultVal)
}

func (l *Loader) envInt64(key string, defaultVal int64) int64 {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseInt64(EnvPrefix+key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseDuration(EnvPrefix+key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseFloat(EnvPrefix+key, defaultVal)
}

func (l *Loader) envLookup(key string) (string, bool) {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return os.LookupEnv(EnvPrefix + key)
}

// Load loads configuration with precedence: ENV > File > Defaults
// It enforces Strict Validated Order: Parse File (Strict) -> Apply Env -> Validate
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.mergeEnvConfig(&cfg); err != nil {
		return cfg, fmt.Errorf("merge env config: %w", err)
	}

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = defaultLedgerPath(cfg)
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func defaultLedgerPath(cfg AppConfig) string {
	switch cfg.Ledger.Backend {
	case "badger":
		return filepath.Join(cfg.DataDir, "ledger")
	case "memory":
		return ""
	default:
		return filepath.Join(cfg.DataDir, "ledger.db")
	}
}

// loadFile decodes a YAML file over cfg with STRICT parsing.
// Unknown fields will cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnvConfig applies STREAMREC_* overrides on top of file and defaults.
func (l *Loader) mergeEnvConfig(cfg *AppConfig) error {
	cfg.DataDir = l.envString("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = l.envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = l.envString("LOG_SERVICE", cfg.LogService)

	cfg.API.ListenAddr = l.envString("LISTEN", cfg.API.ListenAddr)
	cfg.API.RateLimit = l.envInt("API_RATE_LIMIT", cfg.API.RateLimit)

	cfg.Storage.Backend = l.envString("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Bucket = l.envString("S3_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Region = l.envString("S3_REGION", cfg.Storage.Region)
	cfg.Storage.Endpoint = l.envString("S3_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.PathStyle = l.envBool("S3_PATH_STYLE", cfg.Storage.PathStyle)
	cfg.Storage.Prefix = l.envString("S3_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.CredentialRef = l.envString("S3_CREDENTIAL_REF", cfg.Storage.CredentialRef)
	cfg.Storage.AccessKey = l.envString("S3_ACCESS_KEY", cfg.Storage.AccessKey)
	cfg.Storage.SecretKey = l.envString("S3_SECRET_KEY", cfg.Storage.SecretKey)

	cfg.Recording.SegmentDuration = l.envDuration("SEGMENT_DURATION", cfg.Recording.SegmentDuration)
	cfg.Recording.SegmentMaxBytes = l.envInt64("SEGMENT_MAX_BYTES", cfg.Recording.SegmentMaxBytes)
	cfg.Recording.Container = l.envString("CONTAINER", cfg.Recording.Container)
	cfg.Recording.StopGrace = l.envDuration("STOP_GRACE", cfg.Recording.StopGrace)

	cfg.Queue.CapacityPerStream = l.envInt("QUEUE_CAPACITY", cfg.Queue.CapacityPerStream)
	cfg.Queue.EnqueueTimeout = l.envDuration("ENQUEUE_TIMEOUT", cfg.Queue.EnqueueTimeout)
	cfg.Queue.SpoolMaxBytes = l.envInt64("SPOOL_MAX_BYTES", cfg.Queue.SpoolMaxBytes)

	cfg.Upload.Workers = l.envInt("UPLOAD_WORKERS", cfg.Upload.Workers)
	cfg.Upload.MaxBytesPerSecond = l.envInt64("UPLOAD_MAX_BPS", cfg.Upload.MaxBytesPerSecond)
	cfg.Upload.Retry.MaxAttempts = l.envInt("UPLOAD_MAX_ATTEMPTS", cfg.Upload.Retry.MaxAttempts)

	cfg.Ledger.Backend = l.envString("LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.Path = l.envString("LEDGER_PATH", cfg.Ledger.Path)

	cfg.Lease.Backend = l.envString("LEASE_BACKEND", cfg.Lease.Backend)
	cfg.Lease.RedisAddr = l.envString("REDIS_ADDR", cfg.Lease.RedisAddr)
	cfg.Lease.RedisPassword = l.envString("REDIS_PASSWORD", cfg.Lease.RedisPassword)
	cfg.Lease.RedisDB = l.envInt("REDIS_DB", cfg.Lease.RedisDB)

	cfg.FFmpeg.Bin = l.envString("FFMPEG_BIN", cfg.FFmpeg.Bin)

	cfg.Telemetry.Enabled = l.envBool("TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = l.envString("TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat("TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)

	if raw, ok := l.envLookup("STREAMS"); ok && strings.TrimSpace(raw) != "" {
		var streams []StreamConfig
		if err := json.Unmarshal([]byte(raw), &streams); err != nil {
			return fmt.Errorf("%sSTREAMS: invalid JSON list: %w", EnvPrefix, err)
		}
		cfg.Streams = streams
	}
	return nil
}
