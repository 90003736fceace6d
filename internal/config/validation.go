// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"strings"

	"github.com/ManuGH/streamrec/internal/validate"
)

// minPartSize is the smallest part most S3 implementations accept for
// non-final parts of a multipart upload.
const minPartSize = 5 * MiB

// Validate performs comprehensive validation on the configuration
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.Directory("dataDir", cfg.DataDir, false)
	v.OneOf("logLevel", strings.ToLower(cfg.LogLevel), []string{"trace", "debug", "info", "warn", "error"})

	if cfg.API.ListenAddr == "" {
		v.AddError("api.listenAddr", "listen address cannot be empty", cfg.API.ListenAddr)
	}
	v.NonNegative("api.rateLimit", int64(cfg.API.RateLimit))

	validateStorage(v, cfg.Storage)

	r := cfg.Recording
	v.PositiveDuration("recording.segmentDuration", r.SegmentDuration)
	v.NonNegative("recording.segmentMaxBytes", r.SegmentMaxBytes)
	v.OneOf("recording.container", r.Container, []string{"mpegts", "mp4"})
	v.Positive("recording.readSize", r.ReadSize)
	v.PositiveDuration("recording.openTimeout", r.OpenTimeout)
	v.PositiveDuration("recording.readTimeout", r.ReadTimeout)
	v.PositiveDuration("recording.stopGrace", r.StopGrace)
	validateBackoff(v, "recording.restartBackoff", r.RestartBackoff, false)

	q := cfg.Queue
	v.Positive("queue.capacityPerStream", q.CapacityPerStream)
	v.PositiveDuration("queue.enqueueTimeout", q.EnqueueTimeout)
	v.NonNegative("queue.spoolMaxBytes", q.SpoolMaxBytes)
	v.NonNegative("queue.minFreeDiskBytes", q.MinFreeDiskBytes)

	u := cfg.Upload
	v.Range("upload.workers", u.Workers, 1, 256)
	v.NonNegative("upload.maxBytesPerSecond", u.MaxBytesPerSecond)
	v.PositiveDuration("upload.attemptTimeout", u.AttemptTimeout)
	if u.PartSize < minPartSize {
		v.AddError("upload.partSize", fmt.Sprintf("must be at least %d bytes", minPartSize), u.PartSize)
	}
	if u.MultipartThreshold < u.PartSize {
		v.AddError("upload.multipartThreshold", "must be >= upload.partSize", u.MultipartThreshold)
	}
	validateBackoff(v, "upload.retry", u.Retry, true)

	v.OneOf("ledger.backend", cfg.Ledger.Backend, []string{"sqlite", "badger", "memory"})
	if cfg.Ledger.Backend != "memory" && cfg.Ledger.Path == "" {
		v.AddError("ledger.path", "path is required for persistent ledger backends", cfg.Ledger.Path)
	}

	v.OneOf("lease.backend", cfg.Lease.Backend, []string{"memory", "redis"})
	if cfg.Lease.Backend == "redis" {
		v.NotEmpty("lease.redisAddr", cfg.Lease.RedisAddr)
	}
	v.PositiveDuration("lease.ttl", cfg.Lease.TTL)

	v.NotEmpty("ffmpeg.bin", cfg.FFmpeg.Bin)
	v.OneOf("ffmpeg.rtspTransport", cfg.FFmpeg.RTSPTransport, []string{"tcp", "udp"})

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("telemetry.samplingRate", "must be between 0 and 1", cfg.Telemetry.SamplingRate)
		}
	}

	ValidateStreams(v, cfg.Streams)

	return v.Err()
}

// ValidateStreams checks a stream list in isolation. Names must be unique.
func ValidateStreams(v *validate.Validator, streams []StreamConfig) {
	seen := make(map[string]struct{}, len(streams))
	for i, s := range streams {
		field := fmt.Sprintf("streams[%d]", i)
		v.Name(field+".name", s.Name)
		v.SourceURL(field+".url", s.URL)
		if s.CredentialRef != "" && !validCredentialRef(s.CredentialRef) {
			v.AddError(field+".credentialRef", "must start with env: or file:", s.CredentialRef)
		}
		if _, dup := seen[s.Name]; dup {
			v.AddError(field+".name", fmt.Sprintf("duplicate stream name %q", s.Name), s.Name)
		}
		seen[s.Name] = struct{}{}
	}
}

func validateStorage(v *validate.Validator, s StorageConfig) {
	v.OneOf("storage.backend", s.Backend, []string{"s3", "memory"})
	if s.Backend != "s3" {
		return
	}
	v.NotEmpty("storage.bucket", s.Bucket)
	v.NotEmpty("storage.region", s.Region)
	if s.Endpoint != "" {
		v.URL("storage.endpoint", s.Endpoint, []string{"http", "https"})
	}
	if s.CredentialRef != "" && !validCredentialRef(s.CredentialRef) {
		v.AddError("storage.credentialRef", "must start with env: or file:", s.CredentialRef)
	}
	if (s.AccessKey == "") != (s.SecretKey == "") {
		v.AddError("storage.accessKey", "accessKey and secretKey must be set together", "")
	}
}

func validateBackoff(v *validate.Validator, field string, b BackoffConfig, needAttempts bool) {
	v.PositiveDuration(field+".baseDelay", b.BaseDelay)
	v.DurationOrder(field+".maxDelay", b.BaseDelay, b.MaxDelay)
	if b.Multiplier < 1 {
		v.AddError(field+".multiplier", "must be >= 1", b.Multiplier)
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		v.AddError(field+".jitter", "must be between 0 and 1", b.Jitter)
	}
	if needAttempts {
		v.Range(field+".maxAttempts", b.MaxAttempts, 1, 100)
	}
}

func validCredentialRef(ref string) bool {
	return strings.HasPrefix(ref, credEnvPrefix) || strings.HasPrefix(ref, credFilePrefix)
}
