// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ingest connects to live RTSP/RTMP sources and yields their bytes
// without transcoding.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConnection matches any *ConnectionError.
	ErrConnection = errors.New("ingest: cannot connect to source")
	// ErrAuthRejected matches a *ConnectionError caused by rejected credentials.
	ErrAuthRejected = errors.New("ingest: source rejected credentials")
	// ErrStreamInterrupted is returned by Session.Read when a source stops
	// delivering data after it had started.
	ErrStreamInterrupted = errors.New("ingest: stream interrupted")
)

// Chunk is a contiguous run of source bytes stamped with the wall-clock time
// it was read.
type Chunk struct {
	Data []byte
	At   time.Time
}

// Source opens ingestion sessions.
type Source interface {
	Open(ctx context.Context, url string) (Session, error)
}

// Session is a single live connection to a source.
type Session interface {
	// Read blocks until the next chunk is available. After Close it drains
	// already-read data and then returns io.EOF.
	Read(ctx context.Context) (Chunk, error)
	// Close is idempotent and unblocks Read.
	Close() error
}

// ConnectionError reports a failure to establish a session.
type ConnectionError struct {
	URL    string // masked
	Auth   bool
	Err    error
	Stderr []string
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "connect %s", e.URL)
	if e.Auth {
		b.WriteString(": authentication rejected")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Stderr) > 0 {
		fmt.Fprintf(&b, " (stderr: %s)", strings.Join(e.Stderr, " | "))
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrConnection, and ErrAuthRejected for auth failures.
func (e *ConnectionError) Is(target error) bool {
	switch target {
	case ErrConnection:
		return true
	case ErrAuthRejected:
		return e.Auth
	}
	return false
}

// Kind returns a short label for metrics and status ("auth", "connect", "interrupted").
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrAuthRejected):
		return "auth"
	case errors.Is(err, ErrConnection):
		return "connect"
	case errors.Is(err, ErrStreamInterrupted):
		return "interrupted"
	default:
		return "other"
	}
}

var authMarkers = []string{"401", "403", "Unauthorized", "Forbidden"}

func looksLikeAuthFailure(lines []string) bool {
	for _, line := range lines {
		for _, m := range authMarkers {
			if strings.Contains(line, m) {
				return true
			}
		}
	}
	return false
}
