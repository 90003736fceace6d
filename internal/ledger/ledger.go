// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ledger persists the recorder's durable bookkeeping: per-stream
// sequence counters, dead-letter records and queue overflow events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Dead-letter kinds.
const (
	KindExhausted = "exhausted"
	KindPermanent = "permanent"
)

// Overflow reasons.
const (
	ReasonEnqueueTimeout = "enqueue_timeout"
	ReasonSpoolFull      = "spool_full"
)

// DeadLetter records a segment whose upload terminally failed. Its payload is
// retained at LocalPath.
type DeadLetter struct {
	ID        string    `json:"id"`
	Stream    string    `json:"stream"`
	Sequence  uint64    `json:"sequence"`
	Key       string    `json:"key"`
	Attempts  int       `json:"attempts"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	LocalPath string    `json:"local_path"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// OverflowEvent records a queue overflow for a stream.
type OverflowEvent struct {
	Stream   string    `json:"stream"`
	Sequence uint64    `json:"sequence"`
	Reason   string    `json:"reason"`
	Bytes    int64     `json:"bytes"`
	At       time.Time `json:"at"`
}

// Store is the ledger contract shared by all backends.
type Store interface {
	// NextSequence returns the next unused sequence for stream and advances the
	// counter. The first call for a stream returns 0.
	NextSequence(ctx context.Context, stream string) (uint64, error)
	// EnsureSequenceAtLeast raises the counter so NextSequence returns >= n.
	// It never lowers the counter.
	EnsureSequenceAtLeast(ctx context.Context, stream string, n uint64) error

	PutDeadLetter(ctx context.Context, dl DeadLetter) error
	// ListDeadLetters returns records ordered by creation time. An empty
	// stream lists all streams.
	ListDeadLetters(ctx context.Context, stream string) ([]DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	RecordOverflow(ctx context.Context, ev OverflowEvent) error
	OverflowCount(ctx context.Context, stream string) (int, error)

	Close() error
}

// Open creates a Store based on the backend configuration.
func Open(ctx context.Context, backend, path string) (Store, error) {
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSqliteStore(ctx, path)
	case "badger":
		return OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", backend)
	}
}
