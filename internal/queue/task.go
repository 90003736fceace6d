// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package queue

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/ManuGH/streamrec/internal/segment"
	"github.com/ManuGH/streamrec/internal/spool"
)

// Status is the lifecycle state of an upload task.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Body is a task payload reader. Parts of a multipart upload are read through ReaderAt.
type Body interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// Task is one finalized segment awaiting upload. Either Segment.Payload holds
// the bytes or Spooled points at the on-disk copy.
type Task struct {
	ID         string
	Segment    segment.Segment
	Spooled    *spool.Entry
	Attempts   int
	Status     Status
	EnqueuedAt time.Time
}

// Stream returns the owning stream name.
func (t *Task) Stream() string { return t.Segment.Stream }

// Sequence returns the segment sequence number.
func (t *Task) Sequence() uint64 { return t.Segment.Sequence }

// Size returns the payload size in bytes.
func (t *Task) Size() int64 {
	if t.Spooled != nil {
		return t.Spooled.Size
	}
	return t.Segment.Size()
}

// Key returns the storage key for the task's segment.
func (t *Task) Key(prefix string) string { return t.Segment.Key(prefix) }

// Open returns a fresh reader over the payload. Every upload attempt opens its own body.
func (t *Task) Open() (Body, error) {
	if t.Spooled != nil {
		return os.Open(t.Spooled.Path)
	}
	return memBody{bytes.NewReader(t.Segment.Payload)}, nil
}

type memBody struct{ *bytes.Reader }

func (memBody) Close() error { return nil }
