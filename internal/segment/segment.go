// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package segment cuts a continuous byte stream into time-bounded, numbered
// segments and derives their storage keys.
package segment

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ManuGH/streamrec/internal/ingest"
	"github.com/ManuGH/streamrec/internal/metrics"
)

// Segment is a finalized, contiguous slice of a stream.
type Segment struct {
	Stream   string
	Sequence uint64
	Start    time.Time
	End      time.Time
	Ext      string
	Payload  []byte
}

// Size returns the payload length in bytes.
func (s Segment) Size() int64 { return int64(len(s.Payload)) }

// Key returns the object key: [prefix/]{stream}/{YYYY-MM-DD}/{YYYYMMDDTHHMMSSZ}_{seq}.{ext}.
// Start is rendered in UTC so keys sort chronologically within a day.
func (s Segment) Key(prefix string) string {
	return KeyFor(prefix, s.Stream, s.Sequence, s.Start, s.Ext)
}

// KeyFor builds a key from segment metadata without a payload.
func KeyFor(prefix, stream string, seq uint64, start time.Time, ext string) string {
	start = start.UTC()
	name := fmt.Sprintf("%s_%d.%s", start.Format("20060102T150405Z"), seq, ext)
	parts := []string{stream, start.Format("2006-01-02"), name}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append([]string{p}, parts...)
	}
	return path.Join(parts...)
}

// Sequencer hands out the next sequence number for a stream.
type Sequencer interface {
	Next(ctx context.Context) (uint64, error)
}

// SequencerFunc adapts a function to Sequencer.
type SequencerFunc func(ctx context.Context) (uint64, error)

// Next calls f.
func (f SequencerFunc) Next(ctx context.Context) (uint64, error) { return f(ctx) }

// EmitFunc receives each finalized segment. A non-nil error keeps the segment
// buffered so the next Write or Flush retries it with the same sequence.
type EmitFunc func(ctx context.Context, seg Segment) error

// Options configures a Segmenter.
type Options struct {
	Stream   string
	Ext      string
	Duration time.Duration
	MaxBytes int64 // 0 disables the size cut
}

// Segmenter accumulates chunks and emits a Segment whenever the configured
// duration (or size) is reached. It is not safe for concurrent use.
type Segmenter struct {
	opts Options
	seq  Sequencer
	emit EmitFunc

	buf     []byte
	start   time.Time
	end     time.Time
	pending *uint64
	ready   bool
}

// New creates a Segmenter.
func New(opts Options, seq Sequencer, emit EmitFunc) *Segmenter {
	if opts.Duration <= 0 {
		opts.Duration = time.Minute
	}
	if opts.Ext == "" {
		opts.Ext = "ts"
	}
	return &Segmenter{opts: opts, seq: seq, emit: emit}
}

// Write appends a chunk. When the chunk closes the current window the whole
// buffer, including this chunk, is emitted.
func (s *Segmenter) Write(ctx context.Context, c ingest.Chunk) error {
	if s.ready {
		// A previous emit failed; retry before accepting more data.
		if err := s.cut(ctx); err != nil {
			return err
		}
	}
	if len(c.Data) == 0 {
		return nil
	}
	if len(s.buf) == 0 {
		s.start = c.At
	}
	s.buf = append(s.buf, c.Data...)
	s.end = c.At

	if c.At.Sub(s.start) >= s.opts.Duration || (s.opts.MaxBytes > 0 && int64(len(s.buf)) >= s.opts.MaxBytes) {
		s.ready = true
		return s.cut(ctx)
	}
	return nil
}

// Flush emits the partial buffer. It never emits an empty segment.
func (s *Segmenter) Flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	s.ready = true
	return s.cut(ctx)
}

// Buffered returns the number of bytes not yet emitted.
func (s *Segmenter) Buffered() int { return len(s.buf) }

func (s *Segmenter) cut(ctx context.Context) error {
	if s.pending == nil {
		n, err := s.seq.Next(ctx)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		s.pending = &n
	}

	seg := Segment{
		Stream:   s.opts.Stream,
		Sequence: *s.pending,
		Start:    s.start,
		End:      s.end,
		Ext:      s.opts.Ext,
		Payload:  s.buf,
	}
	if err := s.emit(ctx, seg); err != nil {
		return fmt.Errorf("emit segment %d: %w", seg.Sequence, err)
	}

	metrics.RecordSegment(seg.Stream, len(seg.Payload))
	s.buf = nil
	s.pending = nil
	s.ready = false
	return nil
}
