// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ingest

import (
	"bytes"
	"sync"
)

// maxPartialLine bounds the buffered unterminated line.
const maxPartialLine = 4096

// LineRing is a thread-safe ring buffer for capturing the last N lines of log output.
type LineRing struct {
	mu      sync.Mutex
	lines   []string
	head    int
	count   int
	partial []byte
}

// NewLineRing creates a LineRing with the specified capacity.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 50
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Write implements io.Writer. Partial lines are held until their newline arrives.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.partial = append(r.partial, data...)
			if len(r.partial) > maxPartialLine {
				r.push(string(r.partial))
				r.partial = r.partial[:0]
			}
			return len(p), nil
		}
		line := append(r.partial, data[:i]...)
		r.partial = r.partial[:0]
		r.push(string(bytes.TrimRight(line, "\r")))
		data = data[i+1:]
	}
}

func (r *LineRing) push(line string) {
	if line == "" {
		return
	}
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// LastN returns the last N lines in chronological order, including a pending
// unterminated line.
func (r *LineRing) LastN(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]string, 0, r.count+1)
	start := (r.head - r.count + len(r.lines)) % len(r.lines)
	for i := 0; i < r.count; i++ {
		ordered = append(ordered, r.lines[(start+i)%len(r.lines)])
	}
	if len(r.partial) > 0 {
		ordered = append(ordered, string(r.partial))
	}
	if len(ordered) <= n {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
