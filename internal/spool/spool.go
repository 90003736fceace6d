// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package spool keeps segment payloads on local disk: segments spilled by a
// full upload queue and dead letters retained after terminal upload failure.
//
// Layout under the root:
//
//	pending/<stream>/<seq:020d>_<startMs>_<endMs>.<ext>
//	dead/<stream>/<seq:020d>_<startMs>_<endMs>.<ext>
package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/streamrec/internal/metrics"
	"github.com/google/renameio/v2"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	pendingDir = "pending"
	deadDir    = "dead"
)

// ErrFull is returned by Put when the spool quota or free-disk floor would be crossed.
var ErrFull = errors.New("spool: full")

// Entry describes one spooled payload.
type Entry struct {
	Path     string
	Stream   string
	Sequence uint64
	Start    time.Time
	End      time.Time
	Ext      string
	Size     int64
}

// Spool is a quota-bounded on-disk payload store. Safe for concurrent use.
type Spool struct {
	root     string
	maxBytes int64
	minFree  int64

	// freeBytes reports free space on the spool filesystem; replaceable in tests.
	freeBytes func(path string) (uint64, error)

	mu   sync.Mutex
	used int64
	// dead counts dead-letter bytes. They are outside maxBytes but new dead
	// writes still respect minFree.
	dead int64
}

// Open prepares the spool directories under root and accounts for pending
// payloads already on disk. maxBytes <= 0 disables the quota; minFree <= 0
// disables the free-disk check.
func Open(root string, maxBytes, minFree int64) (*Spool, error) {
	for _, dir := range []string{filepath.Join(root, pendingDir), filepath.Join(root, deadDir)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("spool: create %s: %w", dir, err)
		}
	}
	s := &Spool{root: root, maxBytes: maxBytes, minFree: minFree, freeBytes: diskFree}

	entries, err := s.Scan()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		s.used += e.Size
	}
	dead, err := dirSize(filepath.Join(root, deadDir))
	if err != nil {
		return nil, fmt.Errorf("spool: size dead letters: %w", err)
	}
	s.dead = dead
	metrics.SpoolBytes.Set(float64(s.used))
	metrics.SpoolDeadBytes.Set(float64(s.dead))
	return s, nil
}

func dirSize(root string) (int64, error) {
	var n int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n += info.Size()
		return nil
	})
	return n, err
}

func diskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Root returns the spool root directory.
func (s *Spool) Root() string { return s.root }

// Used returns bytes held by pending payloads.
func (s *Spool) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// HasRoom reports whether n more bytes fit under the quota and the free-disk floor.
func (s *Spool) HasRoom(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRoomLocked(n)
}

func (s *Spool) hasRoomLocked(n int64) bool {
	if s.maxBytes > 0 && s.used+n > s.maxBytes {
		return false
	}
	return s.aboveFloor(n)
}

// aboveFloor reports whether writing n bytes keeps the filesystem above minFree.
func (s *Spool) aboveFloor(n int64) bool {
	if s.minFree <= 0 {
		return true
	}
	free, err := s.freeBytes(s.root)
	return err != nil || int64(free)-n >= s.minFree // #nosec G115 -- free disk fits int64
}

// DeadBytes returns bytes held in the dead-letter area.
func (s *Spool) DeadBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func (s *Spool) addDead(n int64) {
	s.mu.Lock()
	s.dead += n
	dead := s.dead
	s.mu.Unlock()
	metrics.SpoolDeadBytes.Set(float64(dead))
}

// FileName returns the spool file name for a segment.
func FileName(seq uint64, start, end time.Time, ext string) string {
	return fmt.Sprintf("%020d_%d_%d.%s", seq, start.UnixMilli(), end.UnixMilli(), ext)
}

// Put durably writes payload to the pending area. It returns ErrFull without
// writing when the payload does not fit.
func (s *Spool) Put(stream string, seq uint64, start, end time.Time, ext string, payload []byte) (Entry, error) {
	size := int64(len(payload))

	s.mu.Lock()
	if !s.hasRoomLocked(size) {
		s.mu.Unlock()
		return Entry{}, ErrFull
	}
	// Reserve before writing so concurrent producers cannot overshoot the quota.
	s.used += size
	s.mu.Unlock()

	dir := filepath.Join(s.root, pendingDir, stream)
	path := filepath.Join(dir, FileName(seq, start, end, ext))
	if err := writeDurable(dir, path, payload); err != nil {
		s.release(size)
		return Entry{}, err
	}
	metrics.SpoolBytes.Set(float64(s.Used()))

	return Entry{Path: path, Stream: stream, Sequence: seq, Start: start, End: end, Ext: ext, Size: size}, nil
}

func writeDurable(dir, path string, payload []byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("spool: create %s: %w", dir, err)
	}
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return fmt.Errorf("spool: create pending file: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := pf.Write(payload); err != nil {
		return fmt.Errorf("spool: write %s: %w", path, err)
	}
	// fsync + rename so a crash never leaves a truncated payload under its final name.
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("spool: commit %s: %w", path, err)
	}
	return nil
}

func (s *Spool) release(n int64) {
	s.mu.Lock()
	s.used -= n
	if s.used < 0 {
		s.used = 0
	}
	used := s.used
	s.mu.Unlock()
	metrics.SpoolBytes.Set(float64(used))
}

// Open opens a pending entry for reading.
func (s *Spool) Open(e Entry) (*os.File, error) {
	return os.Open(e.Path)
}

// Remove deletes a pending entry and releases its quota.
func (s *Spool) Remove(e Entry) error {
	err := os.Remove(e.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: remove %s: %w", e.Path, err)
	}
	if err == nil {
		s.release(e.Size)
	}
	return nil
}

// MoveToDead moves a pending entry into the dead-letter area and returns its new path.
func (s *Spool) MoveToDead(e Entry) (string, error) {
	dir := filepath.Join(s.root, deadDir, e.Stream)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("spool: create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(e.Path))
	if err := os.Rename(e.Path, dst); err != nil {
		return "", fmt.Errorf("spool: move to dead letters: %w", err)
	}
	s.release(e.Size)
	s.addDead(e.Size)
	return dst, nil
}

// WriteDead durably writes an in-memory payload into the dead-letter area. It
// returns ErrFull without writing when the free-disk floor would be crossed.
func (s *Spool) WriteDead(stream string, seq uint64, start, end time.Time, ext string, payload []byte) (string, error) {
	size := int64(len(payload))
	s.mu.Lock()
	ok := s.aboveFloor(size)
	s.mu.Unlock()
	if !ok {
		return "", ErrFull
	}

	dir := filepath.Join(s.root, deadDir, stream)
	path := filepath.Join(dir, FileName(seq, start, end, ext))
	if err := writeDurable(dir, path, payload); err != nil {
		return "", err
	}
	s.addDead(size)
	return path, nil
}

// Scan lists pending entries left on disk, ordered by stream then sequence.
// Files that do not follow the naming scheme are ignored.
func (s *Spool) Scan() ([]Entry, error) {
	base := filepath.Join(s.root, pendingDir)
	streams, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("spool: scan: %w", err)
	}

	var out []Entry
	for _, sd := range streams {
		if !sd.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(base, sd.Name()))
		if err != nil {
			return nil, fmt.Errorf("spool: scan %s: %w", sd.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			e, ok := parseName(f.Name())
			if !ok {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			e.Stream = sd.Name()
			e.Path = filepath.Join(base, sd.Name(), f.Name())
			e.Size = info.Size()
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stream != out[j].Stream {
			return out[i].Stream < out[j].Stream
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func parseName(name string) (Entry, bool) {
	stem, ext, ok := strings.Cut(name, ".")
	if !ok || ext == "" {
		return Entry{}, false
	}
	parts := strings.Split(stem, "_")
	if len(parts) != 3 {
		return Entry{}, false
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	startMs, err1 := strconv.ParseInt(parts[1], 10, 64)
	endMs, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return Entry{}, false
	}
	return Entry{
		Sequence: seq,
		Start:    time.UnixMilli(startMs).UTC(),
		End:      time.UnixMilli(endMs).UTC(),
		Ext:      ext,
	}, true
}
