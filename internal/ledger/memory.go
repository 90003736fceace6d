// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a non-durable Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu        sync.Mutex
	seq       map[string]uint64
	dead      map[string]DeadLetter
	overflows map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seq:       make(map[string]uint64),
		dead:      make(map[string]DeadLetter),
		overflows: make(map[string]int),
	}
}

func (m *MemoryStore) NextSequence(_ context.Context, stream string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.seq[stream]
	m.seq[stream] = n + 1
	return n, nil
}

func (m *MemoryStore) EnsureSequenceAtLeast(_ context.Context, stream string, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq[stream] < n {
		m.seq[stream] = n
	}
	return nil
}

func (m *MemoryStore) PutDeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[dl.ID] = dl
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, stream string) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, 0, len(m.dead))
	for _, dl := range m.dead {
		if stream == "" || dl.Stream == stream {
			out = append(out, dl)
		}
	}
	sortDeadLetters(out)
	return out, nil
}

func (m *MemoryStore) DeleteDeadLetter(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dead[id]; !ok {
		return ErrNotFound
	}
	delete(m.dead, id)
	return nil
}

func (m *MemoryStore) RecordOverflow(_ context.Context, ev OverflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overflows[ev.Stream]++
	return nil
}

func (m *MemoryStore) OverflowCount(_ context.Context, stream string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflows[stream], nil
}

func (m *MemoryStore) Close() error { return nil }

func sortDeadLetters(dls []DeadLetter) {
	sort.Slice(dls, func(i, j int) bool {
		if dls[i].CreatedAt.Equal(dls[j].CreatedAt) {
			if dls[i].Stream == dls[j].Stream {
				return dls[i].Sequence < dls[j].Sequence
			}
			return dls[i].Stream < dls[j].Stream
		}
		return dls[i].CreatedAt.Before(dls[j].CreatedAt)
	})
}
