// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package lease guards a stream's ingestion session so at most one owner
// records a stream at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTTL is returned for non-positive lease durations.
var ErrInvalidTTL = errors.New("lease: invalid ttl")

// Manager hands out expiring, owner-bound leases.
type Manager interface {
	// TryAcquire takes key for owner. It reports false when another owner holds
	// an unexpired lease. Re-acquiring an owned lease renews it.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends an owned lease. It reports false when the lease was lost.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
	Close() error
}

// StreamKey returns the lease key for a stream's ingestion session.
func StreamKey(stream string) string { return "stream:" + stream }

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Open creates a Manager for backend "memory" or "redis".
func Open(ctx context.Context, backend string, opts RedisOptions) (Manager, error) {
	switch backend {
	case "", "memory":
		return NewMemoryManager(), nil
	case "redis":
		return NewRedisManager(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown lease backend: %s", backend)
	}
}

type leaseState struct {
	owner string
	exp   time.Time
}

// MemoryManager is a process-local Manager.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]leaseState
	now    func() time.Time
}

// NewMemoryManager returns an empty MemoryManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{leases: make(map[string]leaseState), now: time.Now}
}

func (m *MemoryManager) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.leases[key]
	if ok && now.After(st.exp) {
		ok = false
	}
	if ok && st.owner != owner {
		return false, nil
	}
	m.leases[key] = leaseState{owner: owner, exp: now.Add(ttl)}
	return true, nil
}

func (m *MemoryManager) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.leases[key]
	if !ok || st.owner != owner || now.After(st.exp) {
		return false, nil
	}
	st.exp = now.Add(ttl)
	m.leases[key] = st
	return true, nil
}

func (m *MemoryManager) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.leases[key]; ok && st.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

func (m *MemoryManager) Close() error { return nil }
