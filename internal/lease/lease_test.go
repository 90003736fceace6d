// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManagerContract(t *testing.T, m Manager, expire func(time.Duration)) {
	ctx := context.Background()
	key := StreamKey("cam1")

	ok, err := m.TryAcquire(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryAcquire(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must be rejected")

	ok, err = m.TryAcquire(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "re-acquire by owner renews")

	ok, err = m.Renew(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, key, "b"), "release by non-owner is a no-op")
	ok, err = m.TryAcquire(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, key, "a"))
	ok, err = m.TryAcquire(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expiry hands the lease to the next owner.
	expire(2 * time.Minute)
	ok, err = m.Renew(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "expired lease cannot be renewed")
	ok, err = m.TryAcquire(ctx, key, "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.TryAcquire(ctx, key, "c", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestMemoryManager(t *testing.T) {
	m := NewMemoryManager()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	testManagerContract(t, m, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisManager(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := NewRedisManager(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	testManagerContract(t, m, mr.FastForward)
}

func TestOpen(t *testing.T) {
	m, err := Open(context.Background(), "memory", RedisOptions{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryManager{}, m)

	_, err = Open(context.Background(), "zookeeper", RedisOptions{})
	assert.Error(t, err)

	_, err = Open(context.Background(), "redis", RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
