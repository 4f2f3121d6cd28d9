package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := NewMemoryLimiter(0.001, 2) // effectively no refill within the test
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := m.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i+1)
	}

	ok, err := m.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer m.Close()

	ctx := context.Background()
	ok, err := m.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, ok, "a different key has its own bucket")
}

func TestMemoryLimiterRefills(t *testing.T) {
	m := NewMemoryLimiter(100, 1) // one token every 10ms
	defer m.Close()

	ctx := context.Background()
	ok, err := m.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = m.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, ok, "tokens refill over time")
}

func TestMemoryLimiterEvictsStale(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	_, err := m.Allow(context.Background(), "client-a")
	require.NoError(t, err)

	m.mu.Lock()
	m.buckets["client-a"].lastAccess = time.Now().Add(-staleThreshold - time.Minute)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "client-a")
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var n NoopLimiter
	ok, err := n.Allow(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, n.Close())
}
