package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
)

// newStore connects to REDIS_ADDR when it is set and to an in-process server otherwise.
// Each test is isolated under a random key prefix.
func newStore(t *testing.T) *LeaseStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	client := NewClient(config.RedisConfig{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return NewLeaseStore(client, "test:"+uuid.NewString()+":")
}

func TestKeysAreNamespaced(t *testing.T) {
	s := NewLeaseStore(nil, "")
	assert.Equal(t, []string{"onboarding:semaphore:L:holders", "onboarding:semaphore:L:meta"}, s.keys("L"))
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	ok, err := s.TryAcquire(ctx, "lock", "a", 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.TryAcquire(ctx, "lock", "b", 1, now.Add(time.Minute))
	assert.False(t, ok)
	ok, _ = s.TryAcquire(ctx, "lock", "a", 1, now.Add(2*time.Minute))
	assert.True(t, ok)

	renewed, err := s.Renew(ctx, "lock", "b", now)
	require.NoError(t, err)
	assert.False(t, renewed)

	lease, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, 1, lease.Limit)
	assert.Len(t, lease.Holders, 1)

	reaped, err := s.ReapExpired(ctx, "lock", now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, reaped)

	require.NoError(t, s.Release(ctx, "lock", "a"))
	ok, _ = s.TryAcquire(ctx, "lock", "b", 1, now.Add(time.Minute))
	assert.True(t, ok)
}

func TestMutationsBumpTheVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now().Truncate(time.Millisecond)

	version := func() int {
		lease, err := s.Get(ctx, "lock")
		require.NoError(t, err)
		return lease.Version
	}

	ok, err := s.TryAcquire(ctx, "lock", "a", 2, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, version())

	renewed, err := s.Renew(ctx, "lock", "a", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, renewed)
	assert.Equal(t, 2, version())

	lease, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Minute).UTC(), lease.Holders["a"])

	// Rejected and no-op mutations leave the version alone.
	renewed, err = s.Renew(ctx, "lock", "ghost", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, renewed)
	require.NoError(t, s.Release(ctx, "lock", "ghost"))
	reaped, err := s.ReapExpired(ctx, "lock", now)
	require.NoError(t, err)
	assert.Empty(t, reaped)
	assert.Equal(t, 2, version())

	require.NoError(t, s.Release(ctx, "lock", "a"))
	assert.Equal(t, 3, version())
}

func TestReapedHolderCannotRenew(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	for _, token := range []string{"stale", "fresh"} {
		ok, err := s.TryAcquire(ctx, "lock", token, 2, now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
	}
	renewed, err := s.Renew(ctx, "lock", "fresh", now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, renewed)

	reaped, err := s.ReapExpired(ctx, "lock", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, reaped)

	renewed, err = s.Renew(ctx, "lock", "stale", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, renewed)

	ok, err := s.TryAcquire(ctx, "lock", "next", 2, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "the reaped slot is free again")
	ok, err = s.TryAcquire(ctx, "lock", "stale", 2, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}
