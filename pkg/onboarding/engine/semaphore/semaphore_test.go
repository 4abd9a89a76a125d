package semaphore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/repository/inmemory"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.WorkflowConfig {
	cfg := config.NewConfig().Onboarding.Workflow
	cfg.LeaseTTL = time.Minute
	cfg.ReaperGrace = 30 * time.Second
	return cfg
}

func TestAcquireIsExclusiveUntilRelease(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	sem := NewSemaphore(inmemory.NewLeaseStore(), testConfig(), WithClock(c.Now))

	ok, err := sem.TryAcquire(ctx, "BatchProductOnboarding", "exec-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sem.TryAcquire(ctx, "BatchProductOnboarding", "exec-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sem.TryAcquire(ctx, "BatchProductOnboarding", "exec-a")
	require.NoError(t, err)
	assert.True(t, ok, "re-acquiring a held slot succeeds")

	require.NoError(t, sem.Release(ctx, "BatchProductOnboarding", "exec-a"))
	require.NoError(t, sem.Release(ctx, "BatchProductOnboarding", "exec-a"), "release is idempotent")

	ok, err = sem.TryAcquire(ctx, "BatchProductOnboarding", "exec-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReaperReleasesAfterGrace(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := inmemory.NewLeaseStore()
	cfg := testConfig()
	sem := NewSemaphore(store, cfg, WithClock(c.Now))
	reaper := NewReaper(store, cfg, WithClock(c.Now))

	ok, err := sem.TryAcquire(ctx, cfg.LockName, "crashed")
	require.NoError(t, err)
	require.True(t, ok)

	// Expired but still inside the grace period.
	c.Advance(time.Minute + 10*time.Second)
	reaped, err := reaper.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped)

	c.Advance(time.Minute)
	reaped, err = reaper.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, reaped)

	ok, err = sem.TryAcquire(ctx, cfg.LockName, "next")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewReportsLostSlot(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := inmemory.NewLeaseStore()
	sem := NewSemaphore(store, testConfig(), WithClock(c.Now))

	ok, err := sem.Renew(ctx, "lock", "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = sem.TryAcquire(ctx, "lock", "exec-a")
	require.NoError(t, err)
	c.Advance(50 * time.Second)
	ok, err = sem.Renew(ctx, "lock", "exec-a")
	require.NoError(t, err)
	assert.True(t, ok)

	lease, err := sem.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, c.Now().Add(time.Minute), lease.Holders["exec-a"])
}

func TestHoldKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	store := inmemory.NewLeaseStore()
	cfg := testConfig()
	cfg.LeaseTTL = 50 * time.Millisecond
	cfg.LeaseRenewInterval = 10 * time.Millisecond
	sem := NewSemaphore(store, cfg)

	ok, err := sem.TryAcquire(ctx, "lock", "exec-a")
	require.NoError(t, err)
	require.True(t, ok)

	held, stop := sem.Hold(ctx, "lock", "exec-a")
	time.Sleep(120 * time.Millisecond)
	reaped, err := store.ReapExpired(ctx, "lock", time.Now())
	require.NoError(t, err)
	assert.Empty(t, reaped, "held lease must not expire")
	assert.NoError(t, held.Err())

	stop()
	assert.ErrorIs(t, context.Cause(held), context.Canceled)
	assert.False(t, exception.IsErrorOfType(context.Cause(held), exception.LeaseLostName))
}

func TestHoldCancelsWhenSlotIsTaken(t *testing.T) {
	ctx := context.Background()
	store := inmemory.NewLeaseStore()
	cfg := testConfig()
	cfg.LeaseTTL = 50 * time.Millisecond
	cfg.LeaseRenewInterval = 10 * time.Millisecond
	sem := NewSemaphore(store, cfg)

	ok, err := sem.TryAcquire(ctx, "lock", "exec-a")
	require.NoError(t, err)
	require.True(t, ok)
	held, stop := sem.Hold(ctx, "lock", "exec-a")
	defer stop()

	// Reclaimed behind the holder's back.
	require.NoError(t, store.Release(ctx, "lock", "exec-a"))

	select {
	case <-held.Done():
	case <-time.After(time.Second):
		t.Fatal("guarded context was not cancelled after the slot was lost")
	}
	assert.ErrorIs(t, context.Cause(held), exception.ErrLeaseLost)
	assert.True(t, exception.IsErrorOfType(context.Cause(held), exception.LeaseLostName))
}

// failingRenewals fails every renewal while leaving acquisition and release intact.
type failingRenewals struct {
	*inmemory.LeaseStore
}

func (f failingRenewals) Renew(ctx context.Context, lockName, token string, heldUntil time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func TestHoldCancelsOnceFailedRenewalsOutliveTheLease(t *testing.T) {
	ctx := context.Background()
	store := failingRenewals{inmemory.NewLeaseStore()}
	cfg := testConfig()
	cfg.LeaseTTL = 50 * time.Millisecond
	cfg.LeaseRenewInterval = 10 * time.Millisecond
	sem := NewSemaphore(store, cfg)

	ok, err := sem.TryAcquire(ctx, "lock", "exec-a")
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	held, stop := sem.Hold(ctx, "lock", "exec-a")
	defer stop()

	select {
	case <-held.Done():
	case <-time.After(time.Second):
		t.Fatal("guarded context outlived the lease")
	}
	assert.GreaterOrEqual(t, time.Since(start), cfg.LeaseTTL, "transient renewal failures are tolerated until the lease expires")
	assert.ErrorIs(t, context.Cause(held), exception.ErrLeaseLost)
}
