package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/statemachine"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/semaphore"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/repository/inmemory"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// partitionedLeases fails the renewals of one holder until its slot has been reclaimed.
type partitionedLeases struct {
	*inmemory.LeaseStore
	mu  sync.Mutex
	cut string
}

func (p *partitionedLeases) Partition(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cut = token
}

func (p *partitionedLeases) Renew(ctx context.Context, lockName, token string, heldUntil time.Time) (bool, error) {
	p.mu.Lock()
	cut := p.cut == token
	p.mu.Unlock()
	if cut {
		lease, err := p.LeaseStore.Get(ctx, lockName)
		if err != nil {
			return false, err
		}
		if _, held := lease.Holders[token]; held {
			return false, errors.New("lease store unreachable")
		}
		p.Partition("")
	}
	return p.LeaseStore.Renew(ctx, lockName, token, heldUntil)
}

func TestLostLeaseStopsTheFanoutBeforeTheSlotIsReused(t *testing.T) {
	processor := &blockingProcessor{gate: make(chan struct{})}
	leases := &partitionedLeases{LeaseStore: inmemory.NewLeaseStore()}
	h := newHarnessWithLeases(t, processor, leases, func(cfg *config.Config) {
		wf := &cfg.Onboarding.Workflow
		wf.LeaseTTL = 60 * time.Millisecond
		wf.LeaseRenewInterval = 10 * time.Millisecond
		wf.ReaperInterval = 10 * time.Millisecond
		wf.ReaperGrace = 50 * time.Millisecond
		wf.SemaphorePollInterval = 150 * time.Millisecond
	})
	body := "title,description\nRed Mug,Ceramic mug\n"
	first, _ := h.submit(t, "a.csv", "", body)
	second, _ := h.submit(t, "b.csv", "", body)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler := statemachine.NewScheduler(h.interp, h.store, h.cfg.Onboarding.Workflow)
	reaper := semaphore.NewReaper(h.leases, h.cfg.Onboarding.Workflow)
	done := make(chan error, 2)
	go func() { done <- scheduler.Run(ctx) }()
	go func() { done <- reaper.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&processor.started) == 1 }, 5*time.Second, 5*time.Millisecond)
	lease, err := h.sem.Get(ctx, h.cfg.Onboarding.Workflow.LockName)
	require.NoError(t, err)
	require.Len(t, lease.Holders, 1)
	var holder string
	for token := range lease.Holders {
		holder = token
	}
	leases.Partition(holder)

	// The cut-off holder abandons its fan-out before the reaper hands the slot on.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&processor.started) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&processor.peak), "fan-outs overlapped")

	close(processor.gate)
	require.Eventually(t, func() bool {
		for _, id := range []string{first.SessionID, second.SessionID} {
			s, err := h.sessions.Get(context.Background(), id)
			if err != nil || s.Status != model.SessionSuccess || s.OutputKey == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, atomic.LoadInt32(&processor.peak))
	h.assertLockFree(t)
}

func TestLeaseRetryOnlyRetriesLostLeases(t *testing.T) {
	table := leaseRetry(config.NewConfig().Onboarding.Workflow)
	lost := exception.NewOnboardingError("semaphore", "'exec-a' lost its slot", exception.ErrLeaseLost, exception.GenericRetryable).WithName(exception.LeaseLostName)

	class := table.Classify(lost)
	assert.Equal(t, exception.GenericRetryable, class)
	assert.True(t, table.Decide(class, leaseLostRetries).Retry)
	assert.False(t, table.Decide(class, leaseLostRetries+1).Retry)

	for _, err := range []error{
		exception.NewRetryableError("fanout", "failed to write manifest", errors.New("disk full")),
		exception.NewOnboardingError("fanout", "too many failures", exception.ErrToleratedFailureExceeded, exception.Fatal),
	} {
		class := table.Classify(err)
		assert.False(t, table.Decide(class, 1).Retry, "%v", err)
	}
}

func TestLosingOutputKeyWriteKeepsTheSession(t *testing.T) {
	ctx := context.Background()
	sessions := inmemory.NewSessionStore()
	c := &categorization{deps: Dependencies{Sessions: sessions, Now: time.Now}}

	session := model.NewSession(model.BatchInput{InputFile: "a.csv"}, time.Now())
	require.NoError(t, sessions.Create(ctx, session))
	require.NoError(t, sessions.ConditionalUpdate(ctx, session.SessionID, repository.StatusUpdate(model.SessionSuccess, time.Now())))
	require.NoError(t, sessions.ConditionalUpdate(ctx, session.SessionID, repository.OutputKeyUpdate("results/first.csv")))

	doc := model.Document{
		"session_id": session.SessionID,
		"output":     map[string]interface{}{"Key": "results/second.csv"},
	}
	_, err := c.updateOutputKey(ctx, doc)
	require.NoError(t, err)

	stored, err := sessions.Get(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionSuccess, stored.Status)
	require.NotNil(t, stored.OutputKey)
	assert.Equal(t, "results/first.csv", *stored.OutputKey)

	// A session that never succeeded still rejects the write.
	pending := model.NewSession(model.BatchInput{InputFile: "b.csv"}, time.Now())
	require.NoError(t, sessions.Create(ctx, pending))
	_, err = c.updateOutputKey(ctx, model.Document{
		"session_id": pending.SessionID,
		"output":     map[string]interface{}{"Key": "results/b.csv"},
	})
	assert.True(t, exception.IsConditionFailed(err))
}

// failingReleases keeps every slot it is asked to release.
type failingReleases struct {
	*inmemory.LeaseStore
}

func (f failingReleases) Release(ctx context.Context, lockName, token string) error {
	return errors.New("lease store unreachable")
}

func TestFailedReleaseIsLoggedAndLeftToTheReaper(t *testing.T) {
	h := newHarnessWithLeases(t, newPipeline(&fakeRemote{}), failingReleases{inmemory.NewLeaseStore()})
	h.interp = statemachine.NewInterpreter(h.store, statemachine.WithSleeper(retry.SleeperFunc(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	})))
	h.interp.Register(h.def)

	session, exec := h.submit(t, "c.csv", "", "title,description\nRed Mug,Ceramic mug\n")

	var buf bytes.Buffer
	log.SetOutput(&buf)
	saved := h.run(t, exec)
	log.SetOutput(os.Stderr)

	require.Equal(t, model.ExecutionSucceeded, saved.Status, "%s: %s", saved.Error, saved.Cause)
	assert.True(t, saved.Document.IsPresent(PathReleaseError))
	assert.Contains(t, buf.String(), fmt.Sprintf("[WARN] Execution '%s' failed to release '%s'", exec.Name, h.cfg.Onboarding.Workflow.LockName))

	stored, err := h.sessions.Get(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionSuccess, stored.Status)

	lease, err := h.sem.Get(context.Background(), h.cfg.Onboarding.Workflow.LockName)
	require.NoError(t, err)
	assert.Contains(t, lease.Holders, exec.Name)
}
