package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockHarness() (*ExecutionLockService, *memLockRepo, *fakeClock) {
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	repo := newMemLockRepo(clock)
	return NewExecutionLockService(repo), repo, clock
}

func TestAcquireWorkflowLockConflict(t *testing.T) {
	svc, _, _ := newLockHarness()

	lock, err := svc.AcquireWorkflowLock(12, "engine-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "wf-12", lock.LockKey)
	assert.Equal(t, int64(1), lock.FencingToken)

	_, err = svc.AcquireWorkflowLock(12, "engine-2", time.Minute)
	require.Error(t, err)
	assert.True(t, IsLockConflict(err))

	// The holder may re-enter its own lease.
	again, err := svc.AcquireWorkflowLock(12, "engine-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, lock.FencingToken+1, again.FencingToken)
}

func TestAcquireWorkflowLockTakesOverExpiredLease(t *testing.T) {
	svc, _, clock := newLockHarness()

	stale, err := svc.AcquireWorkflowLock(12, "engine-1", time.Minute)
	require.NoError(t, err)

	clock.advance(2 * time.Minute)

	fresh, err := svc.AcquireWorkflowLock(12, "engine-2", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, fresh.FencingToken, stale.FencingToken,
		"a takeover must bump the fencing token so stale writes are detectable")
}

func TestRenewWorkflowLockAfterTakeoverIsRecoveryError(t *testing.T) {
	svc, _, clock := newLockHarness()

	stale, err := svc.AcquireWorkflowLock(12, "engine-1", time.Minute)
	require.NoError(t, err)
	clock.advance(2 * time.Minute)
	_, err = svc.AcquireWorkflowLock(12, "engine-2", time.Minute)
	require.NoError(t, err)

	err = svc.RenewWorkflowLock(stale, time.Minute)
	require.Error(t, err)
	assert.True(t, IsRecoveryError(err))
}

func TestRenewWorkflowLockExtendsLease(t *testing.T) {
	svc, repo, clock := newLockHarness()

	lock, err := svc.AcquireWorkflowLock(12, "engine-1", time.Minute)
	require.NoError(t, err)

	clock.advance(30 * time.Second)
	require.NoError(t, svc.RenewWorkflowLock(lock, time.Minute))
	clock.advance(45 * time.Second)

	// 75s after acquisition the renewed lease is still live.
	_, err = repo.TryAcquire("wf-12", "engine-2", time.Minute)
	assert.Error(t, err)
}

func TestReleaseWorkflowLockIgnoresStaleToken(t *testing.T) {
	svc, _, clock := newLockHarness()

	stale, err := svc.AcquireWorkflowLock(12, "engine-1", time.Minute)
	require.NoError(t, err)
	clock.advance(2 * time.Minute)
	fresh, err := svc.AcquireWorkflowLock(12, "engine-2", time.Minute)
	require.NoError(t, err)

	require.NoError(t, svc.ReleaseWorkflowLock(stale))

	// The stale release must not have freed the current lease.
	err = svc.RenewWorkflowLock(fresh, time.Minute)
	assert.NoError(t, err)
}

func TestCleanupExpiredLocksReturnsReclaimedKeys(t *testing.T) {
	svc, _, clock := newLockHarness()

	_, err := svc.AcquireWorkflowLock(12, "engine-1", time.Minute)
	require.NoError(t, err)
	_, err = svc.AcquireWorkflowLock(13, "engine-1", 10*time.Minute)
	require.NoError(t, err)

	clock.advance(5 * time.Minute)

	keys, err := svc.CleanupExpiredLocks()
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-12"}, keys)

	// The surviving lease is untouched.
	_, err = svc.AcquireWorkflowLock(13, "engine-2", time.Minute)
	assert.True(t, IsLockConflict(err))
}
