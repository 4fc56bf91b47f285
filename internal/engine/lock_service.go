package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dagforge/dagforge/internal/repository"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
)

// ExecutionLockService is the lease-based mutex primitive. One lease per
// workflow instance grants its owner the right to run the execution loop;
// expiry makes crashed owners recoverable by any live engine.
type ExecutionLockService struct {
	locks LockRepo
}

func NewExecutionLockService(locks LockRepo) *ExecutionLockService {
	return &ExecutionLockService{locks: locks}
}

func workflowLockKey(instanceID int64) string {
	return fmt.Sprintf("wf-%d", instanceID)
}

// AcquireWorkflowLock grants or takes over the instance lease. It fails
// with ErrLockConflict when a non-expired lease is held by another owner.
func (s *ExecutionLockService) AcquireWorkflowLock(instanceID int64, owner string, timeout time.Duration) (*domain.ExecutionLock, error) {
	lock, err := s.locks.TryAcquire(workflowLockKey(instanceID), owner, timeout)
	if err != nil {
		if err == repository.ErrLockHeld {
			return nil, fmt.Errorf("%w: workflow instance %d", ErrLockConflict, instanceID)
		}
		return nil, err
	}
	return lock, nil
}

// RenewWorkflowLock is the heartbeat extending a held lease. A revoked
// lease returns ErrRecovery: the caller must stop writing immediately.
func (s *ExecutionLockService) RenewWorkflowLock(lock *domain.ExecutionLock, timeout time.Duration) error {
	ok, err := s.locks.Renew(lock.LockKey, lock.Owner, lock.FencingToken, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s token %d", ErrRecovery, lock.LockKey, lock.FencingToken)
	}
	return nil
}

func (s *ExecutionLockService) ReleaseWorkflowLock(lock *domain.ExecutionLock) error {
	return s.locks.Release(lock.LockKey, lock.Owner, lock.FencingToken)
}

// CleanupExpiredLocks reclaims leases abandoned by crashed engines and
// returns the reclaimed keys. The instances behind them become resumable
// by any live engine.
func (s *ExecutionLockService) CleanupExpiredLocks() ([]string, error) {
	keys, err := s.locks.DeleteExpired()
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		slog.Info("Reclaimed expired execution locks", "count", len(keys))
	}
	return keys, nil
}
