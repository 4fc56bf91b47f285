package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	domain "github.com/dagforge/dagforge/pkg/dagforge/domain"
)

// ErrLockHeld is returned when a non-expired lease is held by another owner.
var ErrLockHeld = errors.New("execution lock held by another owner")

// ExecutionLockRepository persists lease rows. Fencing tokens increment on
// every acquire so a renew by a stale owner fails even under clock skew:
// renew matches owner AND token, never wall-clock alone.
type ExecutionLockRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewExecutionLockRepository(db *sql.DB, clock core.Clock) *ExecutionLockRepository {
	return &ExecutionLockRepository{db: db, clock: clock}
}

// TryAcquire grants or takes over the lease for lockKey. It succeeds when no
// row exists, the existing lease has expired, or the caller already owns it.
// Every successful acquire bumps the fencing token.
func (r *ExecutionLockRepository) TryAcquire(lockKey, owner string, ttl time.Duration) (*domain.ExecutionLock, error) {
	now := r.clock.Now().UTC()
	expires := now.Add(ttl)

	query := `
		UPDATE execution_lock
		SET owner = ` + placeholder(1) + `, expires_at = ` + placeholder(2) + `,
		    fencing_token = fencing_token + 1, acquired = ` + nowFunc(r.clock) + `
		WHERE lock_key = ` + placeholder(3) + `
		  AND (owner = ` + placeholder(4) + ` OR ` + dateBeforeNow("expires_at", r.clock) + `)
	`
	res, err := r.db.Exec(query, owner, formatDateInDatabase(expires), lockKey, owner)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return r.find(lockKey)
	}

	// No takeover happened: either the key is new or someone else holds it.
	existing, err := r.find(lockKey)
	if err == nil && existing != nil {
		return nil, ErrLockHeld
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	insert := `INSERT INTO execution_lock (lock_key, owner, fencing_token, expires_at, acquired)
	VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, 1, ` + placeholder(3) + `, ` + placeholder(4) + `)`
	if _, err := r.db.Exec(insert, lockKey, owner,
		formatDateInDatabase(expires), formatDateInDatabase(now)); err != nil {
		// Lost the insert race; the winner holds the lease.
		return nil, ErrLockHeld
	}
	return r.find(lockKey)
}

// Renew extends the lease only while owner and fencing token both still
// match. A false return means the lease was reclaimed and the caller must
// abort rather than continue writing.
func (r *ExecutionLockRepository) Renew(lockKey, owner string, fencingToken int64, ttl time.Duration) (bool, error) {
	expires := r.clock.Now().UTC().Add(ttl)
	query := `
		UPDATE execution_lock
		SET expires_at = ` + placeholder(1) + `
		WHERE lock_key = ` + placeholder(2) + ` AND owner = ` + placeholder(3) + `
		  AND fencing_token = ` + placeholder(4) + `
	`
	res, err := r.db.Exec(query, formatDateInDatabase(expires), lockKey, owner, fencingToken)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Release drops the lease if the caller still owns it. Releasing a lease
// someone else took over is a no-op.
func (r *ExecutionLockRepository) Release(lockKey, owner string, fencingToken int64) error {
	query := `
		DELETE FROM execution_lock
		WHERE lock_key = ` + placeholder(1) + ` AND owner = ` + placeholder(2) + `
		  AND fencing_token = ` + placeholder(3) + `
	`
	_, err := r.db.Exec(query, lockKey, owner, fencingToken)
	return err
}

// DeleteExpired reclaims leases abandoned by crashed engines and returns the
// reclaimed keys so recovery can reassign the instances behind them.
func (r *ExecutionLockRepository) DeleteExpired() ([]string, error) {
	selectQuery := `
		SELECT lock_key FROM execution_lock
		WHERE ` + dateBeforeNow("expires_at", r.clock) + `
	`
	rows, err := r.db.Query(selectQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deleteQuery := `
		DELETE FROM execution_lock
		WHERE ` + dateBeforeNow("expires_at", r.clock) + `
	`
	if _, err := r.db.Exec(deleteQuery); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *ExecutionLockRepository) find(lockKey string) (*domain.ExecutionLock, error) {
	query := `
		SELECT lock_key, owner, fencing_token, expires_at, acquired
		FROM execution_lock WHERE lock_key = ` + placeholder(1) + `
	`
	var l domain.ExecutionLock
	err := r.db.QueryRow(query, lockKey).Scan(&l.LockKey, &l.Owner, &l.FencingToken, &l.ExpiresAt, &l.Acquired)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
