package repository

import (
	"database/sql"
	"fmt"
)

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error. Multi-row mutations that must be atomic (loop fan-out, assignment
// transfer) go through here.
func InTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
