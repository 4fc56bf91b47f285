package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	domain "github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// WorkflowAssignmentRepository tracks coarse (instance-level) ownership.
// History is never mutated: a transfer closes the old row as TRANSFERRED
// and inserts a fresh ASSIGNED row.
type WorkflowAssignmentRepository struct {
	db    *sql.DB
	clock core.Clock
}

const ASSIGNMENT_COLUMNS = ` id, workflow_instance_id, engine_id, strategy, required_capabilities,
	       status, created, modified `

func NewWorkflowAssignmentRepository(db *sql.DB, clock core.Clock) *WorkflowAssignmentRepository {
	return &WorkflowAssignmentRepository{db: db, clock: clock}
}

func (r *WorkflowAssignmentRepository) Save(a *domain.WorkflowAssignment) (int64, error) {
	return r.saveOn(r.db, a)
}

func (r *WorkflowAssignmentRepository) saveOn(q queryer, a *domain.WorkflowAssignment) (int64, error) {
	base := `INSERT INTO workflow_assignment (
		workflow_instance_id, engine_id, strategy, required_capabilities, status, created, modified
	) VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` +
		placeholder(5) + `, ` + placeholder(6) + `, ` + placeholder(7) + `)`
	id, err := insertReturningID(q, base,
		a.WorkflowInstanceID, a.EngineID, a.Strategy, a.RequiredCapabilities, a.Status,
		formatDateInDatabase(a.Created), formatDateInDatabase(a.Modified))
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

func (r *WorkflowAssignmentRepository) FindByID(id int64) (*domain.WorkflowAssignment, error) {
	query := `
		SELECT ` + ASSIGNMENT_COLUMNS + `
		FROM workflow_assignment WHERE id = ` + placeholder(1) + `
	`
	return scanAssignment(r.db.QueryRow(query, id))
}

// FindActiveByInstance returns the current ASSIGNED/RUNNING row, if any.
func (r *WorkflowAssignmentRepository) FindActiveByInstance(workflowInstanceID int64) (*domain.WorkflowAssignment, error) {
	query := `
		SELECT ` + ASSIGNMENT_COLUMNS + `
		FROM workflow_assignment
		WHERE workflow_instance_id = ` + placeholder(1) + ` AND status IN ('ASSIGNED', 'RUNNING')
		ORDER BY id DESC
		LIMIT 1
	`
	return scanAssignment(r.db.QueryRow(query, workflowInstanceID))
}

// FindActiveAssignments lists live ownership rows, optionally filtered to one
// engine. Engine health and work-stealing loops drive off this query.
func (r *WorkflowAssignmentRepository) FindActiveAssignments(engineID string) (*[]domain.WorkflowAssignment, error) {
	query := `
		SELECT ` + ASSIGNMENT_COLUMNS + `
		FROM workflow_assignment
		WHERE status IN ('ASSIGNED', 'RUNNING')
	`
	var args []interface{}
	if engineID != "" {
		query += ` AND engine_id = ` + placeholder(1)
		args = append(args, engineID)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []domain.WorkflowAssignment
	for rows.Next() {
		a, err := scanAssignmentRow(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, *a)
	}
	return &assignments, rows.Err()
}

func (r *WorkflowAssignmentRepository) FindAllByInstance(workflowInstanceID int64) (*[]domain.WorkflowAssignment, error) {
	query := `
		SELECT ` + ASSIGNMENT_COLUMNS + `
		FROM workflow_assignment
		WHERE workflow_instance_id = ` + placeholder(1) + `
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query, workflowInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []domain.WorkflowAssignment
	for rows.Next() {
		a, err := scanAssignmentRow(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, *a)
	}
	return &assignments, rows.Err()
}

func (r *WorkflowAssignmentRepository) UpdateStatus(id int64, status string) error {
	return r.updateStatusOn(r.db, id, status)
}

func (r *WorkflowAssignmentRepository) updateStatusOn(q queryer, id int64, status string) error {
	query := `
		UPDATE workflow_assignment
		SET status = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := q.Exec(query, status, id)
	return err
}

// Transfer atomically marks the prior row TRANSFERRED and inserts the
// successor ASSIGNED row, preserving the audit trail.
func (r *WorkflowAssignmentRepository) Transfer(priorID int64, successor *domain.WorkflowAssignment) (int64, error) {
	var newID int64
	err := InTx(r.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE workflow_assignment
			SET status = 'TRANSFERRED', modified = `+nowFunc(r.clock)+`
			WHERE id = `+placeholder(1)+` AND status IN ('ASSIGNED', 'RUNNING')
		`, priorID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("assignment %d is not active, cannot transfer", priorID)
		}
		successor.Status = models.AssignmentAssigned
		id, err := r.saveOn(tx, successor)
		if err != nil {
			return err
		}
		newID = id
		return nil
	})
	return newID, err
}

func scanAssignment(row *sql.Row) (*domain.WorkflowAssignment, error) {
	return scanAssignmentRow(row)
}

func scanAssignmentRow(row rowScanner) (*domain.WorkflowAssignment, error) {
	var a domain.WorkflowAssignment
	err := row.Scan(
		&a.ID,
		&a.WorkflowInstanceID,
		&a.EngineID,
		&a.Strategy,
		&a.RequiredCapabilities,
		&a.Status,
		&a.Created,
		&a.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// WorkflowNodeAssignmentRepository is the fine-grained variant keyed on
// (workflow_instance_id, node_id).
type WorkflowNodeAssignmentRepository struct {
	db    *sql.DB
	clock core.Clock
}

const NODE_ASSIGNMENT_COLUMNS = ` id, workflow_instance_id, node_id, engine_id, strategy,
	       required_capabilities, status, created, modified `

func NewWorkflowNodeAssignmentRepository(db *sql.DB, clock core.Clock) *WorkflowNodeAssignmentRepository {
	return &WorkflowNodeAssignmentRepository{db: db, clock: clock}
}

func (r *WorkflowNodeAssignmentRepository) Save(a *domain.WorkflowNodeAssignment) (int64, error) {
	return r.saveOn(r.db, a)
}

func (r *WorkflowNodeAssignmentRepository) saveOn(q queryer, a *domain.WorkflowNodeAssignment) (int64, error) {
	base := `INSERT INTO workflow_node_assignment (
		workflow_instance_id, node_id, engine_id, strategy, required_capabilities, status, created, modified
	) VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` +
		placeholder(5) + `, ` + placeholder(6) + `, ` + placeholder(7) + `, ` + placeholder(8) + `)`
	id, err := insertReturningID(q, base,
		a.WorkflowInstanceID, a.NodeID, a.EngineID, a.Strategy, a.RequiredCapabilities, a.Status,
		formatDateInDatabase(a.Created), formatDateInDatabase(a.Modified))
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

func (r *WorkflowNodeAssignmentRepository) FindActiveAssignments(engineID string) (*[]domain.WorkflowNodeAssignment, error) {
	query := `
		SELECT ` + NODE_ASSIGNMENT_COLUMNS + `
		FROM workflow_node_assignment
		WHERE status IN ('ASSIGNED', 'RUNNING')
	`
	var args []interface{}
	if engineID != "" {
		query += ` AND engine_id = ` + placeholder(1)
		args = append(args, engineID)
	}
	query += ` ORDER BY id ASC`
	return r.queryMany(query, args...)
}

func (r *WorkflowNodeAssignmentRepository) FindAllByInstanceAndNode(workflowInstanceID int64, nodeID string) (*[]domain.WorkflowNodeAssignment, error) {
	query := `
		SELECT ` + NODE_ASSIGNMENT_COLUMNS + `
		FROM workflow_node_assignment
		WHERE workflow_instance_id = ` + placeholder(1) + ` AND node_id = ` + placeholder(2) + `
		ORDER BY id ASC
	`
	return r.queryMany(query, workflowInstanceID, nodeID)
}

func (r *WorkflowNodeAssignmentRepository) UpdateStatus(id int64, status string) error {
	query := `
		UPDATE workflow_node_assignment
		SET status = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, status, id)
	return err
}

func (r *WorkflowNodeAssignmentRepository) Transfer(priorID int64, successor *domain.WorkflowNodeAssignment) (int64, error) {
	var newID int64
	err := InTx(r.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE workflow_node_assignment
			SET status = 'TRANSFERRED', modified = `+nowFunc(r.clock)+`
			WHERE id = `+placeholder(1)+` AND status IN ('ASSIGNED', 'RUNNING')
		`, priorID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("node assignment %d is not active, cannot transfer", priorID)
		}
		successor.Status = models.AssignmentAssigned
		id, err := r.saveOn(tx, successor)
		if err != nil {
			return err
		}
		newID = id
		return nil
	})
	return newID, err
}

func (r *WorkflowNodeAssignmentRepository) queryMany(query string, args ...interface{}) (*[]domain.WorkflowNodeAssignment, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []domain.WorkflowNodeAssignment
	for rows.Next() {
		var a domain.WorkflowNodeAssignment
		err := rows.Scan(
			&a.ID,
			&a.WorkflowInstanceID,
			&a.NodeID,
			&a.EngineID,
			&a.Strategy,
			&a.RequiredCapabilities,
			&a.Status,
			&a.Created,
			&a.Modified,
		)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return &assignments, rows.Err()
}

// EngineRepository registers engine processes and tracks their heartbeats,
// so failover can tell a dead engine from a busy one.
type EngineRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewEngineRepository(db *sql.DB, clock core.Clock) *EngineRepository {
	return &EngineRepository{db: db, clock: clock}
}

func (r *EngineRepository) Save(e *domain.Engine) (int64, error) {
	base := `INSERT INTO engine_instance (engine_id, name, capabilities, started, last_active)
	VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `)`
	id, err := insertReturningID(r.db, base,
		e.EngineID, e.Name, e.Capabilities,
		formatDateInDatabase(e.Started), formatDateInDatabase(e.LastActive))
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (r *EngineRepository) UpdateLastActive(engineID string, ts time.Time) error {
	query := `
		UPDATE engine_instance
		SET last_active = ` + placeholder(1) + `
		WHERE engine_id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, formatDateInDatabase(ts), engineID)
	return err
}

// FindAlive returns engines seen within the given window, newest first.
// Capability-based failover picks replacements from this set.
func (r *EngineRepository) FindAlive(since time.Time) ([]*domain.Engine, error) {
	query := `
		SELECT id, engine_id, name, capabilities, started, last_active
		FROM engine_instance
		WHERE last_active >= ` + placeholder(1) + `
		ORDER BY last_active DESC
	`
	rows, err := r.db.Query(query, formatDateInDatabase(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var engines []*domain.Engine
	for rows.Next() {
		var e domain.Engine
		if err := rows.Scan(&e.ID, &e.EngineID, &e.Name, &e.Capabilities, &e.Started, &e.LastActive); err != nil {
			return nil, err
		}
		engines = append(engines, &e)
	}
	return engines, rows.Err()
}
