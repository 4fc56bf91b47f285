package repository

import (
	"database/sql"
	"strings"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	domain "github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

type NodeInstanceRepository struct {
	db    *sql.DB
	clock core.Clock
}

const NODE_COLUMNS = ` id, workflow_instance_id, node_id, node_type, status, parent_id,
	       progress, item_index, output_data, attempt_count, error_message,
	       created, modified, started, completed `

func NewNodeInstanceRepository(db *sql.DB, clock core.Clock) *NodeInstanceRepository {
	return &NodeInstanceRepository{db: db, clock: clock}
}

func (r *NodeInstanceRepository) Save(ni *domain.NodeInstance) (int64, error) {
	return r.saveOn(r.db, ni)
}

// SaveTx inserts inside an existing transaction, used by the loop populate
// phase so the fan-out set commits atomically.
func (r *NodeInstanceRepository) SaveTx(tx *sql.Tx, ni *domain.NodeInstance) (int64, error) {
	return r.saveOn(tx, ni)
}

func (r *NodeInstanceRepository) saveOn(q queryer, ni *domain.NodeInstance) (int64, error) {
	vals := []interface{}{
		ni.WorkflowInstanceID, ni.NodeID, ni.NodeType, ni.Status, ni.ParentID,
		ni.Progress, ni.ItemIndex, ni.OutputData, ni.AttemptCount, ni.ErrorMessage,
		formatDateInDatabase(ni.Created), formatDateInDatabase(ni.Modified),
		formatDateInDatabaseNull(ni.Started), formatDateInDatabaseNull(ni.Completed),
	}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO node_instance (
		workflow_instance_id, node_id, node_type, status, parent_id,
		progress, item_index, output_data, attempt_count, error_message,
		created, modified, started, completed
	) VALUES (` + strings.Join(pps, ", ") + `)`
	id, err := insertReturningID(q, base, vals...)
	if err != nil {
		return 0, err
	}
	ni.ID = id
	return id, nil
}

func (r *NodeInstanceRepository) FindByID(id int64) (*domain.NodeInstance, error) {
	query := `
		SELECT ` + NODE_COLUMNS + `
		FROM node_instance WHERE id = ` + placeholder(1) + `
	`
	return scanNode(r.db.QueryRow(query, id))
}

// FindByNodeID returns the top-level node instance for the given graph node,
// excluding loop/parallel children.
func (r *NodeInstanceRepository) FindByNodeID(workflowInstanceID int64, nodeID string) (*domain.NodeInstance, error) {
	query := `
		SELECT ` + NODE_COLUMNS + `
		FROM node_instance
		WHERE workflow_instance_id = ` + placeholder(1) + ` AND node_id = ` + placeholder(2) + `
		  AND parent_id IS NULL
	`
	return scanNode(r.db.QueryRow(query, workflowInstanceID, nodeID))
}

func (r *NodeInstanceRepository) FindAllByWorkflowInstanceID(workflowInstanceID int64) (*[]domain.NodeInstance, error) {
	query := `
		SELECT ` + NODE_COLUMNS + `
		FROM node_instance
		WHERE workflow_instance_id = ` + placeholder(1) + `
		ORDER BY id ASC
	`
	return r.queryMany(query, workflowInstanceID)
}

// FindChildren returns the generated children of a loop or parallel node,
// ordered by item index.
func (r *NodeInstanceRepository) FindChildren(parentID int64) (*[]domain.NodeInstance, error) {
	query := `
		SELECT ` + NODE_COLUMNS + `
		FROM node_instance
		WHERE parent_id = ` + placeholder(1) + `
		ORDER BY item_index ASC, id ASC
	`
	return r.queryMany(query, parentID)
}

func (r *NodeInstanceRepository) CountChildren(parentID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM node_instance WHERE parent_id = ` + placeholder(1) + `
	`
	var n int
	err := r.db.QueryRow(query, parentID).Scan(&n)
	return n, err
}

// MarkRunning moves a node forward from PENDING and stamps its start time.
// Status transitions only move forward so the guard is in the WHERE clause.
func (r *NodeInstanceRepository) MarkRunning(id int64) error {
	query := `
		UPDATE node_instance
		SET status = 'RUNNING', started = ` + nowFunc(r.clock) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(1) + ` AND status = 'PENDING'
	`
	_, err := r.db.Exec(query, id)
	return err
}

func (r *NodeInstanceRepository) MarkTerminal(id int64, status models.NodeStatus, outputData, errorMessage string, attemptCount int) error {
	var out, em interface{}
	if outputData != "" {
		out = outputData
	}
	if errorMessage != "" {
		em = errorMessage
	}
	query := `
		UPDATE node_instance
		SET status = ` + placeholder(1) + `, output_data = ` + placeholder(2) + `,
		    error_message = ` + placeholder(3) + `, attempt_count = ` + placeholder(4) + `,
		    completed = ` + nowFunc(r.clock) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(5) + ` AND status IN ('PENDING', 'RUNNING')
	`
	_, err := r.db.Exec(query, string(status), out, em, attemptCount, id)
	return err
}

// PopulateChildren commits a loop's fan-out atomically: every child row is
// inserted and the parent advances to the EXECUTING phase in one
// transaction, so the child set is a consistent snapshot and re-entering
// the populate phase after a crash is a no-op.
func (r *NodeInstanceRepository) PopulateChildren(parentID int64, children []*domain.NodeInstance, progress string) error {
	return InTx(r.db, func(tx *sql.Tx) error {
		for _, child := range children {
			if _, err := r.SaveTx(tx, child); err != nil {
				return err
			}
		}
		return r.UpdateProgressTx(tx, parentID, progress)
	})
}

// UpdateProgress persists the loop phase. UpdateProgressTx is the
// transactional variant used when the populate phase commits its children.
func (r *NodeInstanceRepository) UpdateProgress(id int64, progress string) error {
	return r.updateProgressOn(r.db, id, progress)
}

func (r *NodeInstanceRepository) UpdateProgressTx(tx *sql.Tx, id int64, progress string) error {
	return r.updateProgressOn(tx, id, progress)
}

func (r *NodeInstanceRepository) updateProgressOn(q queryer, id int64, progress string) error {
	query := `
		UPDATE node_instance
		SET progress = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := q.Exec(query, progress, id)
	return err
}

func (r *NodeInstanceRepository) UpdateAttemptCount(id int64, attemptCount int) error {
	query := `
		UPDATE node_instance
		SET attempt_count = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, attemptCount, id)
	return err
}

// CancelPending cancels every still-pending node of the instance, used when
// the remaining graph is unreachable or the instance was cancelled.
func (r *NodeInstanceRepository) CancelPending(workflowInstanceID int64) error {
	query := `
		UPDATE node_instance
		SET status = 'CANCELLED', completed = ` + nowFunc(r.clock) + `, modified = ` + nowFunc(r.clock) + `
		WHERE workflow_instance_id = ` + placeholder(1) + ` AND status = 'PENDING'
	`
	_, err := r.db.Exec(query, workflowInstanceID)
	return err
}

func (r *NodeInstanceRepository) queryMany(query string, args ...interface{}) (*[]domain.NodeInstance, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []domain.NodeInstance
	for rows.Next() {
		ni, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *ni)
	}
	return &nodes, rows.Err()
}

func scanNode(row *sql.Row) (*domain.NodeInstance, error) {
	return scanNodeRow(row)
}

func scanNodeRow(row rowScanner) (*domain.NodeInstance, error) {
	var ni domain.NodeInstance
	err := row.Scan(
		&ni.ID,
		&ni.WorkflowInstanceID,
		&ni.NodeID,
		&ni.NodeType,
		&ni.Status,
		&ni.ParentID,
		&ni.Progress,
		&ni.ItemIndex,
		&ni.OutputData,
		&ni.AttemptCount,
		&ni.ErrorMessage,
		&ni.Created,
		&ni.Modified,
		&ni.Started,
		&ni.Completed,
	)
	if err != nil {
		return nil, err
	}
	return &ni, nil
}
