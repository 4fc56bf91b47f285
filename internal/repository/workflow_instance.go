package repository

import (
	"database/sql"
	"strings"

	"github.com/dagforge/dagforge/internal/config"
	"github.com/dagforge/dagforge/pkg/dagforge/core"
	domain "github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

type WorkflowInstanceRepository struct {
	db    *sql.DB
	clock core.Clock
}

const INSTANCE_COLUMNS = ` id, definition_id, status, current_node_id, input_data, context_data,
	       checkpoint_data, external_id, business_key, mutex_key, on_failure,
	       parent_node_instance_id, error_message, error_details,
	       created, modified, started, completed `

func NewWorkflowInstanceRepository(db *sql.DB, clock core.Clock) *WorkflowInstanceRepository {
	return &WorkflowInstanceRepository{db: db, clock: clock}
}

func (r *WorkflowInstanceRepository) Save(wi *domain.WorkflowInstance) (int64, error) {
	vals := []interface{}{
		wi.DefinitionID, wi.Status, wi.CurrentNodeID, wi.InputData, wi.ContextData,
		wi.CheckpointData, wi.ExternalID, wi.BusinessKey, wi.MutexKey, wi.OnFailure,
		wi.ParentNodeInstanceID, wi.ErrorMessage, wi.ErrorDetails,
		formatDateInDatabase(wi.Created), formatDateInDatabase(wi.Modified),
		formatDateInDatabaseNull(wi.Started), formatDateInDatabaseNull(wi.Completed),
	}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_instance (
		definition_id, status, current_node_id, input_data, context_data,
		checkpoint_data, external_id, business_key, mutex_key, on_failure,
		parent_node_instance_id, error_message, error_details,
		created, modified, started, completed
	) VALUES (` + strings.Join(pps, ", ") + `)`
	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		return 0, err
	}
	wi.ID = id
	return id, nil
}

func (r *WorkflowInstanceRepository) FindByID(id int64) (*domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instance WHERE id = ` + placeholder(1) + `
	`
	return scanInstance(r.db.QueryRow(query, id))
}

func (r *WorkflowInstanceRepository) FindByExternalID(externalID string) (*domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instance WHERE external_id = ` + placeholder(1) + `
	`
	return scanInstance(r.db.QueryRow(query, externalID))
}

// FindActiveByMutexKey returns non-terminal instances holding the mutex key.
// The mutex invariant allows at most one.
func (r *WorkflowInstanceRepository) FindActiveByMutexKey(mutexKey string) (*[]domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instance
		WHERE mutex_key = ` + placeholder(1) + `
		  AND status IN ('PENDING', 'RUNNING', 'PAUSED')
	`
	return r.queryMany(query, mutexKey)
}

func (r *WorkflowInstanceRepository) FindActiveByBusinessKey(businessKey string) (*[]domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instance
		WHERE business_key = ` + placeholder(1) + `
		  AND status IN ('PENDING', 'RUNNING', 'PAUSED')
	`
	return r.queryMany(query, businessKey)
}

// FindResumable returns claimable work: non-terminal instances with no
// unexpired execution lock. The join keeps one engine from seeing
// instances another engine is actively driving.
func (r *WorkflowInstanceRepository) FindResumable(limit int) (*[]domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instance wi
		WHERE wi.status IN ('PENDING', 'RUNNING')
		  AND NOT EXISTS (
		    SELECT 1 FROM execution_lock el
		    WHERE el.lock_key = 'wf-' || wi.id
		      AND el.expires_at >= ` + nowFunc(r.clock) + `
		  )
		ORDER BY wi.modified ASC
		LIMIT ` + placeholder(1) + `
	`
	// MySQL has no || concatenation by default
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_MYSQL {
		query = strings.Replace(query, `'wf-' || wi.id`, `CONCAT('wf-', wi.id)`, 1)
	}
	return r.queryMany(query, limit)
}

func (r *WorkflowInstanceRepository) UpdateStatus(id int64, status models.InstanceStatus) error {
	query := `
		UPDATE workflow_instance
		SET status = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, string(status), id)
	return err
}

func (r *WorkflowInstanceRepository) UpdateStartingTime(id int64) error {
	query := `
		UPDATE workflow_instance
		SET started = ` + nowFunc(r.clock) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(1) + ` AND started IS NULL
	`
	_, err := r.db.Exec(query, id)
	return err
}

// UpdateCheckpoint persists the resume state after every node transition:
// current node plus opaque checkpoint JSON.
func (r *WorkflowInstanceRepository) UpdateCheckpoint(id int64, currentNodeID string, checkpoint string) error {
	query := `
		UPDATE workflow_instance
		SET current_node_id = ` + placeholder(1) + `, checkpoint_data = ` + placeholder(2) + `,
		    modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(3) + `
	`
	_, err := r.db.Exec(query, currentNodeID, checkpoint, id)
	return err
}

func (r *WorkflowInstanceRepository) SaveContextData(id int64, contextData string) error {
	query := `
		UPDATE workflow_instance
		SET context_data = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, contextData, id)
	return err
}

// MarkCompleted finalizes a terminal status together with the completion
// time and any error captured from the failing node.
func (r *WorkflowInstanceRepository) MarkCompleted(id int64, status models.InstanceStatus, errorMessage, errorDetails string) error {
	var em, ed interface{}
	if errorMessage != "" {
		em = errorMessage
	}
	if errorDetails != "" {
		ed = errorDetails
	}
	query := `
		UPDATE workflow_instance
		SET status = ` + placeholder(1) + `, error_message = ` + placeholder(2) + `,
		    error_details = ` + placeholder(3) + `,
		    completed = ` + nowFunc(r.clock) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(4) + `
	`
	_, err := r.db.Exec(query, string(status), em, ed, id)
	return err
}

// RequestCancel flips a non-terminal instance to CANCELLED. The owning
// execution loop observes the flag between node steps.
func (r *WorkflowInstanceRepository) RequestCancel(id int64) (bool, error) {
	query := `
		UPDATE workflow_instance
		SET status = 'CANCELLED', modified = ` + nowFunc(r.clock) + `, completed = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(1) + ` AND status IN ('PENDING', 'RUNNING', 'PAUSED')
	`
	res, err := r.db.Exec(query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *WorkflowInstanceRepository) SearchInstances(req models.SearchInstancesRequest) (*[]domain.WorkflowInstance, error) {
	var conds []string
	var args []interface{}
	idx := 1
	if req.DefinitionID != 0 {
		conds = append(conds, "definition_id = "+placeholder(idx))
		args = append(args, req.DefinitionID)
		idx++
	}
	if req.BusinessKey != "" {
		conds = append(conds, "business_key = "+placeholder(idx))
		args = append(args, req.BusinessKey)
		idx++
	}
	if req.ExternalID != "" {
		conds = append(conds, "external_id = "+placeholder(idx))
		args = append(args, req.ExternalID)
		idx++
	}
	if len(req.Statuses) > 0 {
		pps := make([]string, 0, len(req.Statuses))
		for _, s := range req.Statuses {
			pps = append(pps, placeholder(idx))
			args = append(args, string(s))
			idx++
		}
		conds = append(conds, "status IN ("+strings.Join(pps, ", ")+")")
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instance ` + where + `
		ORDER BY modified DESC
		LIMIT ` + placeholder(idx)
	args = append(args, limit)
	return r.queryMany(query, args...)
}

func (r *WorkflowInstanceRepository) queryMany(query string, args ...interface{}) (*[]domain.WorkflowInstance, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []domain.WorkflowInstance
	for rows.Next() {
		wi, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *wi)
	}
	return &instances, rows.Err()
}

func scanInstance(row *sql.Row) (*domain.WorkflowInstance, error) {
	return scanInstanceRow(row)
}

func scanInstanceRow(row rowScanner) (*domain.WorkflowInstance, error) {
	var wi domain.WorkflowInstance
	err := row.Scan(
		&wi.ID,
		&wi.DefinitionID,
		&wi.Status,
		&wi.CurrentNodeID,
		&wi.InputData,
		&wi.ContextData,
		&wi.CheckpointData,
		&wi.ExternalID,
		&wi.BusinessKey,
		&wi.MutexKey,
		&wi.OnFailure,
		&wi.ParentNodeInstanceID,
		&wi.ErrorMessage,
		&wi.ErrorDetails,
		&wi.Created,
		&wi.Modified,
		&wi.Started,
		&wi.Completed,
	)
	if err != nil {
		return nil, err
	}
	return &wi, nil
}
