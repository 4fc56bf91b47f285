package repository

import (
	"database/sql"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	domain "github.com/dagforge/dagforge/pkg/dagforge/domain"
)

type WorkflowDefinitionRepository struct {
	db    *sql.DB
	clock core.Clock
}

const DEFINITION_COLUMNS = ` id, name, version, description, status, graph, input_schema, created, updated `

func NewWorkflowDefinitionRepository(db *sql.DB, clock core.Clock) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db, clock: clock}
}

func (r *WorkflowDefinitionRepository) Save(def *domain.WorkflowDefinition) (int64, error) {
	base := `INSERT INTO workflow_definition (
		name, version, description, status, graph, input_schema, created, updated
	) VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` +
		placeholder(5) + `, ` + placeholder(6) + `, ` + placeholder(7) + `, ` + placeholder(8) + `)`
	id, err := insertReturningID(r.db, base,
		def.Name, def.Version, def.Description, def.Status, def.Graph, def.InputSchema,
		formatDateInDatabase(def.Created), formatDateInDatabase(def.Updated))
	if err != nil {
		return 0, err
	}
	def.ID = id
	return id, nil
}

func (r *WorkflowDefinitionRepository) FindByID(id int64) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definition WHERE id = ` + placeholder(1) + `
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

// FindLatestByName returns the highest version for the given name.
func (r *WorkflowDefinitionRepository) FindLatestByName(name string) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definition WHERE name = ` + placeholder(1) + `
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query, name))
}

func (r *WorkflowDefinitionRepository) FindByNameAndVersion(name string, version int) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definition WHERE name = ` + placeholder(1) + ` AND version = ` + placeholder(2) + `
	`
	return r.scanOne(r.db.QueryRow(query, name, version))
}

func (r *WorkflowDefinitionRepository) FindAll() (*[]domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definition
		ORDER BY name, version
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return &defs, rows.Err()
}

// CountInstances reports how many instances reference the definition. A
// referenced definition is immutable; edits must create a new version.
func (r *WorkflowDefinitionRepository) CountInstances(definitionID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM workflow_instance WHERE definition_id = ` + placeholder(1) + `
	`
	var n int
	err := r.db.QueryRow(query, definitionID).Scan(&n)
	return n, err
}

func (r *WorkflowDefinitionRepository) UpdateStatus(id int64, status string) error {
	query := `
		UPDATE workflow_definition
		SET status = ` + placeholder(1) + `, updated = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, status, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowDefinitionRepository) scanOne(row *sql.Row) (*domain.WorkflowDefinition, error) {
	return scanDefinition(row)
}

func scanDefinition(row rowScanner) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.Version,
		&def.Description,
		&def.Status,
		&def.Graph,
		&def.InputSchema,
		&def.Created,
		&def.Updated,
	)
	if err != nil {
		return nil, err
	}
	return &def, nil
}
