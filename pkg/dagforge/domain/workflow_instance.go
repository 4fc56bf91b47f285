package domain

import "time"
import "database/sql"

type WorkflowInstance struct {
	ID                   int64
	DefinitionID         int64
	Status               string
	CurrentNodeID        sql.NullString
	InputData            sql.NullString
	ContextData          sql.NullString
	CheckpointData       sql.NullString
	ExternalID           string
	BusinessKey          string
	MutexKey             sql.NullString
	OnFailure            string
	ParentNodeInstanceID sql.NullInt64
	ErrorMessage         sql.NullString
	ErrorDetails         sql.NullString
	Created              time.Time
	Modified             time.Time
	Started              sql.NullTime
	Completed            sql.NullTime
}
