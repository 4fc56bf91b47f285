package domain

import "time"
import "database/sql"

type NodeInstance struct {
	ID                 int64
	WorkflowInstanceID int64
	NodeID             string
	NodeType           string
	Status             string
	ParentID           sql.NullInt64
	Progress           sql.NullString
	ItemIndex          sql.NullInt64
	OutputData         sql.NullString
	AttemptCount       int
	ErrorMessage       sql.NullString
	Created            time.Time
	Modified           time.Time
	Started            sql.NullTime
	Completed          sql.NullTime
}
