package domain

import "time"
import "database/sql"

type Schedule struct {
	ID             int64
	Name           string
	TargetType     string
	TargetName     string
	CronExpression string
	Timezone       string
	Enabled        bool
	InputData      sql.NullString
	ContextData    sql.NullString
	BusinessKey    string
	MutexKey       sql.NullString
	NextRunAt      sql.NullTime
	LastRunAt      sql.NullTime
	LastRunStatus  sql.NullString
	Created        time.Time
	Modified       time.Time
}

// ScheduleExecution is the append-only audit trail of scheduler firings.
type ScheduleExecution struct {
	ID         int64
	ScheduleID int64
	Status     string
	Started    time.Time
	Finished   sql.NullTime
	Error      sql.NullString
}
