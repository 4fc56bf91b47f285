package repository

import (
	"database/sql"
	"strings"
	"time"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	domain "github.com/dagforge/dagforge/pkg/dagforge/domain"
)

type ScheduleRepository struct {
	db    *sql.DB
	clock core.Clock
}

const SCHEDULE_COLUMNS = ` id, name, target_type, target_name, cron_expression, timezone, enabled,
	       input_data, context_data, business_key, mutex_key,
	       next_run_at, last_run_at, last_run_status, created, modified `

func NewScheduleRepository(db *sql.DB, clock core.Clock) *ScheduleRepository {
	return &ScheduleRepository{db: db, clock: clock}
}

func (r *ScheduleRepository) Save(s *domain.Schedule) (int64, error) {
	vals := []interface{}{
		s.Name, s.TargetType, s.TargetName, s.CronExpression, s.Timezone, s.Enabled,
		s.InputData, s.ContextData, s.BusinessKey, s.MutexKey,
		formatDateInDatabaseNull(s.NextRunAt), formatDateInDatabaseNull(s.LastRunAt), s.LastRunStatus,
		formatDateInDatabase(s.Created), formatDateInDatabase(s.Modified),
	}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO schedule (
		name, target_type, target_name, cron_expression, timezone, enabled,
		input_data, context_data, business_key, mutex_key,
		next_run_at, last_run_at, last_run_status, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

func (r *ScheduleRepository) FindByID(id int64) (*domain.Schedule, error) {
	query := `
		SELECT ` + SCHEDULE_COLUMNS + `
		FROM schedule WHERE id = ` + placeholder(1) + `
	`
	return scanSchedule(r.db.QueryRow(query, id))
}

func (r *ScheduleRepository) FindByName(name string) (*domain.Schedule, error) {
	query := `
		SELECT ` + SCHEDULE_COLUMNS + `
		FROM schedule WHERE name = ` + placeholder(1) + `
	`
	return scanSchedule(r.db.QueryRow(query, name))
}

func (r *ScheduleRepository) FindAll() (*[]domain.Schedule, error) {
	query := `
		SELECT ` + SCHEDULE_COLUMNS + `
		FROM schedule ORDER BY name
	`
	return r.queryMany(query)
}

// FindDueSchedules returns enabled schedules whose next_run_at has passed.
func (r *ScheduleRepository) FindDueSchedules(limit int) (*[]domain.Schedule, error) {
	query := `
		SELECT ` + SCHEDULE_COLUMNS + `
		FROM schedule
		WHERE enabled = ` + boolLiteral(true) + `
		  AND next_run_at IS NOT NULL
		  AND ` + dateBeforeNow("next_run_at", r.clock) + `
		ORDER BY next_run_at ASC
		LIMIT ` + placeholder(1) + `
	`
	return r.queryMany(query, limit)
}

// ClaimNextRun advances next_run_at only if it still holds the value the
// scanning tick observed. A false return means another engine fired the
// schedule first; the caller must skip it. This is the anti-double-fire
// guard under overlapping scan ticks.
func (r *ScheduleRepository) ClaimNextRun(id int64, observed time.Time, next time.Time) (bool, error) {
	query := `
		UPDATE schedule
		SET next_run_at = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + ` AND next_run_at = ` + placeholder(3) + `
	`
	res, err := r.db.Exec(query,
		formatDateInDatabase(next), id,
		formatDateInDatabase(observed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *ScheduleRepository) UpdateLastRun(id int64, lastRunAt time.Time, status string) error {
	query := `
		UPDATE schedule
		SET last_run_at = ` + placeholder(1) + `, last_run_status = ` + placeholder(2) + `,
		    modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(3) + `
	`
	_, err := r.db.Exec(query, formatDateInDatabase(lastRunAt), status, id)
	return err
}

func (r *ScheduleRepository) SetEnabled(id int64, enabled bool) error {
	query := `
		UPDATE schedule
		SET enabled = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, enabled, id)
	return err
}

func (r *ScheduleRepository) UpdateNextRunAt(id int64, next time.Time) error {
	query := `
		UPDATE schedule
		SET next_run_at = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, formatDateInDatabase(next), id)
	return err
}

func (r *ScheduleRepository) queryMany(query string, args ...interface{}) (*[]domain.Schedule, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return &schedules, rows.Err()
}

func scanSchedule(row *sql.Row) (*domain.Schedule, error) {
	return scanScheduleRow(row)
}

func scanScheduleRow(row rowScanner) (*domain.Schedule, error) {
	var s domain.Schedule
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.TargetType,
		&s.TargetName,
		&s.CronExpression,
		&s.Timezone,
		&s.Enabled,
		&s.InputData,
		&s.ContextData,
		&s.BusinessKey,
		&s.MutexKey,
		&s.NextRunAt,
		&s.LastRunAt,
		&s.LastRunStatus,
		&s.Created,
		&s.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ScheduleExecutionRepository is the append-only audit trail of firings.
type ScheduleExecutionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewScheduleExecutionRepository(db *sql.DB, clock core.Clock) *ScheduleExecutionRepository {
	return &ScheduleExecutionRepository{db: db, clock: clock}
}

func (r *ScheduleExecutionRepository) Save(se *domain.ScheduleExecution) (int64, error) {
	base := `INSERT INTO schedule_execution (schedule_id, status, started, finished, error)
	VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `)`
	id, err := insertReturningID(r.db, base,
		se.ScheduleID, se.Status, formatDateInDatabase(se.Started),
		formatDateInDatabaseNull(se.Finished), se.Error)
	if err != nil {
		return 0, err
	}
	se.ID = id
	return id, nil
}

func (r *ScheduleExecutionRepository) FinishExecution(id int64, status string, errText string) error {
	var e interface{}
	if errText != "" {
		e = errText
	}
	query := `
		UPDATE schedule_execution
		SET status = ` + placeholder(1) + `, finished = ` + nowFunc(r.clock) + `, error = ` + placeholder(2) + `
		WHERE id = ` + placeholder(3) + `
	`
	_, err := r.db.Exec(query, status, e, id)
	return err
}

func (r *ScheduleExecutionRepository) FindAllByScheduleID(scheduleID int64, limit int) (*[]domain.ScheduleExecution, error) {
	query := `
		SELECT id, schedule_id, status, started, finished, error
		FROM schedule_execution
		WHERE schedule_id = ` + placeholder(1) + `
		ORDER BY id DESC
		LIMIT ` + placeholder(2) + `
	`
	rows, err := r.db.Query(query, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.ScheduleExecution
	for rows.Next() {
		var se domain.ScheduleExecution
		if err := rows.Scan(&se.ID, &se.ScheduleID, &se.Status, &se.Started, &se.Finished, &se.Error); err != nil {
			return nil, err
		}
		execs = append(execs, se)
	}
	return &execs, rows.Err()
}
