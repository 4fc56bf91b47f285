package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// cronParser accepts standard five-field expressions plus descriptors
// such as @hourly and @every 30m.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// SchedulerService polls for due schedules and fires them. Several engines
// may poll concurrently; the compare-and-set on next_run_at guarantees each
// due tick fires exactly once across the fleet.
type SchedulerService struct {
	schedules  ScheduleRepo
	executions ScheduleExecutionRepo
	execution  *WorkflowExecutionService
	registry   *core.ExecutorRegistry
	clock      core.Clock

	engineID     string
	pollInterval time.Duration
	batchSize    int
}

func NewSchedulerService(
	schedules ScheduleRepo,
	executions ScheduleExecutionRepo,
	execution *WorkflowExecutionService,
	registry *core.ExecutorRegistry,
	clock core.Clock,
	engineID string,
	pollInterval time.Duration,
	batchSize int,
) *SchedulerService {
	return &SchedulerService{
		schedules:    schedules,
		executions:   executions,
		execution:    execution,
		registry:     registry,
		clock:        clock,
		engineID:     engineID,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Start runs the poll loop until the context is cancelled.
func (s *SchedulerService) Start(ctx context.Context) {
	slog.Info("Scheduler started",
		"engine_id", s.engineID,
		"poll_interval", s.pollInterval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped", "engine_id", s.engineID)
			return
		case <-s.clock.After(s.pollInterval):
			s.pollOnce(ctx)
		}
	}
}

func (s *SchedulerService) pollOnce(ctx context.Context) {
	due, err := s.schedules.FindDueSchedules(s.batchSize)
	if err != nil {
		slog.Error("Failed to poll due schedules", "error", err)
		return
	}
	for i := range *due {
		s.fire(ctx, &(*due)[i])
	}
}

// CreateSchedule validates the cron expression and timezone, computes the
// first firing time, and persists the schedule.
func (s *SchedulerService) CreateSchedule(sched *domain.Schedule) (int64, error) {
	if sched.TargetType != models.TargetWorkflow && sched.TargetType != models.TargetExecutor {
		return 0, configurationError("unknown schedule target type %q", sched.TargetType)
	}
	next, err := s.nextRun(sched, s.clock.Now())
	if err != nil {
		return 0, err
	}
	sched.NextRunAt = sql.NullTime{Time: next, Valid: true}
	now := s.clock.Now()
	sched.Created = now
	sched.Modified = now
	id, err := s.schedules.Save(sched)
	if err != nil {
		return 0, err
	}
	slog.Info("Schedule created",
		"schedule_id", id,
		"name", sched.Name,
		"cron", sched.CronExpression,
		"next_run_at", next)
	return id, nil
}

func (s *SchedulerService) GetSchedule(id int64) (*domain.Schedule, error) {
	return s.schedules.FindByID(id)
}

func (s *SchedulerService) ListSchedules() (*[]domain.Schedule, error) {
	return s.schedules.FindAll()
}

// SetEnabled flips the schedule on or off. Re-enabling recomputes the next
// firing from now so a long-disabled schedule does not fire for every
// missed tick.
func (s *SchedulerService) SetEnabled(id int64, enabled bool) error {
	if err := s.schedules.SetEnabled(id, enabled); err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	sched, err := s.schedules.FindByID(id)
	if err != nil {
		return err
	}
	next, err := s.nextRun(sched, s.clock.Now())
	if err != nil {
		return err
	}
	return s.schedules.UpdateNextRunAt(id, next)
}

func (s *SchedulerService) History(scheduleID int64, limit int) (*[]domain.ScheduleExecution, error) {
	return s.executions.FindAllByScheduleID(scheduleID, limit)
}

// TriggerNow fires the schedule immediately, bypassing next_run_at. The
// regular cadence is untouched.
func (s *SchedulerService) TriggerNow(ctx context.Context, scheduleID int64) error {
	sched, err := s.schedules.FindByID(scheduleID)
	if err != nil {
		return err
	}
	return s.runTarget(ctx, sched, s.clock.Now())
}

// fire claims the due tick and runs the target. Claiming first means a
// crash after the claim skips the tick rather than firing it twice, which
// is the documented at-most-once choice.
func (s *SchedulerService) fire(ctx context.Context, sched *domain.Schedule) {
	if !sched.NextRunAt.Valid {
		return
	}
	now := s.clock.Now()
	next, err := s.nextRun(sched, now)
	if err != nil {
		slog.Error("Schedule has invalid cron expression",
			"schedule_id", sched.ID, "cron", sched.CronExpression, "error", err)
		return
	}
	claimed, err := s.schedules.ClaimNextRun(sched.ID, sched.NextRunAt.Time, next)
	if err != nil {
		slog.Error("Failed to claim schedule tick", "schedule_id", sched.ID, "error", err)
		return
	}
	if !claimed {
		// Another engine observed the same tick first.
		return
	}
	if err := s.runTarget(ctx, sched, now); err != nil {
		slog.Error("Schedule firing failed", "schedule_id", sched.ID, "error", err)
	}
}

func (s *SchedulerService) runTarget(ctx context.Context, sched *domain.Schedule, firedAt time.Time) error {
	exec := &domain.ScheduleExecution{
		ScheduleID: sched.ID,
		Status:     models.ScheduleRunStarted,
		Started:    firedAt,
	}
	execID, err := s.executions.Save(exec)
	if err != nil {
		return err
	}

	status, errText := s.dispatchTarget(ctx, sched, firedAt)

	if err := s.executions.FinishExecution(execID, status, errText); err != nil {
		slog.Error("Failed to close schedule execution", "schedule_id", sched.ID, "error", err)
	}
	if err := s.schedules.UpdateLastRun(sched.ID, firedAt, status); err != nil {
		slog.Error("Failed to record schedule last run", "schedule_id", sched.ID, "error", err)
	}
	slog.Info("Schedule fired",
		"schedule_id", sched.ID,
		"name", sched.Name,
		"status", status)
	return nil
}

func (s *SchedulerService) dispatchTarget(ctx context.Context, sched *domain.Schedule, firedAt time.Time) (string, string) {
	switch sched.TargetType {
	case models.TargetWorkflow:
		return s.fireWorkflow(ctx, sched, firedAt)
	case models.TargetExecutor:
		return s.fireExecutor(ctx, sched)
	default:
		return models.ScheduleRunFailed, fmt.Sprintf("unknown target type %q", sched.TargetType)
	}
}

// fireWorkflow starts the target workflow and drives it in place. A mutex
// or business-key conflict records a SKIPPED run, never a failure.
func (s *SchedulerService) fireWorkflow(ctx context.Context, sched *domain.Schedule, firedAt time.Time) (string, string) {
	opts := models.StartOptions{
		ExternalID:  fmt.Sprintf("sched-%d-%d", sched.ID, firedAt.Unix()),
		BusinessKey: sched.BusinessKey,
	}
	if sched.MutexKey.Valid {
		opts.MutexKey = sched.MutexKey.String
	}
	if sched.InputData.Valid {
		if err := json.Unmarshal([]byte(sched.InputData.String), &opts.InputData); err != nil {
			return models.ScheduleRunFailed, fmt.Sprintf("malformed schedule input data: %v", err)
		}
	}
	if sched.ContextData.Valid {
		if err := json.Unmarshal([]byte(sched.ContextData.String), &opts.ContextData); err != nil {
			return models.ScheduleRunFailed, fmt.Sprintf("malformed schedule context data: %v", err)
		}
	}

	result, err := s.execution.StartWorkflow(ctx, sched.TargetName, 0, opts)
	if err != nil {
		return models.ScheduleRunFailed, err.Error()
	}
	switch result.Outcome {
	case models.StartLockConflict, models.StartDuplicate:
		return models.ScheduleRunSkipped, result.Message
	}
	if err := s.execution.ExecuteWorkflowInstance(ctx, result.InstanceID); err != nil {
		if IsLockConflict(err) {
			// Another engine picked the instance up, which is fine.
			return models.ScheduleRunCompleted, ""
		}
		return models.ScheduleRunFailed, err.Error()
	}
	return models.ScheduleRunCompleted, ""
}

func (s *SchedulerService) fireExecutor(ctx context.Context, sched *domain.Schedule) (string, string) {
	executor, err := s.registry.Lookup(sched.TargetName)
	if err != nil {
		return models.ScheduleRunFailed, err.Error()
	}
	config := map[string]any{}
	if sched.InputData.Valid {
		if err := json.Unmarshal([]byte(sched.InputData.String), &config); err != nil {
			return models.ScheduleRunFailed, fmt.Sprintf("malformed schedule input data: %v", err)
		}
	}
	res, err := executor.Execute(ctx, &core.ExecutionContext{
		NodeID:  sched.Name,
		Attempt: 1,
		Config:  config,
	})
	if err != nil {
		return models.ScheduleRunFailed, err.Error()
	}
	if !res.Success {
		return models.ScheduleRunFailed, res.Error
	}
	return models.ScheduleRunCompleted, ""
}

// nextRun computes the firing after max(now, previous next_run_at) in the
// schedule's timezone, so a backlog of missed ticks collapses into one.
func (s *SchedulerService) nextRun(sched *domain.Schedule, now time.Time) (time.Time, error) {
	spec, err := cronParser.Parse(sched.CronExpression)
	if err != nil {
		return time.Time{}, configurationError("parsing cron expression %q: %v", sched.CronExpression, err)
	}
	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return time.Time{}, configurationError("unknown timezone %q: %v", sched.Timezone, err)
		}
	}
	after := now
	if sched.NextRunAt.Valid && sched.NextRunAt.Time.After(after) {
		after = sched.NextRunAt.Time
	}
	return spec.Next(after.In(loc)), nil
}
