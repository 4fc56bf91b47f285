package engine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// EngineOptions carries the tunables for one engine process.
type EngineOptions struct {
	Name              string
	Capabilities      []string
	PollInterval      time.Duration
	WorkerCount       int
	QueueSize         int
	BatchSize         int
	HeartbeatInterval time.Duration
	RecoveryInterval  time.Duration
	LockTTL           time.Duration
}

// EngineManager owns the background machinery of one engine process: the
// resumable-instance poll loop, the worker pool, the heartbeat, and the
// lease recovery sweep.
type EngineManager struct {
	engineID  string
	opts      EngineOptions
	execution *WorkflowExecutionService
	instances InstanceRepo
	locks     *ExecutionLockService
	assigns   *AssignmentService
	engines   EngineRepo
	clock     core.Clock

	queue  chan int64
	wakeup chan struct{}
}

func NewEngineManager(
	opts EngineOptions,
	execution *WorkflowExecutionService,
	instances InstanceRepo,
	locks *ExecutionLockService,
	assigns *AssignmentService,
	engines EngineRepo,
	clock core.Clock,
	engineID string,
) *EngineManager {
	if engineID == "" {
		engineID = uuid.NewString()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 10
	}
	return &EngineManager{
		engineID:  engineID,
		opts:      opts,
		execution: execution,
		instances: instances,
		locks:     locks,
		assigns:   assigns,
		engines:   engines,
		clock:     clock,
		queue:     make(chan int64, queueSize),
		wakeup:    make(chan struct{}, 1),
	}
}

func (m *EngineManager) EngineID() string { return m.engineID }

// SetExecution wires the execution service in after construction. The
// service needs the engine id first, so the two cannot be built in one
// pass.
func (m *EngineManager) SetExecution(execution *WorkflowExecutionService) {
	m.execution = execution
}

// Wakeup nudges the poll loop to run immediately, used right after a
// StartWorkflow so the new instance does not wait a full poll interval.
func (m *EngineManager) Wakeup() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// Start registers the engine, spawns the workers and background loops, and
// polls until the context is cancelled.
func (m *EngineManager) Start(ctx context.Context) {
	if err := m.register(); err != nil {
		slog.Error("Failed to register engine instance", "engine_id", m.engineID, "error", err)
	}

	go m.heartbeatLoop(ctx)
	go m.recoveryLoop(ctx)

	slog.Info("Starting workflow engine",
		"engine_id", m.engineID,
		"name", m.opts.Name,
		"workers", m.opts.WorkerCount,
		"queue_size", cap(m.queue))
	for i := 0; i < m.opts.WorkerCount; i++ {
		go m.worker(ctx, i)
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Workflow engine stopping due to context cancel", "engine_id", m.engineID)
			return
		case <-ticker.C:
			m.pollAndEnqueue()
		case <-m.wakeup:
			m.pollAndEnqueue()
		}
	}
}

func (m *EngineManager) register() error {
	now := m.clock.Now()
	caps, err := encodeCapabilities(m.opts.Capabilities)
	if err != nil {
		return err
	}
	_, err = m.engines.Save(&domain.Engine{
		EngineID:     m.engineID,
		Name:         m.opts.Name,
		Capabilities: caps,
		Started:      now,
		LastActive:   now,
	})
	return err
}

// pollAndEnqueue claims nothing itself. The worker acquires the lease, so
// two engines enqueueing the same instance costs one wasted lock attempt
// and nothing else.
func (m *EngineManager) pollAndEnqueue() {
	resumable, err := m.instances.FindResumable(m.opts.BatchSize)
	if err != nil {
		slog.Error("Failed to poll resumable instances", "engine_id", m.engineID, "error", err)
		return
	}
	for i := range *resumable {
		select {
		case m.queue <- (*resumable)[i].ID:
		default:
			// Queue full, the next poll will pick the rest up.
			return
		}
	}
}

func (m *EngineManager) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case instanceID := <-m.queue:
			err := m.execution.ExecuteWorkflowInstance(ctx, instanceID)
			switch {
			case err == nil:
			case IsLockConflict(err):
				slog.Debug("Instance already leased",
					"worker_id", workerID, "workflow_instance_id", instanceID)
			case IsRecoveryError(err):
				slog.Warn("Instance lease reclaimed mid-drive",
					"worker_id", workerID, "workflow_instance_id", instanceID)
			default:
				slog.Error("Instance drive failed",
					"worker_id", workerID, "workflow_instance_id", instanceID, "error", err)
			}
		}
	}
}

func (m *EngineManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.engines.UpdateLastActive(m.engineID, m.clock.Now()); err != nil {
				slog.Error("Heartbeat failed", "engine_id", m.engineID, "error", err)
			}
		}
	}
}

// recoveryLoop reaps expired leases and transfers ownership of the orphaned
// instances to this engine. The poll loop then resumes them like any other
// unleased instance.
func (m *EngineManager) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recoverOnce()
		}
	}
}

func (m *EngineManager) recoverOnce() {
	reclaimed, err := m.locks.CleanupExpiredLocks()
	if err != nil {
		slog.Error("Failed to reap expired leases", "engine_id", m.engineID, "error", err)
		return
	}
	for _, key := range reclaimed {
		instanceID, ok := parseWorkflowLockKey(key)
		if !ok {
			continue
		}
		slog.Warn("Recovering orphaned workflow instance",
			"engine_id", m.engineID, "workflow_instance_id", instanceID)
		if _, err := m.assigns.TransferAssignment(instanceID, m.engineID, models.StrategyRecovery); err != nil {
			slog.Error("Failed to transfer assignment on recovery",
				"workflow_instance_id", instanceID, "error", err)
		}
	}
	if len(reclaimed) > 0 {
		m.Wakeup()
	}
}

func parseWorkflowLockKey(key string) (int64, bool) {
	raw, found := strings.CutPrefix(key, "wf-")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
