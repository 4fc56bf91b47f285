package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// WorkflowExecutionService drives instances from PENDING to a terminal
// status. One engine holds the instance lease for the whole drive and
// renews it between nodes; a failed renewal means the lease was reclaimed
// and the drive stops immediately.
type WorkflowExecutionService struct {
	definitions   DefinitionRepo
	instances     InstanceRepo
	definitionSvc *WorkflowDefinitionService
	instanceSvc   *WorkflowInstanceService
	nodeSvc       *NodeExecutionService
	locks         *ExecutionLockService
	assignments   *AssignmentService
	clock         core.Clock

	engineID string
	lockTTL  time.Duration
}

func NewWorkflowExecutionService(
	definitions DefinitionRepo,
	instances InstanceRepo,
	definitionSvc *WorkflowDefinitionService,
	instanceSvc *WorkflowInstanceService,
	nodeSvc *NodeExecutionService,
	locks *ExecutionLockService,
	assignments *AssignmentService,
	clock core.Clock,
	engineID string,
	lockTTL time.Duration,
) *WorkflowExecutionService {
	s := &WorkflowExecutionService{
		definitions:   definitions,
		instances:     instances,
		definitionSvc: definitionSvc,
		instanceSvc:   instanceSvc,
		nodeSvc:       nodeSvc,
		locks:         locks,
		assignments:   assignments,
		clock:         clock,
		engineID:      engineID,
		lockTTL:       lockTTL,
	}
	nodeSvc.SetSubprocessRunner(s)
	return s
}

// StartWorkflow creates a new instance of the named definition. An existing
// instance with the same external id makes the call idempotent, and an
// active instance holding the same mutex or business key turns the call
// into a LOCK_CONFLICT result rather than an error.
func (s *WorkflowExecutionService) StartWorkflow(ctx context.Context, definitionName string, version int, opts models.StartOptions) (*models.StartResult, error) {
	var def *domain.WorkflowDefinition
	var err error
	if version > 0 {
		def, err = s.definitions.FindByNameAndVersion(definitionName, version)
	} else {
		def, err = s.definitions.FindLatestByName(definitionName)
	}
	if err != nil {
		return nil, fmt.Errorf("finding workflow definition %s: %w", definitionName, err)
	}
	if def.Status != models.DefinitionActive {
		return nil, configurationError("workflow definition %s v%d is disabled", def.Name, def.Version)
	}

	if opts.ExternalID != "" {
		existing, err := s.instanceSvc.FindByExternalID(opts.ExternalID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			outcome := models.StartDuplicate
			if !models.InstanceStatus(existing.Status).Terminal() {
				// Still in flight: the caller may re-drive it.
				outcome = models.StartResumed
			}
			return &models.StartResult{
				Outcome:    outcome,
				InstanceID: existing.ID,
				Message:    fmt.Sprintf("external id %s already started", opts.ExternalID),
			}, nil
		}
	}

	if err := s.definitionSvc.ValidateInput(def, opts.InputData); err != nil {
		return nil, err
	}

	conflicting, err := s.instanceSvc.FindConflicting(opts.MutexKey, opts.BusinessKey)
	if err != nil {
		return nil, err
	}
	if conflicting != nil {
		return &models.StartResult{
			Outcome:    models.StartLockConflict,
			InstanceID: conflicting.ID,
			Message:    fmt.Sprintf("instance %d already active for the same key", conflicting.ID),
		}, nil
	}

	wi, err := s.instanceSvc.CreateInstance(def, opts, 0)
	if err != nil {
		return nil, err
	}
	if opts.MutexKey != "" || opts.BusinessKey != "" {
		older, err := s.instanceSvc.ResolveStartRace(wi)
		if err != nil {
			return nil, err
		}
		if older != nil {
			return &models.StartResult{
				Outcome:    models.StartLockConflict,
				InstanceID: older.ID,
				Message:    fmt.Sprintf("instance %d already active for the same key", older.ID),
			}, nil
		}
	}
	if _, err := s.assignments.CreateAssignment(wi.ID, s.engineID, models.StrategyDirect, nil); err != nil {
		slog.Warn("Failed to record initial assignment", "workflow_instance_id", wi.ID, "error", err)
	}
	slog.Info("Workflow started",
		"workflow_instance_id", wi.ID,
		"definition", def.Name,
		"version", def.Version,
		"external_id", wi.ExternalID)
	return &models.StartResult{Outcome: models.StartStarted, InstanceID: wi.ID}, nil
}

// ResumeWorkflow re-drives an instance after a crash or transfer. Resuming
// a terminal instance is a no-op, so operators can call it blindly.
func (s *WorkflowExecutionService) ResumeWorkflow(ctx context.Context, instanceID int64) error {
	wi, err := s.instanceSvc.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if models.InstanceStatus(wi.Status).Terminal() {
		slog.Debug("Resume skipped, instance already terminal",
			"workflow_instance_id", instanceID, "status", wi.Status)
		return nil
	}
	if models.InstanceStatus(wi.Status) == models.InstancePaused {
		if err := s.instances.UpdateStatus(instanceID, models.InstanceRunning); err != nil {
			return err
		}
	}
	return s.ExecuteWorkflowInstance(ctx, instanceID)
}

// PauseWorkflow parks the instance at the next node boundary. Finished
// nodes keep their state; ResumeWorkflow picks the graph back up.
func (s *WorkflowExecutionService) PauseWorkflow(instanceID int64) (bool, error) {
	wi, err := s.instanceSvc.GetInstance(instanceID)
	if err != nil {
		return false, err
	}
	status := models.InstanceStatus(wi.Status)
	if status != models.InstancePending && status != models.InstanceRunning {
		return false, nil
	}
	if err := s.instances.UpdateStatus(instanceID, models.InstancePaused); err != nil {
		return false, err
	}
	slog.Info("Workflow paused", "workflow_instance_id", instanceID)
	return true, nil
}

// StopWorkflow requests cooperative cancellation. The running engine
// observes the flag at node boundaries and stops dispatching.
func (s *WorkflowExecutionService) StopWorkflow(instanceID int64) (bool, error) {
	cancelled, err := s.instances.RequestCancel(instanceID)
	if err != nil {
		return false, err
	}
	if cancelled {
		slog.Info("Workflow cancellation requested", "workflow_instance_id", instanceID)
	}
	return cancelled, nil
}

// ExecuteWorkflowInstance drives one instance until the graph exhausts or
// the lease cannot be renewed. Every completed node is checkpointed before
// the next one starts, so a crash anywhere resumes without re-running
// finished work.
func (s *WorkflowExecutionService) ExecuteWorkflowInstance(ctx context.Context, instanceID int64) error {
	wi, err := s.instanceSvc.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if models.InstanceStatus(wi.Status).Terminal() {
		return nil
	}

	lock, err := s.locks.AcquireWorkflowLock(instanceID, s.engineID, s.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLockConflict) {
			slog.Debug("Instance is leased by another engine",
				"workflow_instance_id", instanceID, "engine_id", s.engineID)
		}
		return err
	}
	defer func() {
		if relErr := s.locks.ReleaseWorkflowLock(lock); relErr != nil {
			slog.Warn("Failed to release workflow lease",
				"workflow_instance_id", instanceID, "error", relErr)
		}
	}()

	// A single node (or a nested subprocess drive) may run longer than the
	// lease TTL, so the lease is kept alive from a background heartbeat for
	// the whole drive, not only between node steps.
	ctx, cancelDrive := context.WithCancel(ctx)
	defer cancelDrive()
	stopHeartbeat := s.keepLeaseAlive(ctx, lock, cancelDrive)
	defer stopHeartbeat()

	if models.InstanceStatus(wi.Status) == models.InstancePending {
		if err := s.instances.UpdateStatus(instanceID, models.InstanceRunning); err != nil {
			return err
		}
		if err := s.instances.UpdateStartingTime(instanceID); err != nil {
			return err
		}
	}

	def, err := s.definitions.FindByID(wi.DefinitionID)
	if err != nil {
		return fmt.Errorf("loading definition %d: %w", wi.DefinitionID, err)
	}
	graph, err := models.ParseGraph(def.Graph)
	if err != nil {
		return s.finalize(wi, models.InstanceFailed, err.Error(), "")
	}

	st, err := s.loadState(wi)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A renewal mismatch on owner or fencing token means the lease was
		// reclaimed. Abandon without touching the instance again.
		if err := s.locks.RenewWorkflowLock(lock, s.lockTTL); err != nil {
			slog.Error("Lost workflow lease mid-drive",
				"workflow_instance_id", instanceID,
				"engine_id", s.engineID,
				"error", err)
			return err
		}

		current, err := s.instanceSvc.GetInstance(instanceID)
		if err != nil {
			return err
		}
		if models.InstanceStatus(current.Status) == models.InstanceCancelled {
			if err := s.instanceSvc.CancelRemaining(instanceID); err != nil {
				return err
			}
			return s.finalize(wi, models.InstanceCancelled, "cancelled by operator", "")
		}
		if models.InstanceStatus(current.Status) == models.InstancePaused {
			slog.Info("Workflow paused, releasing lease", "workflow_instance_id", instanceID)
			return nil
		}

		states, err := s.instanceSvc.NodeStates(instanceID)
		if err != nil {
			return err
		}
		next, exhausted, err := s.instanceSvc.NextNode(graph, states)
		if err != nil {
			return s.finalize(wi, models.InstanceFailed, err.Error(), "")
		}
		if next == nil {
			if !exhausted {
				// Nothing runnable yet but the graph is not exhausted:
				// only possible when a dependency sits in a non-terminal
				// state no node execution left behind. Treat as corrupt.
				return s.finalize(wi, models.InstanceFailed, "workflow graph stalled with no runnable node", "")
			}
			if err := s.instanceSvc.CancelRemaining(instanceID); err != nil {
				return err
			}
			return s.finishExhausted(wi, graph, states)
		}

		ni, err := s.instanceSvc.EnsureNodeInstance(instanceID, next)
		if err != nil {
			return err
		}
		if _, err := s.assignments.AssignNode(instanceID, next.ID, s.engineID, models.StrategyDirect); err != nil {
			slog.Warn("Failed to record node assignment",
				"workflow_instance_id", instanceID, "node_id", next.ID, "error", err)
		}

		result := s.nodeSvc.ExecuteNode(ctx, st, next, ni)

		if updated, stErr := s.instanceSvc.NodeStates(instanceID); stErr == nil {
			if err := s.instanceSvc.Checkpoint(instanceID, next.ID, updated); err != nil {
				slog.Warn("Failed to persist checkpoint",
					"workflow_instance_id", instanceID, "node_id", next.ID, "error", err)
			}
		}

		if result.Status == models.NodeFailed && st.onFailure == models.FailureStop {
			if err := s.instanceSvc.CancelRemaining(instanceID); err != nil {
				return err
			}
			return s.finalize(wi, models.InstanceFailed,
				fmt.Sprintf("node %s failed", next.ID), result.ErrorMessage)
		}
		if result.Status == models.NodeCancelled {
			if err := s.instanceSvc.CancelRemaining(instanceID); err != nil {
				return err
			}
			return s.finalize(wi, models.InstanceCancelled, "cancelled by operator", "")
		}
	}
}

// RunSubprocess implements SubprocessRunner. The external id keys the
// find-or-create, so re-running the parent node after a crash attaches to
// the child it already spawned.
func (s *WorkflowExecutionService) RunSubprocess(ctx context.Context, definitionName string, version int, opts models.StartOptions, parentNodeInstanceID int64) (models.InstanceStatus, string, error) {
	child, err := s.instanceSvc.FindByExternalID(opts.ExternalID)
	if err != nil {
		return "", "", err
	}
	if child == nil {
		var def *domain.WorkflowDefinition
		if version > 0 {
			def, err = s.definitions.FindByNameAndVersion(definitionName, version)
		} else {
			def, err = s.definitions.FindLatestByName(definitionName)
		}
		if err != nil {
			return "", "", fmt.Errorf("finding subprocess definition %s: %w", definitionName, err)
		}
		child, err = s.instanceSvc.CreateInstance(def, opts, parentNodeInstanceID)
		if err != nil {
			return "", "", err
		}
		slog.Info("Subprocess instance created",
			"workflow_instance_id", child.ID,
			"parent_node_instance_id", parentNodeInstanceID,
			"definition", definitionName)
	}

	if !models.InstanceStatus(child.Status).Terminal() {
		if err := s.ExecuteWorkflowInstance(ctx, child.ID); err != nil {
			return "", "", err
		}
		child, err = s.instanceSvc.GetInstance(child.ID)
		if err != nil {
			return "", "", err
		}
	}
	errMsg := ""
	if child.ErrorMessage.Valid {
		errMsg = child.ErrorMessage.String
	}
	return models.InstanceStatus(child.Status), errMsg, nil
}

// loadState rebuilds the in-memory view of a possibly half-finished
// instance: input, merged context, and the outputs of every node that
// already succeeded.
func (s *WorkflowExecutionService) loadState(wi *domain.WorkflowInstance) (*execState, error) {
	input, err := decodeData(wi.InputData)
	if err != nil {
		return nil, fmt.Errorf("decoding input data of instance %d: %w", wi.ID, err)
	}
	contextData, err := decodeData(wi.ContextData)
	if err != nil {
		return nil, fmt.Errorf("decoding context data of instance %d: %w", wi.ID, err)
	}

	states, err := s.instanceSvc.NodeStates(wi.ID)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]any, len(states))
	for nodeID, ni := range states {
		if models.NodeStatus(ni.Status) != models.NodeSuccess || !ni.OutputData.Valid {
			continue
		}
		out, err := decodeData(ni.OutputData)
		if err != nil {
			return nil, fmt.Errorf("decoding output of node %s: %w", nodeID, err)
		}
		outputs[nodeID] = out
	}

	onFailure := models.FailurePolicy(wi.OnFailure)
	if onFailure == "" {
		onFailure = models.FailureStop
	}
	return &execState{
		instance:  wi,
		input:     input,
		context:   contextData,
		outputs:   outputs,
		onFailure: onFailure,
	}, nil
}

// finishExhausted decides the terminal status once no node can run: any
// failed top-level node makes the instance FAILED, otherwise COMPLETED.
func (s *WorkflowExecutionService) finishExhausted(wi *domain.WorkflowInstance, graph []models.NodeDefinition, states map[string]*domain.NodeInstance) error {
	for i := range graph {
		ni, ok := states[graph[i].ID]
		if !ok {
			continue
		}
		if models.NodeStatus(ni.Status) == models.NodeFailed {
			msg := fmt.Sprintf("node %s failed", graph[i].ID)
			details := ""
			if ni.ErrorMessage.Valid {
				details = ni.ErrorMessage.String
			}
			return s.finalize(wi, models.InstanceFailed, msg, details)
		}
	}
	return s.finalize(wi, models.InstanceCompleted, "", "")
}

// keepLeaseAlive renews the lease on every heartbeat tick until stopped. A
// failed renewal means the lease was reclaimed; the drive context is
// cancelled so the engine stops touching the instance.
func (s *WorkflowExecutionService) keepLeaseAlive(ctx context.Context, lock *domain.ExecutionLock, cancel context.CancelFunc) func() {
	interval := s.lockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-s.clock.After(interval):
				if err := s.locks.RenewWorkflowLock(lock, s.lockTTL); err != nil {
					slog.Error("Lost workflow lease during heartbeat",
						"lock_key", lock.LockKey, "error", err)
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (s *WorkflowExecutionService) finalize(wi *domain.WorkflowInstance, status models.InstanceStatus, errorMessage, errorDetails string) error {
	if err := s.instances.MarkCompleted(wi.ID, status, errorMessage, errorDetails); err != nil {
		return err
	}
	if assignment, err := s.assignments.FindActiveAssignment(wi.ID); err == nil && assignment != nil {
		if err := s.assignments.MarkAssignmentStatus(assignment.ID, models.AssignmentCompleted); err != nil {
			slog.Warn("Failed to close assignment", "workflow_instance_id", wi.ID, "error", err)
		}
	}
	slog.Info("Workflow finished",
		"workflow_instance_id", wi.ID,
		"status", status,
		"error", errorMessage)
	return nil
}
