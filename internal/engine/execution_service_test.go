package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

type driveHarness struct {
	exec      *WorkflowExecutionService
	registry  *core.ExecutorRegistry
	instances *memInstanceRepo
	nodes     *memNodeRepo
	locks     *memLockRepo
	clock     *fakeClock

	defs   map[int64]*domain.WorkflowDefinition
	nextID int64
}

func newDriveHarness(t *testing.T) *driveHarness {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	h := &driveHarness{
		registry:  core.NewExecutorRegistry(),
		instances: newMemInstanceRepo(),
		nodes:     newMemNodeRepo(),
		locks:     newMemLockRepo(clock),
		clock:     clock,
		defs:      map[int64]*domain.WorkflowDefinition{},
	}

	defRepo := &MockDefinitionRepo{
		FindByIDFunc: func(id int64) (*domain.WorkflowDefinition, error) {
			if def, ok := h.defs[id]; ok {
				return def, nil
			}
			return nil, sql.ErrNoRows
		},
		FindLatestByNameFunc: func(name string) (*domain.WorkflowDefinition, error) {
			var latest *domain.WorkflowDefinition
			for _, def := range h.defs {
				if def.Name == name && (latest == nil || def.Version > latest.Version) {
					latest = def
				}
			}
			if latest == nil {
				return nil, sql.ErrNoRows
			}
			return latest, nil
		},
	}

	definitionSvc := NewWorkflowDefinitionService(defRepo, clock)
	instanceSvc := NewWorkflowInstanceService(h.instances, h.nodes, clock)
	lockSvc := NewExecutionLockService(h.locks)
	assignmentSvc := NewAssignmentService(&MockAssignmentRepo{}, &MockNodeAssignmentRepo{}, &MockEngineRepo{}, clock)
	nodeSvc := NewNodeExecutionService(h.registry, h.nodes, instanceSvc, clock, nil)

	h.exec = NewWorkflowExecutionService(
		defRepo, h.instances, definitionSvc, instanceSvc, nodeSvc,
		lockSvc, assignmentSvc, clock, "engine-1", time.Minute)
	return h
}

func (h *driveHarness) addDefinition(t *testing.T, name string, nodes []models.NodeDefinition) *domain.WorkflowDefinition {
	t.Helper()
	graph, err := models.EncodeGraph(nodes)
	require.NoError(t, err)
	h.nextID++
	def := &domain.WorkflowDefinition{
		ID:      h.nextID,
		Name:    name,
		Version: 1,
		Status:  models.DefinitionActive,
		Graph:   graph,
	}
	h.defs[def.ID] = def
	return def
}

func (h *driveHarness) registerOK(names ...string) {
	for _, name := range names {
		h.registry.Register(name, &stubExecutor{fn: func(ctx context.Context, ec *core.ExecutionContext) (*core.ExecutorResult, error) {
			return &core.ExecutorResult{Success: true, Data: map[string]any{ec.NodeID: "done"}}, nil
		}})
	}
}

func TestStartWorkflowMutexConflict(t *testing.T) {
	h := newDriveHarness(t)
	h.addDefinition(t, "billing", []models.NodeDefinition{taskNode("a")})

	first, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{MutexKey: "billing-eu"})
	require.NoError(t, err)
	assert.Equal(t, models.StartStarted, first.Outcome)

	second, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{MutexKey: "billing-eu"})
	require.NoError(t, err)
	assert.Equal(t, models.StartLockConflict, second.Outcome)
	assert.Equal(t, first.InstanceID, second.InstanceID)
}

func TestStartWorkflowDuplicateExternalID(t *testing.T) {
	h := newDriveHarness(t)
	h.registerOK("log.message")
	h.addDefinition(t, "billing", []models.NodeDefinition{taskNode("a")})

	first, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{ExternalID: "req-1"})
	require.NoError(t, err)

	// The first instance is still in flight: the repeat start reports it
	// resumable rather than merely duplicated.
	second, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{ExternalID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StartResumed, second.Outcome)
	assert.Equal(t, first.InstanceID, second.InstanceID)

	require.NoError(t, h.exec.ExecuteWorkflowInstance(context.Background(), first.InstanceID))

	third, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{ExternalID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StartDuplicate, third.Outcome)
	assert.Equal(t, first.InstanceID, third.InstanceID)
}

func TestDriveWorkflowToCompletion(t *testing.T) {
	h := newDriveHarness(t)
	h.registerOK("log.message")
	def := h.addDefinition(t, "billing", []models.NodeDefinition{
		taskNode("a"),
		{
			ID:        "fanout",
			Type:      models.NodeLoop,
			DependsOn: []string{"a"},
			Loop: &models.LoopConfig{
				Items: []any{"x", "y", "z"},
				Child: &models.NodeDefinition{
					ID:   "worker",
					Type: models.NodeTask,
					Task: &models.TaskConfig{Executor: "log.message", Config: map[string]any{"message": "${item}"}},
				},
			},
		},
		taskNode("c", "fanout"),
	})

	result, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.exec.ExecuteWorkflowInstance(context.Background(), result.InstanceID))

	wi, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceCompleted), wi.Status)
	assert.Equal(t, def.ID, wi.DefinitionID)
	assert.Equal(t, "c", wi.CurrentNodeID.String)

	all, err := h.nodes.FindAllByWorkflowInstanceID(result.InstanceID)
	require.NoError(t, err)
	topLevel := 0
	children := 0
	for i := range *all {
		if (*all)[i].ParentID.Valid {
			children++
		} else {
			topLevel++
		}
		assert.Equal(t, string(models.NodeSuccess), (*all)[i].Status, (*all)[i].NodeID)
	}
	assert.Equal(t, 3, topLevel)
	assert.Equal(t, 3, children)
}

func TestDriveWorkflowStopsOnFailure(t *testing.T) {
	h := newDriveHarness(t)
	h.registry.Register("boom", &stubExecutor{fn: func(ctx context.Context, ec *core.ExecutionContext) (*core.ExecutorResult, error) {
		return &core.ExecutorResult{Success: false, Error: "charge declined"}, nil
	}})
	h.addDefinition(t, "billing", []models.NodeDefinition{
		{ID: "a", Type: models.NodeTask, Task: &models.TaskConfig{Executor: "boom"}},
		taskNode("b", "a"),
	})

	result, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.exec.ExecuteWorkflowInstance(context.Background(), result.InstanceID))

	wi, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceFailed), wi.Status)
	assert.Contains(t, wi.ErrorMessage.String, "node a failed")
	assert.Contains(t, wi.ErrorDetails.String, "charge declined")
}

func TestDriveWorkflowContinuePolicyRunsIndependentNodes(t *testing.T) {
	h := newDriveHarness(t)
	h.registerOK("log.message")
	h.registry.Register("boom", &stubExecutor{fn: func(ctx context.Context, ec *core.ExecutionContext) (*core.ExecutorResult, error) {
		return &core.ExecutorResult{Success: false, Error: "boom"}, nil
	}})
	h.addDefinition(t, "billing", []models.NodeDefinition{
		taskNode("a"),
		{ID: "b", Type: models.NodeTask, DependsOn: []string{"a"}, Task: &models.TaskConfig{Executor: "boom"}},
		taskNode("c", "a"),
	})

	result, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{
		OnFailure: models.FailureContinue,
	})
	require.NoError(t, err)
	require.NoError(t, h.exec.ExecuteWorkflowInstance(context.Background(), result.InstanceID))

	wi, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceFailed), wi.Status, "a failed node still fails the instance at the end")

	c, err := h.nodes.FindByNodeID(result.InstanceID, "c")
	require.NoError(t, err)
	assert.Equal(t, string(models.NodeSuccess), c.Status, "independent work keeps running under the continue policy")
}

func TestResumeRedispatchesAbandonedRunningNode(t *testing.T) {
	h := newDriveHarness(t)
	h.registerOK("log.message")
	h.addDefinition(t, "billing", []models.NodeDefinition{
		taskNode("a"),
		taskNode("b", "a"),
	})

	result, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{})
	require.NoError(t, err)

	// A crashed engine leaves the node RUNNING with no result behind.
	_, err = h.nodes.Save(&domain.NodeInstance{
		WorkflowInstanceID: result.InstanceID,
		NodeID:             "a",
		NodeType:           string(models.NodeTask),
		Status:             string(models.NodeRunning),
	})
	require.NoError(t, err)

	require.NoError(t, h.exec.ResumeWorkflow(context.Background(), result.InstanceID))

	wi, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceCompleted), wi.Status)

	a, err := h.nodes.FindByNodeID(result.InstanceID, "a")
	require.NoError(t, err)
	assert.Equal(t, string(models.NodeSuccess), a.Status, "the abandoned node runs again")
	b, err := h.nodes.FindByNodeID(result.InstanceID, "b")
	require.NoError(t, err)
	assert.Equal(t, string(models.NodeSuccess), b.Status)
}

func TestLeaseRenewedWhileNodeExecutes(t *testing.T) {
	h := newDriveHarness(t)
	h.addDefinition(t, "billing", []models.NodeDefinition{
		{ID: "slow", Type: models.NodeTask, Task: &models.TaskConfig{Executor: "slow"}},
	})

	result, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{})
	require.NoError(t, err)
	key := workflowLockKey(result.InstanceID)

	var renewedMidNode atomic.Bool
	h.registry.Register("slow", &stubExecutor{fn: func(ctx context.Context, ec *core.ExecutionContext) (*core.ExecutorResult, error) {
		// Push the clock well past the lease TTL, then wait for the
		// background heartbeat to extend the lease again.
		h.clock.advance(5 * time.Minute)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			h.locks.mu.Lock()
			lock, ok := h.locks.locks[key]
			live := ok && lock.ExpiresAt.After(h.clock.Now())
			h.locks.mu.Unlock()
			if live {
				renewedMidNode.Store(true)
				break
			}
			time.Sleep(time.Millisecond)
		}
		return &core.ExecutorResult{Success: true}, nil
	}})

	require.NoError(t, h.exec.ExecuteWorkflowInstance(context.Background(), result.InstanceID))
	assert.True(t, renewedMidNode.Load(), "lease must stay live while a node outlasts the TTL")

	wi, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceCompleted), wi.Status)
}

func TestPauseAndResumeWorkflow(t *testing.T) {
	h := newDriveHarness(t)
	h.registerOK("log.message")
	h.addDefinition(t, "billing", []models.NodeDefinition{taskNode("a")})

	result, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{})
	require.NoError(t, err)

	paused, err := h.exec.PauseWorkflow(result.InstanceID)
	require.NoError(t, err)
	assert.True(t, paused)

	// The drive loop parks a paused instance without finalizing it.
	require.NoError(t, h.exec.ExecuteWorkflowInstance(context.Background(), result.InstanceID))
	wi, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstancePaused), wi.Status)

	require.NoError(t, h.exec.ResumeWorkflow(context.Background(), result.InstanceID))
	wi, err = h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceCompleted), wi.Status)

	paused, err = h.exec.PauseWorkflow(result.InstanceID)
	require.NoError(t, err)
	assert.False(t, paused, "a finished instance cannot be paused")
}

func TestResumeWorkflowTerminalIsNoop(t *testing.T) {
	h := newDriveHarness(t)
	id, err := h.instances.Save(&domain.WorkflowInstance{Status: string(models.InstanceCompleted)})
	require.NoError(t, err)

	require.NoError(t, h.exec.ResumeWorkflow(context.Background(), id))

	wi, err := h.instances.FindByID(id)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceCompleted), wi.Status)
}

func TestStopWorkflowCancelsBeforeNextNode(t *testing.T) {
	h := newDriveHarness(t)
	h.registerOK("log.message")
	h.addDefinition(t, "billing", []models.NodeDefinition{taskNode("a")})

	result, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{})
	require.NoError(t, err)

	cancelled, err := h.exec.StopWorkflow(result.InstanceID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.NoError(t, h.exec.ExecuteWorkflowInstance(context.Background(), result.InstanceID))
	wi, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceCancelled), wi.Status)

	a, err := h.nodes.FindByNodeID(result.InstanceID, "a")
	if err == nil {
		assert.Equal(t, string(models.NodeCancelled), a.Status)
	}
}

func TestExecuteWorkflowInstanceRespectsForeignLease(t *testing.T) {
	h := newDriveHarness(t)
	h.registerOK("log.message")
	h.addDefinition(t, "billing", []models.NodeDefinition{taskNode("a")})

	result, err := h.exec.StartWorkflow(context.Background(), "billing", 0, models.StartOptions{})
	require.NoError(t, err)

	_, err = h.locks.TryAcquire(workflowLockKey(result.InstanceID), "engine-2", time.Minute)
	require.NoError(t, err)

	err = h.exec.ExecuteWorkflowInstance(context.Background(), result.InstanceID)
	require.Error(t, err)
	assert.True(t, IsLockConflict(err))

	wi, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstancePending), wi.Status, "a leased instance must not be touched")
}

func TestSubprocessDrivesChildInstance(t *testing.T) {
	h := newDriveHarness(t)
	h.registerOK("log.message")
	h.addDefinition(t, "child-flow", []models.NodeDefinition{taskNode("inner")})
	h.addDefinition(t, "parent-flow", []models.NodeDefinition{
		{
			ID:         "sub",
			Type:       models.NodeSubprocess,
			Subprocess: &models.SubprocessConfig{Definition: "child-flow"},
		},
	})

	result, err := h.exec.StartWorkflow(context.Background(), "parent-flow", 0, models.StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.exec.ExecuteWorkflowInstance(context.Background(), result.InstanceID))

	parent, err := h.instances.FindByID(result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceCompleted), parent.Status)

	subNode, err := h.nodes.FindByNodeID(result.InstanceID, "sub")
	require.NoError(t, err)
	assert.Equal(t, string(models.NodeSuccess), subNode.Status)

	child, err := h.instances.FindByExternalID(
		fmt.Sprintf("sub-%d-sub", result.InstanceID))
	require.NoError(t, err)
	assert.Equal(t, string(models.InstanceCompleted), child.Status)
	require.True(t, child.ParentNodeInstanceID.Valid)
	assert.Equal(t, subNode.ID, child.ParentNodeInstanceID.Int64)
}
