package engine

import (
	"time"

	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// DefinitionRepo defines the interface for workflow definition persistence,
// matching repository.WorkflowDefinitionRepository.
type DefinitionRepo interface {
	Save(def *domain.WorkflowDefinition) (int64, error)
	FindByID(id int64) (*domain.WorkflowDefinition, error)
	FindLatestByName(name string) (*domain.WorkflowDefinition, error)
	FindByNameAndVersion(name string, version int) (*domain.WorkflowDefinition, error)
	FindAll() (*[]domain.WorkflowDefinition, error)
	CountInstances(definitionID int64) (int, error)
	UpdateStatus(id int64, status string) error
}

// InstanceRepo defines the interface for workflow instance persistence.
type InstanceRepo interface {
	Save(wi *domain.WorkflowInstance) (int64, error)
	FindByID(id int64) (*domain.WorkflowInstance, error)
	FindByExternalID(externalID string) (*domain.WorkflowInstance, error)
	FindActiveByMutexKey(mutexKey string) (*[]domain.WorkflowInstance, error)
	FindActiveByBusinessKey(businessKey string) (*[]domain.WorkflowInstance, error)
	FindResumable(limit int) (*[]domain.WorkflowInstance, error)
	UpdateStatus(id int64, status models.InstanceStatus) error
	UpdateStartingTime(id int64) error
	UpdateCheckpoint(id int64, currentNodeID string, checkpoint string) error
	SaveContextData(id int64, contextData string) error
	MarkCompleted(id int64, status models.InstanceStatus, errorMessage, errorDetails string) error
	RequestCancel(id int64) (bool, error)
	SearchInstances(req models.SearchInstancesRequest) (*[]domain.WorkflowInstance, error)
}

// NodeRepo defines the interface for node instance persistence.
type NodeRepo interface {
	Save(ni *domain.NodeInstance) (int64, error)
	FindByID(id int64) (*domain.NodeInstance, error)
	FindByNodeID(workflowInstanceID int64, nodeID string) (*domain.NodeInstance, error)
	FindAllByWorkflowInstanceID(workflowInstanceID int64) (*[]domain.NodeInstance, error)
	FindChildren(parentID int64) (*[]domain.NodeInstance, error)
	CountChildren(parentID int64) (int, error)
	PopulateChildren(parentID int64, children []*domain.NodeInstance, progress string) error
	MarkRunning(id int64) error
	MarkTerminal(id int64, status models.NodeStatus, outputData, errorMessage string, attemptCount int) error
	UpdateProgress(id int64, progress string) error
	UpdateAttemptCount(id int64, attemptCount int) error
	CancelPending(workflowInstanceID int64) error
}

// LockRepo defines the interface for the lease backend.
type LockRepo interface {
	TryAcquire(lockKey, owner string, ttl time.Duration) (*domain.ExecutionLock, error)
	Renew(lockKey, owner string, fencingToken int64, ttl time.Duration) (bool, error)
	Release(lockKey, owner string, fencingToken int64) error
	DeleteExpired() ([]string, error)
}

// AssignmentRepo defines the interface for instance-level ownership records.
type AssignmentRepo interface {
	Save(a *domain.WorkflowAssignment) (int64, error)
	FindByID(id int64) (*domain.WorkflowAssignment, error)
	FindActiveByInstance(workflowInstanceID int64) (*domain.WorkflowAssignment, error)
	FindActiveAssignments(engineID string) (*[]domain.WorkflowAssignment, error)
	FindAllByInstance(workflowInstanceID int64) (*[]domain.WorkflowAssignment, error)
	UpdateStatus(id int64, status string) error
	Transfer(priorID int64, successor *domain.WorkflowAssignment) (int64, error)
}

// NodeAssignmentRepo defines the interface for node-level ownership records.
type NodeAssignmentRepo interface {
	Save(a *domain.WorkflowNodeAssignment) (int64, error)
	FindActiveAssignments(engineID string) (*[]domain.WorkflowNodeAssignment, error)
	FindAllByInstanceAndNode(workflowInstanceID int64, nodeID string) (*[]domain.WorkflowNodeAssignment, error)
	UpdateStatus(id int64, status string) error
	Transfer(priorID int64, successor *domain.WorkflowNodeAssignment) (int64, error)
}

// EngineRepo defines the interface for engine process registration.
type EngineRepo interface {
	Save(e *domain.Engine) (int64, error)
	UpdateLastActive(engineID string, ts time.Time) error
	FindAlive(since time.Time) ([]*domain.Engine, error)
}

// ScheduleRepo defines the interface for schedule persistence.
type ScheduleRepo interface {
	Save(s *domain.Schedule) (int64, error)
	FindByID(id int64) (*domain.Schedule, error)
	FindByName(name string) (*domain.Schedule, error)
	FindAll() (*[]domain.Schedule, error)
	FindDueSchedules(limit int) (*[]domain.Schedule, error)
	ClaimNextRun(id int64, observed time.Time, next time.Time) (bool, error)
	UpdateLastRun(id int64, lastRunAt time.Time, status string) error
	SetEnabled(id int64, enabled bool) error
	UpdateNextRunAt(id int64, next time.Time) error
}

// ScheduleExecutionRepo defines the interface for the firing audit trail.
type ScheduleExecutionRepo interface {
	Save(se *domain.ScheduleExecution) (int64, error)
	FinishExecution(id int64, status string, errText string) error
	FindAllByScheduleID(scheduleID int64, limit int) (*[]domain.ScheduleExecution, error)
}
