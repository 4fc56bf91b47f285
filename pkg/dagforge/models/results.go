package models

// StartOutcome classifies what StartWorkflow did.
type StartOutcome string

const (
	StartStarted      StartOutcome = "STARTED"
	StartResumed      StartOutcome = "RESUMED"
	StartLockConflict StartOutcome = "LOCK_CONFLICT"
	StartDuplicate    StartOutcome = "DUPLICATE"
)

// StartResult is returned by WorkflowExecutionService.StartWorkflow. A
// mutex/business-key conflict is a result, not an error, so schedulers can
// record a SKIPPED run instead of a failure.
type StartResult struct {
	Outcome    StartOutcome
	InstanceID int64
	Message    string
}

// NodeResult carries a node's terminal outcome up the execution loop.
// Failures travel as values, never as panics across the dispatch boundary.
type NodeResult struct {
	Status       NodeStatus
	Output       map[string]any
	ErrorMessage string
	AttemptCount int
}

// StartOptions are the caller-supplied parameters for starting a workflow.
type StartOptions struct {
	ExternalID  string
	BusinessKey string
	MutexKey    string
	OnFailure   FailurePolicy
	InputData   map[string]any
	ContextData map[string]any
}

// SearchInstancesRequest filters instance queries for callers such as the
// external admin surface.
type SearchInstancesRequest struct {
	DefinitionID int64
	Statuses     []InstanceStatus
	BusinessKey  string
	ExternalID   string
	Limit        int
}
