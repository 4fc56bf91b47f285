package models

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "PENDING"
	InstanceRunning   InstanceStatus = "RUNNING"
	InstancePaused    InstanceStatus = "PAUSED"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether the instance can never execute again.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// NodeStatus is the lifecycle state of a node instance. Transitions only
// move forward: PENDING -> RUNNING -> {SUCCESS, FAILED, CANCELLED}.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeSuccess   NodeStatus = "SUCCESS"
	NodeFailed    NodeStatus = "FAILED"
	NodeCancelled NodeStatus = "CANCELLED"
)

func (s NodeStatus) Terminal() bool {
	return s == NodeSuccess || s == NodeFailed || s == NodeCancelled
}

// Loop progress phases persisted on the loop's own node instance.
const (
	LoopPopulating = "POPULATING"
	LoopExecuting  = "EXECUTING"
	LoopDone       = "DONE"
)

// Assignment statuses.
const (
	AssignmentAssigned    = "ASSIGNED"
	AssignmentRunning     = "RUNNING"
	AssignmentCompleted   = "COMPLETED"
	AssignmentFailed      = "FAILED"
	AssignmentTransferred = "TRANSFERRED"
)

// Assignment strategies record how an engine came to own an instance.
const (
	StrategyDirect     = "DIRECT"
	StrategyCapability = "CAPABILITY"
	StrategyRecovery   = "RECOVERY"
)

// Schedule execution statuses.
const (
	ScheduleRunStarted   = "STARTED"
	ScheduleRunCompleted = "COMPLETED"
	ScheduleRunSkipped   = "SKIPPED"
	ScheduleRunFailed    = "FAILED"
)

// Schedule target types.
const (
	TargetWorkflow = "WORKFLOW"
	TargetExecutor = "EXECUTOR"
)

// FailurePolicy controls whether a failure aborts the remaining graph
// (or loop items) or lets independent work continue.
type FailurePolicy string

const (
	FailureStop     FailurePolicy = "stop"
	FailureContinue FailurePolicy = "continue"
)

// Definition statuses.
const (
	DefinitionActive   = "ACTIVE"
	DefinitionDisabled = "DISABLED"
)
