package domain

import "time"

// WorkflowAssignment records which engine currently owns a workflow instance.
type WorkflowAssignment struct {
	ID                   int64
	WorkflowInstanceID   int64
	EngineID             string
	Strategy             string
	RequiredCapabilities string
	Status               string
	Created              time.Time
	Modified             time.Time
}

// WorkflowNodeAssignment is the fine-grained variant used for individually
// schedulable nodes, e.g. parallel branches handed to another engine.
type WorkflowNodeAssignment struct {
	ID                   int64
	WorkflowInstanceID   int64
	NodeID               string
	EngineID             string
	Strategy             string
	RequiredCapabilities string
	Status               string
	Created              time.Time
	Modified             time.Time
}

// Engine is a registered engine process, kept alive by heartbeats.
type Engine struct {
	ID           int64
	EngineID     string
	Name         string
	Capabilities string
	Started      time.Time
	LastActive   time.Time
}

// ExecutionLock is a lease row granting one engine ownership of a key.
type ExecutionLock struct {
	LockKey      string
	Owner        string
	FencingToken int64
	ExpiresAt    time.Time
	Acquired     time.Time
}
