package models

import (
	"encoding/json"
	"fmt"
)

// NodeType discriminates the closed set of node variants. Dispatch over it
// is a single exhaustive switch; any node type may appear as a loop child
// or a parallel branch, including another loop.
type NodeType string

const (
	NodeTask       NodeType = "task"
	NodeCondition  NodeType = "condition"
	NodeLoop       NodeType = "loop"
	NodeParallel   NodeType = "parallel"
	NodeSubprocess NodeType = "subprocess"
)

// MaxNestingDepth bounds recursive node definitions (loop inside loop
// inside parallel ...). Definitions deeper than this are rejected at
// validation time instead of recursing unbounded at run time.
const MaxNestingDepth = 8

// NodeDefinition is one node of a workflow graph. Exactly one of the
// per-type config fields is set, selected by Type.
type NodeDefinition struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Type      NodeType      `json:"type"`
	DependsOn []string      `json:"dependsOn,omitempty"`
	Retry     *RetryConfig  `json:"retry,omitempty"`
	TimeoutMs int64         `json:"timeoutMs,omitempty"`
	OnFailure FailurePolicy `json:"onFailure,omitempty"`

	Task       *TaskConfig       `json:"task,omitempty"`
	Condition  *ConditionConfig  `json:"condition,omitempty"`
	Loop       *LoopConfig       `json:"loop,omitempty"`
	Parallel   *ParallelConfig   `json:"parallel,omitempty"`
	Subprocess *SubprocessConfig `json:"subprocess,omitempty"`
}

type TaskConfig struct {
	Executor string         `json:"executor"`
	Config   map[string]any `json:"config,omitempty"`
}

// ConditionConfig selects which successor edges stay live. Expression is
// evaluated against the merged data view; the chosen side's node IDs remain
// eligible, the other side is cancelled.
type ConditionConfig struct {
	Expression string   `json:"expression"`
	OnTrue     []string `json:"onTrue,omitempty"`
	OnFalse    []string `json:"onFalse,omitempty"`
}

// DataSource produces loop items dynamically by running an executor.
type DataSource struct {
	Executor string         `json:"executor"`
	Config   map[string]any `json:"config,omitempty"`
}

type LoopConfig struct {
	Items          []any           `json:"items,omitempty"`
	Source         *DataSource     `json:"source,omitempty"`
	Child          *NodeDefinition `json:"child"`
	MaxConcurrency int             `json:"maxConcurrency,omitempty"`
	OnFailure      FailurePolicy   `json:"onFailure,omitempty"`
}

type ParallelBranch struct {
	Name     string         `json:"name"`
	Required bool           `json:"required"`
	Node     NodeDefinition `json:"node"`
}

type ParallelConfig struct {
	Branches       []ParallelBranch `json:"branches"`
	MaxConcurrency int              `json:"maxConcurrency,omitempty"`
}

type SubprocessConfig struct {
	Definition string         `json:"definition"`
	Version    int            `json:"version,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	OnFailure  FailurePolicy  `json:"onFailure,omitempty"`
}

// ParseGraph decodes the JSON node list stored on a workflow definition.
func ParseGraph(graph string) ([]NodeDefinition, error) {
	if graph == "" {
		return nil, fmt.Errorf("workflow graph is empty")
	}
	var nodes []NodeDefinition
	if err := json.Unmarshal([]byte(graph), &nodes); err != nil {
		return nil, fmt.Errorf("decoding workflow graph: %w", err)
	}
	return nodes, nil
}

// EncodeGraph is the inverse of ParseGraph.
func EncodeGraph(nodes []NodeDefinition) (string, error) {
	b, err := json.Marshal(nodes)
	if err != nil {
		return "", fmt.Errorf("encoding workflow graph: %w", err)
	}
	return string(b), nil
}
