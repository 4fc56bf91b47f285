package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ExecutionContext is the view of the world handed to an executor: the
// node's resolved config plus the merged instance data it may read.
type ExecutionContext struct {
	WorkflowInstanceID int64
	NodeID             string
	Attempt            int
	Config             map[string]any
	InputData          map[string]any
	ContextData        map[string]any
}

// ExecutorResult is what an executor reports back. Data is merged into the
// instance contextData on success. ShouldRetry lets an executor mark a
// failure as transient even when it returns no Go error.
type ExecutorResult struct {
	Success     bool
	Data        map[string]any
	Error       string
	ShouldRetry bool
}

// Executor is a pluggable business-logic unit invoked by task nodes and
// loop data sources. The engine is agnostic to its internals.
type Executor interface {
	Execute(ctx context.Context, ec *ExecutionContext) (*ExecutorResult, error)
}

// ConfigValidator is optionally implemented by executors that can check
// their config at definition-save time.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// ExecutorRegistry maps executor names to implementations. It is passed
// explicitly into the services that need it rather than living in a
// package-level singleton, so tests can supply fakes without leakage.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]Executor)}
}

func (r *ExecutorRegistry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = e
}

// Lookup returns the named executor. A missing name is a configuration
// error for the caller, never something to retry.
func (r *ExecutorRegistry) Lookup(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("executor not registered: %s", name)
	}
	return e, nil
}

// Names returns the registered executor names, sorted.
func (r *ExecutorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
