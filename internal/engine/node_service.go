package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// SubprocessRunner finds-or-creates and drives a nested workflow instance.
// WorkflowExecutionService implements it; the indirection breaks the import
// cycle between node dispatch and the top-level driver.
type SubprocessRunner interface {
	RunSubprocess(ctx context.Context, definitionName string, version int, opts models.StartOptions, parentNodeInstanceID int64) (models.InstanceStatus, string, error)
}

// execState carries the per-instance data a node executes against. Context
// merges go through mu so concurrent loop children and parallel branches
// never race on the single shared contextData.
type execState struct {
	instance  *domain.WorkflowInstance
	input     map[string]any
	context   map[string]any
	outputs   map[string]any
	onFailure models.FailurePolicy
	mu        sync.Mutex
}

// NodeExecutionService dispatches one node instance by type and runs it to
// a terminal state. All five variants go through the one switch in
// executeResolved, so any node type can appear as a loop child or a
// parallel branch.
type NodeExecutionService struct {
	registry    *core.ExecutorRegistry
	nodes       NodeRepo
	instanceSvc *WorkflowInstanceService
	clock       core.Clock
	resolver    *TemplateResolver
	subprocess  SubprocessRunner

	defaultTimeout time.Duration
}

func NewNodeExecutionService(registry *core.ExecutorRegistry, nodes NodeRepo, instanceSvc *WorkflowInstanceService, clock core.Clock, resolver *TemplateResolver) *NodeExecutionService {
	if resolver == nil {
		resolver = &TemplateResolver{}
	}
	return &NodeExecutionService{
		registry:       registry,
		nodes:          nodes,
		instanceSvc:    instanceSvc,
		clock:          clock,
		resolver:       resolver,
		defaultTimeout: 5 * time.Minute,
	}
}

// SetSubprocessRunner wires the top-level driver in after construction.
func (s *NodeExecutionService) SetSubprocessRunner(r SubprocessRunner) {
	s.subprocess = r
}

// ExecuteNode runs one top-level node to a terminal state and records the
// outcome on its node instance. Failures come back as the result value,
// never as an error across this boundary.
func (s *NodeExecutionService) ExecuteNode(ctx context.Context, st *execState, node *models.NodeDefinition, ni *domain.NodeInstance) models.NodeResult {
	return s.executeResolved(ctx, st, node, ni, nil)
}

func (s *NodeExecutionService) executeResolved(ctx context.Context, st *execState, node *models.NodeDefinition, ni *domain.NodeInstance, bindings map[string]any) models.NodeResult {
	if err := s.nodes.MarkRunning(ni.ID); err != nil {
		return failedResult(fmt.Sprintf("marking node %s running: %v", node.ID, err), 0)
	}
	slog.Info("Executing node",
		"workflow_instance_id", st.instance.ID,
		"node_id", node.ID,
		"node_type", node.Type)

	var result models.NodeResult
	switch node.Type {
	case models.NodeTask:
		result = s.executeTask(ctx, st, node, ni, bindings)
	case models.NodeCondition:
		result = s.executeCondition(st, node, bindings)
	case models.NodeLoop:
		result = s.executeLoop(ctx, st, node, ni, bindings)
	case models.NodeParallel:
		result = s.executeParallel(ctx, st, node, ni, bindings)
	case models.NodeSubprocess:
		result = s.executeSubprocess(ctx, st, node, ni, bindings)
	default:
		result = failedResult(fmt.Sprintf("unknown node type %q", node.Type), 0)
	}

	outputJSON := ""
	if result.Output != nil {
		if b, err := json.Marshal(result.Output); err == nil {
			outputJSON = string(b)
		}
	}
	if err := s.nodes.MarkTerminal(ni.ID, result.Status, outputJSON, result.ErrorMessage, result.AttemptCount); err != nil {
		slog.Error("Failed to persist node outcome", "node_id", node.ID, "error", err)
	}
	if result.Status == models.NodeSuccess && result.Output != nil {
		st.mu.Lock()
		st.outputs[node.ID] = result.Output
		st.mu.Unlock()
	}
	return result
}

func (s *NodeExecutionService) executeTask(ctx context.Context, st *execState, node *models.NodeDefinition, ni *domain.NodeInstance, bindings map[string]any) models.NodeResult {
	view := s.buildView(st, bindings)
	config, err := s.resolver.ResolveConfig(node.Task.Config, view)
	if err != nil {
		return failedResult(err.Error(), 0)
	}

	executor, err := s.registry.Lookup(node.Task.Executor)
	if err != nil {
		// Unknown executor is fatal configuration, never retried.
		return failedResult(configurationError("%v", err).Error(), 0)
	}

	retry := models.DefaultRetryConfig()
	if node.Retry != nil {
		retry = *node.Retry
	}
	timeout := s.defaultTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}

	var lastErr string
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		res, err := s.invokeExecutor(ctx, executor, &core.ExecutionContext{
			WorkflowInstanceID: st.instance.ID,
			NodeID:             node.ID,
			Attempt:            attempt,
			Config:             config,
			InputData:          st.input,
			ContextData:        s.snapshotContext(st),
		}, timeout)

		if err == nil && res != nil && res.Success {
			if len(res.Data) > 0 {
				st.mu.Lock()
				merged, mergeErr := s.instanceSvc.MergeContext(st.instance, res.Data)
				if mergeErr == nil {
					st.context = merged
				}
				st.mu.Unlock()
				if mergeErr != nil {
					return failedResult(fmt.Sprintf("merging node output: %v", mergeErr), attempt)
				}
			}
			return models.NodeResult{Status: models.NodeSuccess, Output: res.Data, AttemptCount: attempt}
		}

		retryable := true
		switch {
		case err != nil:
			lastErr = err.Error()
		case res != nil:
			lastErr = res.Error
			retryable = res.ShouldRetry
		}
		if !retryable || attempt == retry.MaxAttempts {
			return failedResult(lastErr, attempt)
		}
		// Persist attempts between retries, so a crash mid-backoff resumes
		// with the count intact instead of restarting from zero.
		if err := s.nodes.UpdateAttemptCount(ni.ID, attempt); err != nil {
			slog.Warn("Failed to persist attempt count",
				"workflow_instance_id", st.instance.ID, "node_id", node.ID, "error", err)
		}
		delay := retry.SlidingInterval(attempt)
		slog.Warn("Node attempt failed, retrying",
			"workflow_instance_id", st.instance.ID,
			"node_id", node.ID,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", lastErr)
		s.clock.Sleep(delay)
	}
	return failedResult(lastErr, retry.MaxAttempts)
}

// invokeExecutor runs the executor under a timeout. A timed-out call is
// left to finish on its own goroutine; its result is discarded because the
// side effects cannot be rolled back anyway.
func (s *NodeExecutionService) invokeExecutor(ctx context.Context, executor core.Executor, ec *core.ExecutionContext, timeout time.Duration) (*core.ExecutorResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *core.ExecutorResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := executor.Execute(callCtx, ec)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-callCtx.Done():
		return nil, executionError("executor timed out after %s on node %s", timeout, ec.NodeID)
	}
}

func (s *NodeExecutionService) executeCondition(st *execState, node *models.NodeDefinition, bindings map[string]any) models.NodeResult {
	view := s.buildView(st, bindings)
	value, err := EvaluateExpression(node.Condition.Expression, view)
	if err != nil {
		return failedResult(err.Error(), 1)
	}
	selected := node.Condition.OnFalse
	if value {
		selected = node.Condition.OnTrue
	}
	if selected == nil {
		selected = []string{}
	}
	// The choice is the only persisted side effect.
	return models.NodeResult{
		Status:       models.NodeSuccess,
		Output:       map[string]any{"result": value, "selected": selected},
		AttemptCount: 1,
	}
}

func (s *NodeExecutionService) executeLoop(ctx context.Context, st *execState, node *models.NodeDefinition, ni *domain.NodeInstance, bindings map[string]any) models.NodeResult {
	// Populate runs exactly once: re-entering after progress advanced to
	// EXECUTING is a no-op and the persisted children are reused.
	if !ni.Progress.Valid || ni.Progress.String == models.LoopPopulating {
		items, err := s.resolveLoopItems(ctx, st, node, bindings)
		if err != nil {
			return failedResult(err.Error(), 1)
		}
		children := make([]*domain.NodeInstance, 0, len(items))
		now := s.clock.Now()
		for i, item := range items {
			seed, err := json.Marshal(map[string]any{"item": item, "index": i})
			if err != nil {
				return failedResult(fmt.Sprintf("encoding loop item %d: %v", i, err), 1)
			}
			children = append(children, &domain.NodeInstance{
				WorkflowInstanceID: st.instance.ID,
				NodeID:             fmt.Sprintf("%s[%d]", node.ID, i),
				NodeType:           string(node.Loop.Child.Type),
				Status:             string(models.NodePending),
				ParentID:           sql.NullInt64{Int64: ni.ID, Valid: true},
				ItemIndex:          sql.NullInt64{Int64: int64(i), Valid: true},
				OutputData:         sql.NullString{String: string(seed), Valid: true},
				Created:            now,
				Modified:           now,
			})
		}
		if err := s.nodes.PopulateChildren(ni.ID, children, models.LoopExecuting); err != nil {
			return failedResult(fmt.Sprintf("populating loop children: %v", err), 1)
		}
		slog.Info("Loop populated",
			"workflow_instance_id", st.instance.ID,
			"node_id", node.ID,
			"children", len(children))
	}

	children, err := s.nodes.FindChildren(ni.ID)
	if err != nil {
		return failedResult(fmt.Sprintf("loading loop children: %v", err), 1)
	}

	policy := node.Loop.OnFailure
	if policy == "" {
		policy = node.OnFailure
	}
	if policy == "" {
		policy = models.FailureStop
	}

	failures := s.runChildren(ctx, st, node, *children, policy)

	succeeded, failed := 0, 0
	children, err = s.nodes.FindChildren(ni.ID)
	if err != nil {
		return failedResult(fmt.Sprintf("reloading loop children: %v", err), 1)
	}
	for i := range *children {
		switch models.NodeStatus((*children)[i].Status) {
		case models.NodeSuccess:
			succeeded++
		case models.NodeFailed:
			failed++
		}
	}
	output := map[string]any{"total": len(*children), "succeeded": succeeded, "failed": failed}

	if err := s.nodes.UpdateProgress(ni.ID, models.LoopDone); err != nil {
		slog.Error("Failed to persist loop progress", "node_id", node.ID, "error", err)
	}
	if cancelled, _ := s.instanceCancelled(st.instance.ID); cancelled {
		return models.NodeResult{Status: models.NodeCancelled, Output: output, AttemptCount: 1}
	}
	if failed > 0 && policy == models.FailureStop {
		return models.NodeResult{
			Status:       models.NodeFailed,
			Output:       output,
			ErrorMessage: failures.Error(),
			AttemptCount: 1,
		}
	}
	return models.NodeResult{Status: models.NodeSuccess, Output: output, AttemptCount: 1}
}

// runChildren drives unfinished loop children serially or under a bounded
// worker pool, each dispatched recursively through the same type switch.
func (s *NodeExecutionService) runChildren(ctx context.Context, st *execState, node *models.NodeDefinition, children []domain.NodeInstance, policy models.FailurePolicy) *multierror.Error {
	var failures *multierror.Error
	var failMu sync.Mutex
	aborted := false

	concurrency := node.Loop.MaxConcurrency
	if concurrency <= 1 {
		for i := range children {
			child := &children[i]
			if models.NodeStatus(child.Status).Terminal() {
				continue
			}
			if cancelled, _ := s.instanceCancelled(st.instance.ID); cancelled {
				return failures
			}
			if result := s.runLoopChild(ctx, st, node, child); result.Status == models.NodeFailed {
				failures = multierror.Append(failures, fmt.Errorf("child %s: %s", child.NodeID, result.ErrorMessage))
				if policy == models.FailureStop {
					return failures
				}
			}
		}
		return failures
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i := range children {
		child := &children[i]
		if models.NodeStatus(child.Status).Terminal() {
			continue
		}
		failMu.Lock()
		stop := aborted
		failMu.Unlock()
		if stop {
			break
		}
		if cancelled, _ := s.instanceCancelled(st.instance.ID); cancelled {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(child *domain.NodeInstance) {
			defer wg.Done()
			defer func() { <-sem }()
			if result := s.runLoopChild(ctx, st, node, child); result.Status == models.NodeFailed {
				failMu.Lock()
				failures = multierror.Append(failures, fmt.Errorf("child %s: %s", child.NodeID, result.ErrorMessage))
				if policy == models.FailureStop {
					aborted = true
				}
				failMu.Unlock()
			}
		}(child)
	}
	wg.Wait()
	return failures
}

func (s *NodeExecutionService) runLoopChild(ctx context.Context, st *execState, node *models.NodeDefinition, child *domain.NodeInstance) models.NodeResult {
	bindings, err := loopChildBindings(child)
	if err != nil {
		return failedResult(err.Error(), 0)
	}
	childDef := *node.Loop.Child
	childDef.ID = child.NodeID
	return s.executeResolved(ctx, st, &childDef, child, bindings)
}

// loopChildBindings recovers the item/index pair seeded on the child row at
// populate time, so execution survives restarts with dynamic sources.
func loopChildBindings(child *domain.NodeInstance) (map[string]any, error) {
	if !child.OutputData.Valid {
		return map[string]any{}, nil
	}
	var seed map[string]any
	if err := json.Unmarshal([]byte(child.OutputData.String), &seed); err != nil {
		return nil, fmt.Errorf("loop child %s has malformed seed data: %w", child.NodeID, err)
	}
	return seed, nil
}

func (s *NodeExecutionService) resolveLoopItems(ctx context.Context, st *execState, node *models.NodeDefinition, bindings map[string]any) ([]any, error) {
	view := s.buildView(st, bindings)
	if len(node.Loop.Items) > 0 {
		resolved, err := s.resolver.Resolve(node.Loop.Items, view)
		if err != nil {
			return nil, err
		}
		items, ok := resolved.([]any)
		if !ok {
			return nil, configurationError("loop node %q items did not resolve to a list", node.ID)
		}
		return items, nil
	}

	executor, err := s.registry.Lookup(node.Loop.Source.Executor)
	if err != nil {
		return nil, configurationError("%v", err)
	}
	config, err := s.resolver.ResolveConfig(node.Loop.Source.Config, view)
	if err != nil {
		return nil, err
	}
	res, err := s.invokeExecutor(ctx, executor, &core.ExecutionContext{
		WorkflowInstanceID: st.instance.ID,
		NodeID:             node.ID,
		Attempt:            1,
		Config:             config,
		InputData:          st.input,
		ContextData:        s.snapshotContext(st),
	}, s.defaultTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, executionError("loop source executor failed: %s", res.Error)
	}
	items, ok := res.Data["items"].([]any)
	if !ok {
		return nil, configurationError("loop node %q source returned no items list", node.ID)
	}
	return items, nil
}

func (s *NodeExecutionService) executeParallel(ctx context.Context, st *execState, node *models.NodeDefinition, ni *domain.NodeInstance, bindings map[string]any) models.NodeResult {
	// Branch rows commit atomically, same as a loop's fan-out, so a crash
	// mid-parallel resumes against a consistent branch set.
	count, err := s.nodes.CountChildren(ni.ID)
	if err != nil {
		return failedResult(fmt.Sprintf("counting parallel branches: %v", err), 1)
	}
	if count == 0 {
		now := s.clock.Now()
		children := make([]*domain.NodeInstance, 0, len(node.Parallel.Branches))
		for i, branch := range node.Parallel.Branches {
			children = append(children, &domain.NodeInstance{
				WorkflowInstanceID: st.instance.ID,
				NodeID:             fmt.Sprintf("%s.%s", node.ID, branch.Name),
				NodeType:           string(branch.Node.Type),
				Status:             string(models.NodePending),
				ParentID:           sql.NullInt64{Int64: ni.ID, Valid: true},
				ItemIndex:          sql.NullInt64{Int64: int64(i), Valid: true},
				Created:            now,
				Modified:           now,
			})
		}
		if err := s.nodes.PopulateChildren(ni.ID, children, models.LoopExecuting); err != nil {
			return failedResult(fmt.Sprintf("creating parallel branches: %v", err), 1)
		}
	}

	children, err := s.nodes.FindChildren(ni.ID)
	if err != nil {
		return failedResult(fmt.Sprintf("loading parallel branches: %v", err), 1)
	}

	concurrency := node.Parallel.MaxConcurrency
	if concurrency <= 0 {
		concurrency = len(node.Parallel.Branches)
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]models.NodeResult, len(*children))

	for i := range *children {
		child := &(*children)[i]
		if models.NodeStatus(child.Status).Terminal() {
			results[i] = models.NodeResult{Status: models.NodeStatus(child.Status)}
			continue
		}
		if !child.ItemIndex.Valid || int(child.ItemIndex.Int64) >= len(node.Parallel.Branches) {
			results[i] = failedResult(fmt.Sprintf("branch row %s does not match the definition", child.NodeID), 0)
			continue
		}
		if cancelled, _ := s.instanceCancelled(st.instance.ID); cancelled {
			results[i] = models.NodeResult{Status: models.NodeCancelled}
			continue
		}
		branch := node.Parallel.Branches[child.ItemIndex.Int64]
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, child *domain.NodeInstance, branch models.ParallelBranch) {
			defer wg.Done()
			defer func() { <-sem }()
			branchDef := branch.Node
			branchDef.ID = child.NodeID
			results[i] = s.executeResolved(ctx, st, &branchDef, child, bindings)
		}(i, child, branch)
	}
	wg.Wait()

	var failures *multierror.Error
	branchStatus := make(map[string]any, len(*children))
	requiredFailed := false
	for i := range *children {
		child := &(*children)[i]
		branchStatus[child.NodeID] = string(results[i].Status)
		if results[i].Status != models.NodeFailed {
			continue
		}
		failures = multierror.Append(failures, fmt.Errorf("branch %s: %s", child.NodeID, results[i].ErrorMessage))
		if child.ItemIndex.Valid && int(child.ItemIndex.Int64) < len(node.Parallel.Branches) &&
			node.Parallel.Branches[child.ItemIndex.Int64].Required {
			requiredFailed = true
		}
	}

	output := map[string]any{"branches": branchStatus}
	if requiredFailed {
		return models.NodeResult{
			Status:       models.NodeFailed,
			Output:       output,
			ErrorMessage: failures.Error(),
			AttemptCount: 1,
		}
	}
	if cancelled, _ := s.instanceCancelled(st.instance.ID); cancelled {
		return models.NodeResult{Status: models.NodeCancelled, Output: output, AttemptCount: 1}
	}
	return models.NodeResult{Status: models.NodeSuccess, Output: output, AttemptCount: 1}
}

func (s *NodeExecutionService) executeSubprocess(ctx context.Context, st *execState, node *models.NodeDefinition, ni *domain.NodeInstance, bindings map[string]any) models.NodeResult {
	if s.subprocess == nil {
		return failedResult("subprocess runner is not wired", 0)
	}
	view := s.buildView(st, bindings)

	// The external id is the idempotency key: re-running this node after a
	// crash finds the already-created child instead of spawning a second.
	externalID := fmt.Sprintf("sub-%d-%s", st.instance.ID, node.ID)
	if node.Subprocess.ExternalID != "" {
		resolved, err := s.resolver.Resolve(node.Subprocess.ExternalID, view)
		if err != nil {
			return failedResult(err.Error(), 1)
		}
		externalID = fmt.Sprint(resolved)
	}

	input, err := s.resolver.ResolveConfig(node.Subprocess.Input, view)
	if err != nil {
		return failedResult(err.Error(), 1)
	}

	status, errMsg, err := s.subprocess.RunSubprocess(ctx, node.Subprocess.Definition, node.Subprocess.Version, models.StartOptions{
		ExternalID: externalID,
		InputData:  input,
	}, ni.ID)
	if err != nil {
		return failedResult(err.Error(), 1)
	}

	output := map[string]any{"externalId": externalID, "status": string(status)}
	switch status {
	case models.InstanceCompleted:
		return models.NodeResult{Status: models.NodeSuccess, Output: output, AttemptCount: 1}
	case models.InstanceCancelled:
		return models.NodeResult{Status: models.NodeCancelled, Output: output, AttemptCount: 1}
	default:
		return models.NodeResult{
			Status:       models.NodeFailed,
			Output:       output,
			ErrorMessage: fmt.Sprintf("subprocess %s ended %s: %s", externalID, status, errMsg),
			AttemptCount: 1,
		}
	}
}

func (s *NodeExecutionService) buildView(st *execState, bindings map[string]any) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return BuildView(st.input, st.context, st.outputs, bindings)
}

func (s *NodeExecutionService) snapshotContext(st *execState) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := make(map[string]any, len(st.context))
	for k, v := range st.context {
		snap[k] = v
	}
	return snap
}

// instanceCancelled is the cooperative cancellation check consulted at loop
// item and parallel branch boundaries.
func (s *NodeExecutionService) instanceCancelled(instanceID int64) (bool, error) {
	wi, err := s.instanceSvc.GetInstance(instanceID)
	if err != nil {
		return false, err
	}
	return models.InstanceStatus(wi.Status) == models.InstanceCancelled, nil
}

func failedResult(msg string, attempts int) models.NodeResult {
	return models.NodeResult{Status: models.NodeFailed, ErrorMessage: msg, AttemptCount: attempts}
}
