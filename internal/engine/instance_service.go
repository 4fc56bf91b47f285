package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// WorkflowInstanceService owns instance lifecycle and graph navigation:
// creation under the mutex/business-key invariants, next-node resolution
// with condition-edge gating, context merging and checkpointing.
type WorkflowInstanceService struct {
	instances InstanceRepo
	nodes     NodeRepo
	clock     core.Clock
}

func NewWorkflowInstanceService(instances InstanceRepo, nodes NodeRepo, clock core.Clock) *WorkflowInstanceService {
	return &WorkflowInstanceService{instances: instances, nodes: nodes, clock: clock}
}

// FindConflicting returns a live instance already holding the mutex key or
// business key, or nil when the start may proceed.
func (s *WorkflowInstanceService) FindConflicting(mutexKey, businessKey string) (*domain.WorkflowInstance, error) {
	if mutexKey != "" {
		active, err := s.instances.FindActiveByMutexKey(mutexKey)
		if err != nil {
			return nil, err
		}
		if active != nil && len(*active) > 0 {
			return &(*active)[0], nil
		}
	}
	if businessKey != "" {
		active, err := s.instances.FindActiveByBusinessKey(businessKey)
		if err != nil {
			return nil, err
		}
		if active != nil && len(*active) > 0 {
			return &(*active)[0], nil
		}
	}
	return nil, nil
}

// ResolveStartRace re-checks the mutex and business keys after the new row
// was inserted. Two racing starts can both pass the pre-insert check; the
// row with the higher id yields to the older one, so exactly one live
// instance per key survives regardless of interleaving. Returns the older
// instance this one yielded to, or nil when the start stands.
func (s *WorkflowInstanceService) ResolveStartRace(wi *domain.WorkflowInstance) (*domain.WorkflowInstance, error) {
	var candidates []domain.WorkflowInstance
	if wi.MutexKey.Valid && wi.MutexKey.String != "" {
		active, err := s.instances.FindActiveByMutexKey(wi.MutexKey.String)
		if err != nil {
			return nil, err
		}
		if active != nil {
			candidates = append(candidates, *active...)
		}
	}
	if wi.BusinessKey != "" {
		active, err := s.instances.FindActiveByBusinessKey(wi.BusinessKey)
		if err != nil {
			return nil, err
		}
		if active != nil {
			candidates = append(candidates, *active...)
		}
	}
	var older *domain.WorkflowInstance
	for i := range candidates {
		c := &candidates[i]
		if c.ID >= wi.ID {
			continue
		}
		if older == nil || c.ID < older.ID {
			older = c
		}
	}
	if older == nil {
		return nil, nil
	}
	if err := s.instances.MarkCompleted(wi.ID, models.InstanceCancelled,
		fmt.Sprintf("yielded to instance %d holding the same key", older.ID), ""); err != nil {
		return nil, err
	}
	return older, nil
}

// CreateInstance persists a new PENDING instance for the definition. The
// conflict check belongs to the caller (StartWorkflow) so the lock-conflict
// outcome can surface as a result rather than an error.
func (s *WorkflowInstanceService) CreateInstance(def *domain.WorkflowDefinition, opts models.StartOptions, parentNodeInstanceID int64) (*domain.WorkflowInstance, error) {
	inputJSON, err := marshalData(opts.InputData)
	if err != nil {
		return nil, fmt.Errorf("encoding input data: %w", err)
	}
	contextJSON, err := marshalData(opts.ContextData)
	if err != nil {
		return nil, fmt.Errorf("encoding context data: %w", err)
	}

	externalID := opts.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	onFailure := opts.OnFailure
	if onFailure == "" {
		onFailure = models.FailureStop
	}

	now := s.clock.Now()
	wi := &domain.WorkflowInstance{
		DefinitionID: def.ID,
		Status:       string(models.InstancePending),
		InputData:    sql.NullString{String: inputJSON, Valid: true},
		ContextData:  sql.NullString{String: contextJSON, Valid: true},
		ExternalID:   externalID,
		BusinessKey:  opts.BusinessKey,
		OnFailure:    string(onFailure),
		Created:      now,
		Modified:     now,
	}
	if opts.MutexKey != "" {
		wi.MutexKey = sql.NullString{String: opts.MutexKey, Valid: true}
	}
	if parentNodeInstanceID != 0 {
		wi.ParentNodeInstanceID = sql.NullInt64{Int64: parentNodeInstanceID, Valid: true}
	}
	if _, err := s.instances.Save(wi); err != nil {
		return nil, err
	}
	slog.Info("Created workflow instance",
		"workflow_instance_id", wi.ID,
		"definition_id", def.ID,
		"external_id", externalID,
		"business_key", opts.BusinessKey)
	return wi, nil
}

func (s *WorkflowInstanceService) GetInstance(id int64) (*domain.WorkflowInstance, error) {
	return s.instances.FindByID(id)
}

func (s *WorkflowInstanceService) FindByExternalID(externalID string) (*domain.WorkflowInstance, error) {
	wi, err := s.instances.FindByExternalID(externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return wi, nil
}

func (s *WorkflowInstanceService) SearchInstances(req models.SearchInstancesRequest) (*[]domain.WorkflowInstance, error) {
	return s.instances.SearchInstances(req)
}

// NodeStates returns the top-level node instances of the workflow keyed by
// graph node id. Loop and parallel children carry a parent id and are
// excluded here.
func (s *WorkflowInstanceService) NodeStates(instanceID int64) (map[string]*domain.NodeInstance, error) {
	all, err := s.nodes.FindAllByWorkflowInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	states := make(map[string]*domain.NodeInstance)
	for i := range *all {
		ni := &(*all)[i]
		if ni.ParentID.Valid {
			continue
		}
		states[ni.NodeID] = ni
	}
	return states, nil
}

// NextNode resolves the next runnable node: every dependency SUCCESS, and
// every condition-node dependency must have selected this node. A nil node
// with exhausted=true means no pending node can ever run again. A node left
// RUNNING counts as runnable: the instance lease guarantees no other engine
// is executing it, so after a crash it is dispatched again.
func (s *WorkflowInstanceService) NextNode(graph []models.NodeDefinition, states map[string]*domain.NodeInstance) (next *models.NodeDefinition, exhausted bool, err error) {
	selections, err := conditionSelections(graph, states)
	if err != nil {
		return nil, false, err
	}

	for i := range graph {
		node := &graph[i]
		if st, ok := states[node.ID]; ok && models.NodeStatus(st.Status).Terminal() {
			continue
		}
		runnable := true
		for _, dep := range node.DependsOn {
			depState, ok := states[dep]
			if !ok || models.NodeStatus(depState.Status) != models.NodeSuccess {
				runnable = false
				break
			}
			if sel, isCondition := selections[dep]; isCondition {
				if _, chosen := sel[node.ID]; !chosen {
					runnable = false
					break
				}
			}
		}
		if runnable {
			return node, false, nil
		}
	}
	return nil, true, nil
}

// conditionSelections extracts, for each finished condition node, the set of
// successor ids it selected.
func conditionSelections(graph []models.NodeDefinition, states map[string]*domain.NodeInstance) (map[string]map[string]struct{}, error) {
	selections := make(map[string]map[string]struct{})
	for i := range graph {
		node := &graph[i]
		if node.Type != models.NodeCondition {
			continue
		}
		st, ok := states[node.ID]
		if !ok || models.NodeStatus(st.Status) != models.NodeSuccess || !st.OutputData.Valid {
			continue
		}
		var out struct {
			Selected []string `json:"selected"`
		}
		if err := json.Unmarshal([]byte(st.OutputData.String), &out); err != nil {
			return nil, fmt.Errorf("condition node %s has malformed output: %w", node.ID, err)
		}
		set := make(map[string]struct{}, len(out.Selected))
		for _, id := range out.Selected {
			set[id] = struct{}{}
		}
		selections[node.ID] = set
	}
	return selections, nil
}

// EnsureNodeInstance returns the node's runtime record, creating it lazily
// in PENDING on first visit.
func (s *WorkflowInstanceService) EnsureNodeInstance(instanceID int64, node *models.NodeDefinition) (*domain.NodeInstance, error) {
	existing, err := s.nodes.FindByNodeID(instanceID, node.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	now := s.clock.Now()
	ni := &domain.NodeInstance{
		WorkflowInstanceID: instanceID,
		NodeID:             node.ID,
		NodeType:           string(node.Type),
		Status:             string(models.NodePending),
		Created:            now,
		Modified:           now,
	}
	if _, err := s.nodes.Save(ni); err != nil {
		return nil, err
	}
	return ni, nil
}

// MergeContext folds an executed node's output into the instance context.
// Writes are serialized through the single owning execution loop.
func (s *WorkflowInstanceService) MergeContext(instance *domain.WorkflowInstance, data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return decodeData(instance.ContextData)
	}
	contextData, err := decodeData(instance.ContextData)
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		contextData[k] = v
	}
	merged, err := marshalData(contextData)
	if err != nil {
		return nil, err
	}
	if err := s.instances.SaveContextData(instance.ID, merged); err != nil {
		return nil, err
	}
	instance.ContextData = sql.NullString{String: merged, Valid: true}
	return contextData, nil
}

// Checkpoint persists the resume state after a node transition: the node
// just visited plus the ids of all terminal nodes so far.
func (s *WorkflowInstanceService) Checkpoint(instanceID int64, currentNodeID string, states map[string]*domain.NodeInstance) error {
	var done []string
	for id, st := range states {
		if models.NodeStatus(st.Status).Terminal() {
			done = append(done, id)
		}
	}
	cp, err := json.Marshal(map[string]any{"currentNodeId": currentNodeID, "completedNodes": done})
	if err != nil {
		return err
	}
	return s.instances.UpdateCheckpoint(instanceID, currentNodeID, string(cp))
}

// CancelRemaining cancels every node that can never run, used when the
// graph is exhausted with pending nodes left behind failed or unselected
// branches, and when the instance itself is cancelled.
func (s *WorkflowInstanceService) CancelRemaining(instanceID int64) error {
	return s.nodes.CancelPending(instanceID)
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeData(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, fmt.Errorf("decoding instance data: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
