package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// AssignmentService tracks which engine owns an instance (coarse) or a
// single node (fine-grained). Transfers never mutate history: the prior
// row flips to TRANSFERRED and a fresh ASSIGNED row is inserted.
type AssignmentService struct {
	assignments     AssignmentRepo
	nodeAssignments NodeAssignmentRepo
	engines         EngineRepo
	clock           core.Clock
}

func NewAssignmentService(assignments AssignmentRepo, nodeAssignments NodeAssignmentRepo, engines EngineRepo, clock core.Clock) *AssignmentService {
	return &AssignmentService{
		assignments:     assignments,
		nodeAssignments: nodeAssignments,
		engines:         engines,
		clock:           clock,
	}
}

// CreateAssignment records ownership of an instance by an engine.
func (s *AssignmentService) CreateAssignment(workflowInstanceID int64, engineID, strategy string, requiredCapabilities []string) (*domain.WorkflowAssignment, error) {
	caps, err := encodeCapabilities(requiredCapabilities)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	a := &domain.WorkflowAssignment{
		WorkflowInstanceID:   workflowInstanceID,
		EngineID:             engineID,
		Strategy:             strategy,
		RequiredCapabilities: caps,
		Status:               models.AssignmentAssigned,
		Created:              now,
		Modified:             now,
	}
	if _, err := s.assignments.Save(a); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateNodeAssignment records ownership of one node, e.g. a parallel
// branch handed to a different engine.
func (s *AssignmentService) CreateNodeAssignment(workflowInstanceID int64, nodeID, engineID, strategy string, requiredCapabilities []string) (*domain.WorkflowNodeAssignment, error) {
	caps, err := encodeCapabilities(requiredCapabilities)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	a := &domain.WorkflowNodeAssignment{
		WorkflowInstanceID:   workflowInstanceID,
		NodeID:               nodeID,
		EngineID:             engineID,
		Strategy:             strategy,
		RequiredCapabilities: caps,
		Status:               models.AssignmentAssigned,
		Created:              now,
		Modified:             now,
	}
	if _, err := s.nodeAssignments.Save(a); err != nil {
		return nil, err
	}
	return a, nil
}

// AssignNode records engine ownership of one node. An ASSIGNED row left by
// another engine means the node is being re-driven after a recovery, so the
// prior row is transferred rather than shadowed by a duplicate.
func (s *AssignmentService) AssignNode(workflowInstanceID int64, nodeID, engineID, strategy string) (*domain.WorkflowNodeAssignment, error) {
	existing, err := s.nodeAssignments.FindAllByInstanceAndNode(workflowInstanceID, nodeID)
	if err != nil {
		return nil, err
	}
	for i := range *existing {
		prior := &(*existing)[i]
		if prior.Status != models.AssignmentAssigned {
			continue
		}
		if prior.EngineID == engineID {
			return prior, nil
		}
		return s.TransferNodeAssignment(prior, engineID)
	}
	return s.CreateNodeAssignment(workflowInstanceID, nodeID, engineID, strategy, nil)
}

// TransferNodeAssignment is the node-granular variant of TransferAssignment:
// the prior row flips to TRANSFERRED and a RECOVERY-strategy successor is
// inserted in the same transaction.
func (s *AssignmentService) TransferNodeAssignment(prior *domain.WorkflowNodeAssignment, toEngineID string) (*domain.WorkflowNodeAssignment, error) {
	now := s.clock.Now()
	successor := &domain.WorkflowNodeAssignment{
		WorkflowInstanceID:   prior.WorkflowInstanceID,
		NodeID:               prior.NodeID,
		EngineID:             toEngineID,
		Strategy:             models.StrategyRecovery,
		RequiredCapabilities: prior.RequiredCapabilities,
		Created:              now,
		Modified:             now,
	}
	if _, err := s.nodeAssignments.Transfer(prior.ID, successor); err != nil {
		return nil, err
	}
	slog.Info("Transferred node assignment",
		"workflow_instance_id", prior.WorkflowInstanceID,
		"node_id", prior.NodeID,
		"from_engine", prior.EngineID,
		"to_engine", toEngineID)
	return successor, nil
}

// TransferAssignment moves ownership of an instance to another engine,
// leaving exactly one TRANSFERRED row and one successor ASSIGNED row.
func (s *AssignmentService) TransferAssignment(workflowInstanceID int64, toEngineID, strategy string) (*domain.WorkflowAssignment, error) {
	prior, err := s.assignments.FindActiveByInstance(workflowInstanceID)
	if err != nil {
		return nil, fmt.Errorf("no active assignment for instance %d: %w", workflowInstanceID, err)
	}
	now := s.clock.Now()
	successor := &domain.WorkflowAssignment{
		WorkflowInstanceID:   workflowInstanceID,
		EngineID:             toEngineID,
		Strategy:             strategy,
		RequiredCapabilities: prior.RequiredCapabilities,
		Created:              now,
		Modified:             now,
	}
	if _, err := s.assignments.Transfer(prior.ID, successor); err != nil {
		return nil, err
	}
	slog.Info("Transferred workflow assignment",
		"workflow_instance_id", workflowInstanceID,
		"from_engine", prior.EngineID,
		"to_engine", toEngineID)
	return successor, nil
}

func (s *AssignmentService) FindActiveAssignments(engineID string) (*[]domain.WorkflowAssignment, error) {
	return s.assignments.FindActiveAssignments(engineID)
}

// FindActiveAssignment returns the single ASSIGNED row of an instance, or
// nil when ownership was never recorded.
func (s *AssignmentService) FindActiveAssignment(workflowInstanceID int64) (*domain.WorkflowAssignment, error) {
	assignment, err := s.assignments.FindActiveByInstance(workflowInstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return assignment, err
}

func (s *AssignmentService) FindAssignmentHistory(workflowInstanceID int64) (*[]domain.WorkflowAssignment, error) {
	return s.assignments.FindAllByInstance(workflowInstanceID)
}

func (s *AssignmentService) MarkAssignmentStatus(id int64, status string) error {
	return s.assignments.UpdateStatus(id, status)
}

// FindByCapabilities returns the live engines able to run a node requiring
// the given capability set. Liveness is judged by heartbeat age.
func (s *AssignmentService) FindByCapabilities(required []string, heartbeatWindow time.Duration) ([]*domain.Engine, error) {
	engines, err := s.engines.FindAlive(s.clock.Now().Add(-heartbeatWindow))
	if err != nil {
		return nil, err
	}
	var matched []*domain.Engine
	for _, e := range engines {
		available, err := decodeCapabilities(e.Capabilities)
		if err != nil {
			slog.Warn("Skipping engine with malformed capabilities", "engine_id", e.EngineID, "error", err)
			continue
		}
		if MatchCapabilities(required, available) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// MatchCapabilities reports whether every required capability is available.
// It is a pure set function, independent of how capabilities are persisted.
func MatchCapabilities(required, available []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(available))
	for _, c := range available {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

func encodeCapabilities(caps []string) (string, error) {
	if caps == nil {
		caps = []string{}
	}
	b, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("encoding capabilities: %w", err)
	}
	return string(b), nil
}

func decodeCapabilities(caps string) ([]string, error) {
	if caps == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(caps), &out); err != nil {
		return nil, err
	}
	return out, nil
}
