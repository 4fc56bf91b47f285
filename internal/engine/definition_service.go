package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// SchemaField is one entry of a definition's input schema.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// WorkflowDefinitionService validates and stores node graphs. A definition
// referenced by instances is immutable; saving changes under the same name
// creates the next version.
type WorkflowDefinitionService struct {
	definitions DefinitionRepo
	clock       core.Clock
}

func NewWorkflowDefinitionService(definitions DefinitionRepo, clock core.Clock) *WorkflowDefinitionService {
	return &WorkflowDefinitionService{definitions: definitions, clock: clock}
}

// CreateDefinition validates and stores a new definition at version 1, or
// at latest+1 when the name already exists.
func (s *WorkflowDefinitionService) CreateDefinition(name, description string, nodes []models.NodeDefinition, schema []SchemaField) (*domain.WorkflowDefinition, error) {
	if name == "" {
		return nil, configurationError("workflow definition name is required")
	}
	if err := ValidateGraph(nodes); err != nil {
		return nil, err
	}
	graph, err := models.EncodeGraph(nodes)
	if err != nil {
		return nil, err
	}
	schemaJSON := ""
	if schema != nil {
		b, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("encoding input schema: %w", err)
		}
		schemaJSON = string(b)
	}

	version := 1
	if latest, err := s.definitions.FindLatestByName(name); err == nil && latest != nil {
		version = latest.Version + 1
	}

	now := s.clock.Now()
	def := &domain.WorkflowDefinition{
		Name:        name,
		Version:     version,
		Description: description,
		Status:      models.DefinitionActive,
		Graph:       graph,
		InputSchema: schemaJSON,
		Created:     now,
		Updated:     now,
	}
	if _, err := s.definitions.Save(def); err != nil {
		return nil, err
	}
	slog.Info("Saved workflow definition", "name", name, "version", version, "nodes", len(nodes))
	return def, nil
}

// UpdateDefinition stores the edited graph as the next version. Existing
// versions are never rewritten once saved; instances keep pointing at the
// version they started with.
func (s *WorkflowDefinitionService) UpdateDefinition(name, description string, nodes []models.NodeDefinition, schema []SchemaField) (*domain.WorkflowDefinition, error) {
	latest, err := s.definitions.FindLatestByName(name)
	if err != nil {
		return nil, fmt.Errorf("definition %s not found: %w", name, err)
	}
	if count, err := s.definitions.CountInstances(latest.ID); err == nil && count > 0 {
		slog.Info("Definition is referenced by instances, creating new version",
			"name", name, "version", latest.Version, "instances", count)
	}
	return s.CreateDefinition(name, description, nodes, schema)
}

func (s *WorkflowDefinitionService) GetDefinition(name string) (*domain.WorkflowDefinition, error) {
	return s.definitions.FindLatestByName(name)
}

func (s *WorkflowDefinitionService) GetDefinitionVersion(name string, version int) (*domain.WorkflowDefinition, error) {
	return s.definitions.FindByNameAndVersion(name, version)
}

func (s *WorkflowDefinitionService) ListDefinitions() (*[]domain.WorkflowDefinition, error) {
	return s.definitions.FindAll()
}

func (s *WorkflowDefinitionService) SetDefinitionStatus(id int64, status string) error {
	return s.definitions.UpdateStatus(id, status)
}

// ValidateInput checks instance input data against the definition's schema:
// required fields present, declared types respected.
func (s *WorkflowDefinitionService) ValidateInput(def *domain.WorkflowDefinition, input map[string]any) error {
	if def.InputSchema == "" {
		return nil
	}
	var fields []SchemaField
	if err := json.Unmarshal([]byte(def.InputSchema), &fields); err != nil {
		return configurationError("definition %s has malformed input schema: %v", def.Name, err)
	}
	for _, f := range fields {
		val, ok := input[f.Name]
		if !ok {
			if f.Required {
				return configurationError("missing required input field %q", f.Name)
			}
			continue
		}
		if !typeMatches(f.Type, val) {
			return configurationError("input field %q: expected %s, got %T", f.Name, f.Type, val)
		}
	}
	return nil
}

func typeMatches(declared string, val any) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}

// ValidateGraph rejects malformed node graphs before they are stored:
// duplicate or missing ids, unknown dependencies, cycles, unknown node
// types, missing per-type config and over-deep nesting.
func ValidateGraph(nodes []models.NodeDefinition) error {
	if len(nodes) == 0 {
		return configurationError("workflow graph has no nodes")
	}
	byID := make(map[string]*models.NodeDefinition, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return configurationError("node at index %d has no id", i)
		}
		if _, dup := byID[n.ID]; dup {
			return configurationError("duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}

	for i := range nodes {
		n := &nodes[i]
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return configurationError("node %q depends on unknown node %q", n.ID, dep)
			}
		}
		if err := validateNode(n, 1); err != nil {
			return err
		}
	}

	if err := checkAcyclic(nodes); err != nil {
		return err
	}

	// Condition edges must point at declared nodes.
	for i := range nodes {
		n := &nodes[i]
		if n.Type != models.NodeCondition {
			continue
		}
		for _, target := range append(append([]string{}, n.Condition.OnTrue...), n.Condition.OnFalse...) {
			if _, ok := byID[target]; !ok {
				return configurationError("condition node %q selects unknown node %q", n.ID, target)
			}
		}
	}
	return nil
}

func validateNode(n *models.NodeDefinition, depth int) error {
	if depth > models.MaxNestingDepth {
		return configurationError("node %q exceeds max nesting depth %d", n.ID, models.MaxNestingDepth)
	}
	switch n.Type {
	case models.NodeTask:
		if n.Task == nil || n.Task.Executor == "" {
			return configurationError("task node %q has no executor", n.ID)
		}
	case models.NodeCondition:
		if n.Condition == nil || n.Condition.Expression == "" {
			return configurationError("condition node %q has no expression", n.ID)
		}
	case models.NodeLoop:
		if n.Loop == nil || n.Loop.Child == nil {
			return configurationError("loop node %q has no child template", n.ID)
		}
		if len(n.Loop.Items) == 0 && n.Loop.Source == nil {
			return configurationError("loop node %q has neither items nor a source", n.ID)
		}
		if n.Loop.Source != nil && n.Loop.Source.Executor == "" {
			return configurationError("loop node %q has a source with no executor", n.ID)
		}
		if n.Loop.MaxConcurrency < 0 {
			return configurationError("loop node %q has negative maxConcurrency", n.ID)
		}
		if err := validateNode(n.Loop.Child, depth+1); err != nil {
			return err
		}
	case models.NodeParallel:
		if n.Parallel == nil || len(n.Parallel.Branches) == 0 {
			return configurationError("parallel node %q has no branches", n.ID)
		}
		for i := range n.Parallel.Branches {
			if err := validateNode(&n.Parallel.Branches[i].Node, depth+1); err != nil {
				return err
			}
		}
	case models.NodeSubprocess:
		if n.Subprocess == nil || n.Subprocess.Definition == "" {
			return configurationError("subprocess node %q names no definition", n.ID)
		}
	default:
		return configurationError("node %q has unknown type %q", n.ID, n.Type)
	}
	return nil
}

func checkAcyclic(nodes []models.NodeDefinition) error {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for i := range nodes {
		indegree[nodes[i].ID] = len(nodes[i].DependsOn)
		for _, dep := range nodes[i].DependsOn {
			dependents[dep] = append(dependents[dep], nodes[i].ID)
		}
	}
	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if visited != len(nodes) {
		return configurationError("workflow graph contains a cycle")
	}
	return nil
}
