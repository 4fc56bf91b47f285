package executors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dagforge/dagforge/pkg/dagforge/core"
)

// LogMessageExecutor writes the configured message to the engine log. Handy
// as a probe node while wiring up a new workflow definition.
type LogMessageExecutor struct{}

func (e *LogMessageExecutor) ValidateConfig(config map[string]any) error {
	if msg, _ := config["message"].(string); msg == "" {
		return fmt.Errorf("log.message requires a message")
	}
	return nil
}

func (e *LogMessageExecutor) Execute(ctx context.Context, ec *core.ExecutionContext) (*core.ExecutorResult, error) {
	msg, _ := ec.Config["message"].(string)
	slog.Info(msg,
		"workflow_instance_id", ec.WorkflowInstanceID,
		"node_id", ec.NodeID)
	return &core.ExecutorResult{Success: true, Data: map[string]any{"logged": msg}}, nil
}
