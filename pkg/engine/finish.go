package engine

import (
	"context"

	"github.com/weftlab/weft/pkg/events"
	"github.com/weftlab/weft/pkg/execution"
	"github.com/weftlab/weft/pkg/models"
)

func (e *Engine) finishCompleted(
	ctx context.Context,
	sm *execution.StateMachine,
	workflow *models.Workflow,
	state *runState,
) {
	if !sm.Complete() {
		return
	}

	exec := e.persistTerminal(ctx, sm)

	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", exec.ID,
		"workflow_id", workflow.ID,
		"duration_ms", exec.Duration().Milliseconds())

	e.publish(ctx, events.ExecutionCompleted{
		BaseEvent:     events.NewBaseEvent(events.ExecutionCompletedEvent, workflow.ID, exec.ID),
		DurationMs:    exec.Duration().Milliseconds(),
		NodesExecuted: state.finished,
		FinalOutputs:  e.finalOutputs(workflow, state),
	})
}

func (e *Engine) finishFailed(
	ctx context.Context,
	sm *execution.StateMachine,
	workflow *models.Workflow,
	state *runState,
	nodeErr *NodeError,
) {
	if !sm.Fail(nodeErr) {
		return
	}

	exec := e.persistTerminal(ctx, sm)

	e.logger.ErrorContext(ctx, "execution failed",
		"execution_id", exec.ID,
		"workflow_id", workflow.ID,
		"node_id", nodeErr.NodeID,
		"error", nodeErr.Err)

	e.publish(ctx, events.ExecutionFailed{
		BaseEvent:     events.NewBaseEvent(events.ExecutionFailedEvent, workflow.ID, exec.ID),
		DurationMs:    exec.Duration().Milliseconds(),
		NodesExecuted: state.finished,
		FailedNodeID:  nodeErr.NodeID,
		Error:         nodeErr.Error(),
	})
}

func (e *Engine) finishCancelled(
	ctx context.Context,
	sm *execution.StateMachine,
	workflow *models.Workflow,
	state *runState,
) {
	if !sm.Cancel() {
		return
	}

	exec := e.persistTerminal(ctx, sm)

	e.logger.InfoContext(ctx, "execution cancelled",
		"execution_id", exec.ID,
		"workflow_id", workflow.ID,
		"nodes_executed", state.finished)

	e.publish(ctx, events.ExecutionCancelled{
		BaseEvent:     events.NewBaseEvent(events.ExecutionCancelledEvent, workflow.ID, exec.ID),
		DurationMs:    exec.Duration().Milliseconds(),
		NodesExecuted: state.finished,
	})
}

// persistTerminal writes the terminal row and drops the execution from the
// running registry. Store failures are logged, not returned: the run is
// already over and observers get the event either way.
func (e *Engine) persistTerminal(ctx context.Context, sm *execution.StateMachine) *models.Execution {
	exec := sm.Execution()

	if err := e.store.ExecutionRepository().Update(ctx, exec); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist terminal execution",
			"execution_id", exec.ID, "error", err)
	}

	e.running.Unregister(exec.ID)

	return exec
}

// finalOutputs collects the outputs of leaf nodes, the ones no connection
// leads out of.
func (e *Engine) finalOutputs(workflow *models.Workflow, state *runState) map[string]any {
	hasOutgoing := make(map[string]bool)
	for _, conn := range workflow.Connections {
		hasOutgoing[conn.FromNodeID] = true
	}

	outputs := make(map[string]any)

	for _, node := range workflow.Nodes {
		if hasOutgoing[node.ID] || node.Kind == models.NodeKindTrigger {
			continue
		}

		if output, ok := state.outputs[node.ID]; ok {
			outputs[node.ID] = output
		}
	}

	if len(outputs) == 0 {
		return nil
	}

	return outputs
}
