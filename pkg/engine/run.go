package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weftlab/weft/pkg/events"
	"github.com/weftlab/weft/pkg/execution"
	"github.com/weftlab/weft/pkg/graph"
	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/otelhelper"
	"github.com/weftlab/weft/pkg/protocol"
)

// NodeError identifies which node a failure came from.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// ErrNodeTimeout marks a node call that exceeded the configured timeout.
var ErrNodeTimeout = errors.New("node execution timed out")

// runState is the per-run bookkeeping the group loop threads through. It is
// only touched by the run goroutine outside of dispatch joins, so no lock
// is needed.
type runState struct {
	outputs  map[string]map[string]any
	statuses map[string]models.NodeResultStatus
	errors   map[string]string
	finished int
}

func (e *Engine) run(ctx context.Context, plan *graph.Plan, sm *execution.StateMachine, req ExecuteRequest) {
	workflow := plan.Workflow()
	exec := sm.Execution()

	logger := e.logger.With("workflow_id", workflow.ID, "execution_id", exec.ID)
	logger.InfoContext(ctx, "starting workflow run", "groups", len(plan.Groups))

	tracer := otel.Tracer("weft/engine")

	ctx, span := tracer.Start(ctx, "engine.run")
	span.SetAttributes(
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.ExecutionIDKey, exec.ID),
	)
	defer span.End()

	state := &runState{
		outputs:  make(map[string]map[string]any),
		statuses: make(map[string]models.NodeResultStatus),
		errors:   make(map[string]string),
	}

	total := 0

	for _, node := range workflow.Nodes {
		if node.Kind != models.NodeKindTrigger {
			total++
		}
	}

	for _, group := range plan.Groups {
		// Cooperative cancellation: checked only at group boundaries; an
		// in-flight node call is never forcibly killed.
		if e.running.CancelRequested(exec.ID) {
			e.finishCancelled(ctx, sm, workflow, state)

			return
		}

		if unhandled := e.runGroup(ctx, plan, sm, state, group, req); unhandled != nil {
			e.finishFailed(ctx, sm, workflow, state, unhandled)

			return
		}

		e.publish(ctx, events.ExecutionProgress{
			BaseEvent:     events.NewBaseEvent(events.ExecutionProgressEvent, workflow.ID, exec.ID),
			NodesTotal:    total,
			NodesFinished: state.finished,
		})
	}

	e.finishCompleted(ctx, sm, workflow, state)
}

// runGroup dispatches every runnable node of one group concurrently,
// bounded by MaxParallelism, then joins. It returns the first unhandled
// node failure, or nil when the run may proceed to the next group.
func (e *Engine) runGroup(
	ctx context.Context,
	plan *graph.Plan,
	sm *execution.StateMachine,
	state *runState,
	group []string,
	req ExecuteRequest,
) *NodeError {
	workflow := plan.Workflow()

	type dispatch struct {
		node          *models.Node
		upstreamError string
	}

	var dispatches []dispatch

	for _, nodeID := range group {
		node := workflow.NodeByID(nodeID)

		switch decision, upstreamError := e.decide(plan, state, node); decision {
		case decisionTrigger:
			// Entry points resolve to the trigger payload; no work, no
			// log entry.
			state.outputs[node.ID] = req.TriggerData
			state.statuses[node.ID] = models.NodeResultSuccess
		case decisionSkip:
			e.recordSkip(ctx, sm, workflow, state, node)
		case decisionRun:
			dispatches = append(dispatches, dispatch{node: node, upstreamError: upstreamError})
		}
	}

	results := make([]models.NodeResult, len(dispatches))

	var wg sync.WaitGroup

	semaphore := make(chan struct{}, e.cfg.MaxParallelism)

	for i, d := range dispatches {
		wg.Add(1)

		go func(slot int, d dispatch) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			results[slot] = e.dispatchNode(ctx, plan, state, d.node, d.upstreamError, req, sm.Execution().ID)
		}(i, d)
	}

	wg.Wait()

	var firstUnhandled *NodeError

	for _, result := range results {
		state.statuses[result.NodeID] = result.Status
		state.finished++

		if result.Status == models.NodeResultSuccess {
			state.outputs[result.NodeID] = result.Output
		} else {
			state.errors[result.NodeID] = result.Error
		}

		if recordErr := sm.RecordNodeResult(result); recordErr != nil {
			e.logger.WarnContext(ctx, "dropping node result", "node_id", result.NodeID, "error", recordErr)
		}

		e.publish(ctx, events.NodeUpdate{
			BaseEvent:  events.NewBaseEvent(events.NodeUpdateEvent, workflow.ID, sm.Execution().ID),
			NodeID:     result.NodeID,
			Status:     result.Status,
			Output:     result.Output,
			Error:      result.Error,
			DurationMs: result.DurationMs,
		})

		if result.Status == models.NodeResultError && firstUnhandled == nil {
			if !e.failureHandled(plan, result.NodeID) {
				firstUnhandled = &NodeError{NodeID: result.NodeID, Err: errors.New(result.Error)}
			}
		}
	}

	return firstUnhandled
}

type decision int

const (
	decisionRun decision = iota
	decisionSkip
	decisionTrigger
)

// decide classifies one node before dispatch. Error handlers run only when
// a predecessor failed; ordinary nodes are skipped when any predecessor
// failed or was skipped, or when every inbound condition gates them off.
func (e *Engine) decide(plan *graph.Plan, state *runState, node *models.Node) (decision, string) {
	if node.Kind == models.NodeKindTrigger {
		return decisionTrigger, ""
	}

	if !node.Enabled {
		return decisionSkip, ""
	}

	var upstreamError string

	anyFailed := false
	anySkipped := false

	for _, pred := range plan.Predecessors(node.ID) {
		switch state.statuses[pred] {
		case models.NodeResultError:
			anyFailed = true

			if upstreamError == "" {
				upstreamError = state.errors[pred]
			}
		case models.NodeResultSkipped:
			anySkipped = true
		}
	}

	if node.IsErrorHandler() {
		if anyFailed {
			return decisionRun, upstreamError
		}

		return decisionSkip, ""
	}

	if anyFailed || anySkipped {
		return decisionSkip, ""
	}

	if !e.conditionsPass(plan, state, node) {
		return decisionSkip, ""
	}

	return decisionRun, ""
}

// conditionsPass reports whether any inbound connection lets the node run.
// An unconditional edge always passes; a condition that fails to evaluate
// gates only its own edge off. The node is skipped when every inbound edge
// is gated off.
func (e *Engine) conditionsPass(plan *graph.Plan, state *runState, node *models.Node) bool {
	inbound := 0

	for _, conn := range plan.Workflow().Connections {
		if conn.ToNodeID != node.ID {
			continue
		}

		inbound++

		if conn.Condition == "" {
			return true
		}

		pass, err := models.EvaluateCondition(conn.Condition, state.outputs)
		if err != nil {
			e.logger.Warn("condition evaluation failed, gating connection off",
				"connection_id", conn.ID, "error", err)

			continue
		}

		if pass {
			return true
		}
	}

	return inbound == 0
}

// failureHandled reports whether the failed node routes into at least one
// error-handler successor.
func (e *Engine) failureHandled(plan *graph.Plan, nodeID string) bool {
	for _, succ := range plan.Successors(nodeID) {
		if node := plan.Workflow().NodeByID(succ); node != nil && node.IsErrorHandler() {
			return true
		}
	}

	return false
}

func (e *Engine) dispatchNode(
	ctx context.Context,
	plan *graph.Plan,
	state *runState,
	node *models.Node,
	upstreamError string,
	req ExecuteRequest,
	executionID string,
) models.NodeResult {
	tracer := otel.Tracer("weft/engine")

	ctx, span := tracer.Start(ctx, "engine.dispatchNode")
	span.SetAttributes(
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, node.Type),
	)
	defer span.End()

	started := time.Now().UTC()

	output, err := e.callExecutor(ctx, plan, state, node, upstreamError, req, executionID)

	finished := time.Now().UTC()

	result := models.NodeResult{
		NodeID:     node.ID,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: finished.Sub(started).Milliseconds(),
	}

	if err != nil {
		result.Status = models.NodeResultError
		result.Error = err.Error()

		return result
	}

	result.Status = models.NodeResultSuccess
	result.Output = output

	return result
}

func (e *Engine) callExecutor(
	ctx context.Context,
	plan *graph.Plan,
	state *runState,
	node *models.Node,
	upstreamError string,
	req ExecuteRequest,
	executionID string,
) (map[string]any, error) {
	executor, err := e.registry.CreateExecutor(node.Type, node.Config)
	if err != nil {
		return nil, err
	}

	upstream := make(map[string]map[string]any)

	for _, pred := range plan.Predecessors(node.ID) {
		if output, ok := state.outputs[pred]; ok {
			upstream[pred] = output
		}
	}

	execReq := protocol.ExecuteRequest{
		ExecutionID:     executionID,
		WorkflowID:      plan.Workflow().ID,
		NodeID:          node.ID,
		Kind:            string(node.Kind),
		Config:          node.Config,
		IntegrationRef:  node.IntegrationRef,
		UpstreamOutputs: upstream,
		TriggerData:     req.TriggerData,
		Variables:       plan.Workflow().Variables,
		UpstreamError:   upstreamError,
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.NodeTimeout)
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		output, execErr := executor.Execute(ctx, execReq)
		done <- outcome{output: output, err: execErr}
	}()

	select {
	case <-ctx.Done():
		// The executor call is abandoned, not killed; its goroutine exits
		// when it notices the context.
		return nil, fmt.Errorf("%w after %s", ErrNodeTimeout, e.cfg.NodeTimeout)
	case result := <-done:
		return result.output, result.err
	}
}

func (e *Engine) recordSkip(
	ctx context.Context,
	sm *execution.StateMachine,
	workflow *models.Workflow,
	state *runState,
	node *models.Node,
) {
	now := time.Now().UTC()

	result := models.NodeResult{
		NodeID:     node.ID,
		Status:     models.NodeResultSkipped,
		StartedAt:  now,
		FinishedAt: now,
	}

	state.statuses[node.ID] = models.NodeResultSkipped
	state.finished++

	if err := sm.RecordNodeResult(result); err != nil {
		e.logger.WarnContext(ctx, "dropping skip record", "node_id", node.ID, "error", err)
	}

	e.publish(ctx, events.NodeUpdate{
		BaseEvent: events.NewBaseEvent(events.NodeUpdateEvent, workflow.ID, sm.Execution().ID),
		NodeID:    node.ID,
		Status:    models.NodeResultSkipped,
	})
}
