package services

import (
	"context"
	"fmt"

	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/graph"
	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence"
	"github.com/weftlab/weft/pkg/running"
)

// Execution is the service layer in front of the execution engine.
type Execution struct {
	engine      *engine.Engine
	persistence persistence.Persistence
	running     *running.Registry
}

// NewExecution creates a new execution service.
func NewExecution(eng *engine.Engine, store persistence.Persistence, run *running.Registry) *Execution {
	return &Execution{
		engine:      eng,
		persistence: store,
		running:     run,
	}
}

// ExecuteRequest starts one workflow run.
type ExecuteRequest struct {
	WorkflowID     string
	TriggerData    map[string]any
	IdempotencyKey string
	Initiator      string
}

// ExecuteResponse reports the dispatched (or deduplicated) execution.
type ExecuteResponse struct {
	Execution    *models.Execution `json:"execution"`
	Deduplicated bool              `json:"deduplicated"`
}

// Execute validates the request and submits it to the engine. Graph
// validation failures surface as validation errors; an idempotency key
// matching a prior submission returns that submission's execution.
func (s *Execution) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if req.WorkflowID == "" {
		return nil, ErrEmptyWorkflowID
	}

	handle, err := s.engine.Execute(ctx, engine.ExecuteRequest{
		WorkflowID:     req.WorkflowID,
		TriggerData:    req.TriggerData,
		IdempotencyKey: req.IdempotencyKey,
		Initiator:      req.Initiator,
	})
	if err != nil {
		if graph.IsValidationError(err) {
			return nil, NewValidationError("Execute", "invalid_graph", err.Error(),
				fmt.Errorf("%w: %w", ErrInvalidGraph, err))
		}

		return nil, err
	}

	return &ExecuteResponse{
		Execution:    handle.Execution,
		Deduplicated: handle.Deduplicated,
	}, nil
}

// Cancel requests cooperative cancellation of a running execution. The
// engine honors the request at the next node-group boundary; nodes already
// in flight run to completion. A cancel that loses the race against
// natural completion reports accepted=false, not an error; errors are
// reserved for unknown executions and store failures.
func (s *Execution) Cancel(ctx context.Context, executionID string) (bool, error) {
	if executionID == "" {
		return false, ErrEmptyExecutionID
	}

	if s.running.RequestCancel(executionID) {
		return true, nil
	}

	if _, err := s.persistence.ExecutionRepository().GetByID(ctx, executionID); err != nil {
		return false, err
	}

	return false, nil
}

// Status returns the current execution row, including its node log.
func (s *Execution) Status(ctx context.Context, executionID string) (*models.Execution, error) {
	if executionID == "" {
		return nil, ErrEmptyExecutionID
	}

	return s.persistence.ExecutionRepository().GetByID(ctx, executionID)
}

// Running lists the in-flight executions on this instance.
func (s *Execution) Running() []running.Entry {
	return s.running.Entries()
}

// ListByWorkflow returns the execution history of one workflow, newest
// first.
func (s *Execution) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	if workflowID == "" {
		return nil, ErrEmptyWorkflowID
	}

	return s.persistence.ExecutionRepository().ListByWorkflow(ctx, workflowID)
}
