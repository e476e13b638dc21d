// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"time"

	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/running"
)

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	Name        string               `json:"name"        validate:"required,min=3"`
	Description string               `json:"description"`
	Owner       string               `json:"owner"`
	Nodes       []*models.Node       `json:"nodes"       validate:"required,min=1,dive,required"`
	Connections []*models.Connection `json:"connections" validate:"omitempty,dive,required"`
	Variables   map[string]any       `json:"variables,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

// UpdateWorkflowRequest represents the request body for updating an existing
// workflow. All fields are optional to support partial updates.
type UpdateWorkflowRequest struct {
	Name        *string              `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string              `json:"description,omitempty"`
	Nodes       []*models.Node       `json:"nodes,omitempty"       validate:"omitempty,dive,required"`
	Connections []*models.Connection `json:"connections,omitempty" validate:"omitempty,dive,required"`
	Variables   map[string]any       `json:"variables,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
}

// ExecuteWorkflowRequest represents the request body for starting a workflow
// execution.
type ExecuteWorkflowRequest struct {
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

// RunningExecutionResponse is one in-flight execution on this instance.
type RunningExecutionResponse struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	StartedAt   time.Time `json:"started_at"`
}

// TransformRunningResponse maps registry entries to their API shape.
func TransformRunningResponse(entries []running.Entry) []RunningExecutionResponse {
	responses := make([]RunningExecutionResponse, 0, len(entries))
	for _, entry := range entries {
		responses = append(responses, RunningExecutionResponse{
			ExecutionID: entry.ExecutionID,
			WorkflowID:  entry.WorkflowID,
			StartedAt:   entry.StartedAt,
		})
	}

	return responses
}
