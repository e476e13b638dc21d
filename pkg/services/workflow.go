package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/pkg/graph"
	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence"
)

// Workflow is the service layer for workflow definitions.
type Workflow struct {
	persistence persistence.Persistence
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(store persistence.Persistence) *Workflow {
	return &Workflow{persistence: store}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Save validates and persists a workflow definition. The graph must pass
// structural validation before anything is written.
func (w *Workflow) Save(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	if workflow.Name == "" {
		return nil, ErrWorkflowNameRequired
	}

	if len(workflow.Nodes) == 0 {
		return nil, ErrNodesRequired
	}

	if _, err := graph.BuildPlan(workflow); err != nil {
		return nil, NewValidationError("Save", "invalid_graph", err.Error(),
			fmt.Errorf("%w: %w", ErrInvalidGraph, err))
	}

	now := time.Now().UTC()

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	return workflow, nil
}

// GetByID returns one workflow definition.
func (w *Workflow) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	if id == "" {
		return nil, ErrEmptyWorkflowID
	}

	return w.persistence.WorkflowRepository().GetByID(ctx, id)
}

// List returns every stored workflow definition.
func (w *Workflow) List(ctx context.Context) ([]*models.Workflow, error) {
	return w.persistence.WorkflowRepository().List(ctx)
}

// Delete removes one workflow definition.
func (w *Workflow) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyWorkflowID
	}

	return w.persistence.WorkflowRepository().Delete(ctx, id)
}
