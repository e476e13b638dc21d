// Package persistence abstracts the durable stores the execution core
// writes to. The core emits the writes; it does not own schema design.
package persistence

import (
	"context"

	"github.com/weftlab/weft/pkg/models"
)

// WorkflowRepository reads and stores workflow graphs.
type WorkflowRepository interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
	List(ctx context.Context) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository stores execution rows. CreateOrGet is the idempotency
// primitive: it must be a single conditional insert, atomic with respect to
// concurrent submissions carrying the same workflow_id + idempotency key.
type ExecutionRepository interface {
	// CreateOrGet inserts the execution unless one with the same
	// workflow_id and idempotency key already exists, in which case the
	// existing row is returned and created is false. Executions without an
	// idempotency key are always inserted.
	CreateOrGet(ctx context.Context, execution *models.Execution) (result *models.Execution, created bool, err error)
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	Update(ctx context.Context, execution *models.Execution) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error)
}

// Persistence bundles the repositories behind one connection lifecycle.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
