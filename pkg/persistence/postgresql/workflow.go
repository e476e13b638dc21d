package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence"
)

// WorkflowRepository handles workflow rows. Nodes and connections are
// stored as JSONB documents since the engine only ever loads a graph whole.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

func (wr *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT id, name, description, owner, nodes, connections, variables, metadata, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`

	workflow, err := scanWorkflow(wr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	return workflow, nil
}

func (wr *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	workflow.UpdatedAt = time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = workflow.UpdatedAt
	}

	nodesJSON, err := json.Marshal(workflow.Nodes)
	if err != nil {
		return persistence.NewStoreError("Save", workflow.ID, fmt.Errorf("failed to marshal nodes: %w", err))
	}

	connectionsJSON, err := json.Marshal(workflow.Connections)
	if err != nil {
		return persistence.NewStoreError("Save", workflow.ID, fmt.Errorf("failed to marshal connections: %w", err))
	}

	variablesJSON, err := json.Marshal(workflow.Variables)
	if err != nil {
		return persistence.NewStoreError("Save", workflow.ID, fmt.Errorf("failed to marshal variables: %w", err))
	}

	metadataJSON, err := json.Marshal(workflow.Metadata)
	if err != nil {
		return persistence.NewStoreError("Save", workflow.ID, fmt.Errorf("failed to marshal metadata: %w", err))
	}

	query := `
		INSERT INTO workflows (id, name, description, owner, nodes, connections, variables, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			owner = EXCLUDED.owner,
			nodes = EXCLUDED.nodes,
			connections = EXCLUDED.connections,
			variables = EXCLUDED.variables,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`

	_, err = wr.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.Owner,
		nodesJSON,
		connectionsJSON,
		variablesJSON,
		metadataJSON,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", workflow.ID, err)
	}

	return nil
}

func (wr *WorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	query := `
		SELECT id, name, description, owner, nodes, connections, variables, metadata, created_at, updated_at
		FROM workflows
		ORDER BY created_at DESC
	`

	rows, err := wr.db.QueryContext(ctx, query)
	if err != nil {
		return nil, persistence.NewStoreError("List", "", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			wr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var workflows []*models.Workflow

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, persistence.NewStoreError("List", "", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("List", "", err)
	}

	return workflows, nil
}

func (wr *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := wr.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return persistence.NewStoreError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func scanWorkflow(scanner interface{ Scan(dest ...any) error }) (*models.Workflow, error) {
	var (
		workflow                                                models.Workflow
		nodesJSON, connectionsJSON, variablesJSON, metadataJSON []byte
	)

	err := scanner.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&workflow.Owner,
		&nodesJSON,
		&connectionsJSON,
		&variablesJSON,
		&metadataJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodesJSON, &workflow.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	if err := json.Unmarshal(connectionsJSON, &workflow.Connections); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connections: %w", err)
	}

	if variablesJSON != nil {
		if err := json.Unmarshal(variablesJSON, &workflow.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &workflow.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &workflow, nil
}
