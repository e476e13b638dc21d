package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence"
)

// ExecutionRepository handles execution rows.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// CreateOrGet relies on the partial unique index on
// (workflow_id, idempotency_key): the INSERT .. ON CONFLICT DO NOTHING is a
// single atomic conditional insert, never a read-then-write pair. When the
// insert is skipped the existing row is fetched and returned.
func (er *ExecutionRepository) CreateOrGet(ctx context.Context, execution *models.Execution) (*models.Execution, bool, error) {
	triggerDataJSON, variablesJSON, nodeResultsJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return nil, false, persistence.NewStoreError("CreateOrGet", execution.ID, err)
	}

	var idempotencyKey sql.NullString
	if execution.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: execution.IdempotencyKey, Valid: true}
	}

	query := `
		INSERT INTO executions (id, workflow_id, owner, idempotency_key, status, trigger_data, variables, node_results, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (workflow_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`

	result, err := er.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.Owner,
		idempotencyKey,
		execution.Status,
		triggerDataJSON,
		variablesJSON,
		nodeResultsJSON,
		execution.ErrorMessage,
		execution.StartedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return nil, false, persistence.NewStoreError("CreateOrGet", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, persistence.NewStoreError("CreateOrGet", execution.ID, err)
	}

	if affected == 1 {
		return execution, true, nil
	}

	existing, err := er.getByIdempotencyKey(ctx, execution.WorkflowID, execution.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

func (er *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	query := selectExecution + " WHERE id = $1"

	execution, err := scanExecution(er.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	return execution, nil
}

func (er *ExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	triggerDataJSON, variablesJSON, nodeResultsJSON, err := marshalExecutionFields(execution)
	if err != nil {
		return persistence.NewStoreError("Update", execution.ID, err)
	}

	query := `
		UPDATE executions
		SET status = $2, trigger_data = $3, variables = $4, node_results = $5,
			error_message = $6, started_at = $7, completed_at = $8
		WHERE id = $1
	`

	result, err := er.db.ExecContext(ctx, query,
		execution.ID,
		execution.Status,
		triggerDataJSON,
		variablesJSON,
		nodeResultsJSON,
		execution.ErrorMessage,
		execution.StartedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Update", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Update", execution.ID, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	return nil
}

func (er *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	query := selectExecution + " WHERE workflow_id = $1 ORDER BY started_at DESC"

	rows, err := er.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, persistence.NewStoreError("ListByWorkflow", workflowID, err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			er.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, persistence.NewStoreError("ListByWorkflow", workflowID, err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("ListByWorkflow", workflowID, err)
	}

	return executions, nil
}

func (er *ExecutionRepository) getByIdempotencyKey(ctx context.Context, workflowID, key string) (*models.Execution, error) {
	query := selectExecution + " WHERE workflow_id = $1 AND idempotency_key = $2"

	execution, err := scanExecution(er.db.QueryRowContext(ctx, query, workflowID, key))
	if err != nil {
		return nil, persistence.NewStoreError("CreateOrGet", workflowID, err)
	}

	return execution, nil
}

const selectExecution = `
	SELECT id, workflow_id, owner, idempotency_key, status, trigger_data, variables, node_results, error_message, started_at, completed_at
	FROM executions
`

func marshalExecutionFields(execution *models.Execution) (triggerData, variables, nodeResults []byte, err error) {
	triggerData, err = json.Marshal(execution.TriggerData)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	variables, err = json.Marshal(execution.Variables)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal variables: %w", err)
	}

	if execution.NodeResults == nil {
		execution.NodeResults = []models.NodeResult{}
	}

	nodeResults, err = json.Marshal(execution.NodeResults)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal node results: %w", err)
	}

	return triggerData, variables, nodeResults, nil
}

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*models.Execution, error) {
	var (
		execution                                   models.Execution
		idempotencyKey                              sql.NullString
		triggerDataJSON, variablesJSON, resultsJSON []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.Owner,
		&idempotencyKey,
		&execution.Status,
		&triggerDataJSON,
		&variablesJSON,
		&resultsJSON,
		&execution.ErrorMessage,
		&execution.StartedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.IdempotencyKey = idempotencyKey.String

	if triggerDataJSON != nil {
		if err := json.Unmarshal(triggerDataJSON, &execution.TriggerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
		}
	}

	if variablesJSON != nil {
		if err := json.Unmarshal(variablesJSON, &execution.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}

	if err := json.Unmarshal(resultsJSON, &execution.NodeResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node results: %w", err)
	}

	return &execution, nil
}
