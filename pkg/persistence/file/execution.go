package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence"
)

// ExecutionRepository stores one JSON document per execution. A single
// mutex makes CreateOrGet atomic for concurrent same-key submissions; the
// idempotency index is kept in memory and rebuilt lazily from disk.
type ExecutionRepository struct {
	root string

	mu      sync.Mutex
	byKey   map[string]string // workflow_id + "\x00" + idempotency_key -> execution id
	indexed bool
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{
		root:  root,
		byKey: make(map[string]string),
	}
}

func (er *ExecutionRepository) dir() string {
	return filepath.Join(er.root, "executions")
}

func (er *ExecutionRepository) path(id string) string {
	return filepath.Join(er.dir(), id+".json")
}

func idempotencyKey(workflowID, key string) string {
	return workflowID + "\x00" + key
}

// CreateOrGet inserts the execution unless one with the same workflow_id
// and idempotency key exists. The whole check-and-create runs under one
// lock so two concurrent submissions with the same key yield one row.
func (er *ExecutionRepository) CreateOrGet(ctx context.Context, execution *models.Execution) (*models.Execution, bool, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	if err := er.ensureIndex(ctx); err != nil {
		return nil, false, err
	}

	if execution.IdempotencyKey != "" {
		key := idempotencyKey(execution.WorkflowID, execution.IdempotencyKey)
		if existingID, exists := er.byKey[key]; exists {
			existing, err := er.read(existingID)
			if err != nil {
				return nil, false, err
			}

			return existing, false, nil
		}
	}

	if err := er.write(execution); err != nil {
		return nil, false, err
	}

	if execution.IdempotencyKey != "" {
		er.byKey[idempotencyKey(execution.WorkflowID, execution.IdempotencyKey)] = execution.ID
	}

	return execution, true, nil
}

func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	return er.read(id)
}

func (er *ExecutionRepository) Update(_ context.Context, execution *models.Execution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	if _, err := os.Stat(er.path(execution.ID)); os.IsNotExist(err) {
		return persistence.NewStoreError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	return er.write(execution)
}

func (er *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string) ([]*models.Execution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	ids, err := er.listIDs()
	if err != nil {
		return nil, err
	}

	var executions []*models.Execution

	for _, id := range ids {
		execution, err := er.read(id)
		if err != nil {
			return nil, err
		}

		if execution.WorkflowID == workflowID {
			executions = append(executions, execution)
		}
	}

	return executions, nil
}

func (er *ExecutionRepository) ensureIndex(_ context.Context) error {
	if er.indexed {
		return nil
	}

	ids, err := er.listIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		execution, err := er.read(id)
		if err != nil {
			return err
		}

		if execution.IdempotencyKey != "" {
			er.byKey[idempotencyKey(execution.WorkflowID, execution.IdempotencyKey)] = execution.ID
		}
	}

	er.indexed = true

	return nil
}

func (er *ExecutionRepository) listIDs() ([]string, error) {
	jsonFiles, err := fs.Glob(os.DirFS(er.dir()), "*.json")
	if err != nil {
		return nil, persistence.NewStoreError("List", "", err)
	}

	ids := make([]string, 0, len(jsonFiles))
	for _, file := range jsonFiles {
		ids = append(ids, file[:len(file)-len(".json")])
	}

	return ids, nil
}

func (er *ExecutionRepository) read(id string) (*models.Execution, error) {
	data, err := os.ReadFile(er.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	var execution models.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, persistence.NewStoreError("GetByID", id, fmt.Errorf("corrupt execution document: %w", err))
	}

	return &execution, nil
}

func (er *ExecutionRepository) write(execution *models.Execution) error {
	if err := os.MkdirAll(er.dir(), 0o755); err != nil {
		return persistence.NewStoreError("Save", execution.ID, err)
	}

	data, err := json.MarshalIndent(execution, "", "  ")
	if err != nil {
		return persistence.NewStoreError("Save", execution.ID, err)
	}

	// Write-then-rename so a reader never observes a partial document.
	path := er.path(execution.ID)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return persistence.NewStoreError("Save", execution.ID, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return persistence.NewStoreError("Save", execution.ID, err)
	}

	return nil
}
