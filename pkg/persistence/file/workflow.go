package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence"
)

// WorkflowRepository stores one JSON document per workflow.
type WorkflowRepository struct {
	root string
	mu   sync.RWMutex
}

func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{root: root}
}

func (wr *WorkflowRepository) dir() string {
	return filepath.Join(wr.root, "workflows")
}

func (wr *WorkflowRepository) path(id string) string {
	return filepath.Join(wr.dir(), id+".json")
}

func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()

	data, err := os.ReadFile(wr.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", id, err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, persistence.NewStoreError("GetByID", id, fmt.Errorf("corrupt workflow document: %w", err))
	}

	return &workflow, nil
}

func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if err := os.MkdirAll(wr.dir(), 0o755); err != nil {
		return persistence.NewStoreError("Save", workflow.ID, err)
	}

	workflow.UpdatedAt = time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = workflow.UpdatedAt
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return persistence.NewStoreError("Save", workflow.ID, err)
	}

	// Write-then-rename so a reader never observes a partial document.
	path := wr.path(workflow.ID)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return persistence.NewStoreError("Save", workflow.ID, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return persistence.NewStoreError("Save", workflow.ID, err)
	}

	return nil
}

func (wr *WorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	root := os.DirFS(wr.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, persistence.NewStoreError("List", "", err)
	}

	workflows := make([]*models.Workflow, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		workflow, err := wr.GetByID(ctx, file[:len(file)-len(".json")])
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (wr *WorkflowRepository) Delete(_ context.Context, id string) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if err := os.Remove(wr.path(id)); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewStoreError("Delete", id, persistence.ErrWorkflowNotFound)
		}

		return persistence.NewStoreError("Delete", id, err)
	}

	return nil
}
