// Package file provides a JSON-file backed store. It is the default for
// local development and the store unit tests run against.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/weftlab/weft/pkg/persistence"
)

// Persistence implements persistence.Persistence on top of a directory of
// JSON documents.
type Persistence struct {
	root          string
	workflowRepo  *WorkflowRepository
	executionRepo *ExecutionRepository
}

// NewPersistence creates a store rooted at the given directory, creating it
// if necessary. Accepts plain paths and file:// URLs.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:          cleanRoot,
		workflowRepo:  NewWorkflowRepository(cleanRoot),
		executionRepo: NewExecutionRepository(cleanRoot),
	}
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) Close(_ context.Context) error {
	return nil
}
