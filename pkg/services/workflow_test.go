package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/pkg/persistence/file"
	"github.com/weftlab/weft/pkg/testutil"
)

func TestWorkflow_Save(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	service := NewWorkflow(store)

	wf := testutil.LinearWorkflow("trigger", "a")
	wf.ID = ""

	saved, err := service.Save(t.Context(), wf)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())
	assert.False(t, saved.UpdatedAt.IsZero())

	fetched, err := service.GetByID(t.Context(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.Name, fetched.Name)
}

func TestWorkflow_Save_Validation(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	service := NewWorkflow(store)

	_, err := service.Save(t.Context(), nil)
	assert.ErrorIs(t, err, ErrWorkflowNil)

	unnamed := testutil.LinearWorkflow("trigger", "a")
	unnamed.Name = ""

	_, err = service.Save(t.Context(), unnamed)
	assert.ErrorIs(t, err, ErrWorkflowNameRequired)

	empty := testutil.CreateTestWorkflow()

	_, err = service.Save(t.Context(), empty)
	assert.ErrorIs(t, err, ErrNodesRequired)

	// A graph with no trigger is rejected before persisting.
	noTrigger := testutil.CreateTestWorkflow(testutil.WithNodes(testutil.CreateTestNode()))

	_, err = service.Save(t.Context(), noTrigger)
	assert.ErrorIs(t, err, ErrInvalidGraph)
	assert.True(t, IsValidationError(err))

	var serviceErr *ServiceError

	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "invalid_graph", serviceErr.Code)
	assert.Equal(t, "Save", serviceErr.Op)
}

func TestWorkflow_ListAndDelete(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	service := NewWorkflow(store)

	wf := testutil.LinearWorkflow("trigger", "a")
	saved, err := service.Save(t.Context(), wf)
	require.NoError(t, err)

	list, err := service.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, service.Delete(t.Context(), saved.ID))

	_, err = service.GetByID(t.Context(), saved.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestWorkflow_HealthCheck(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	service := NewWorkflow(store)

	message, ok := service.HealthCheck(t.Context())
	assert.True(t, ok)
	assert.NotEmpty(t, message)
}
