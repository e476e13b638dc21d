// Package mocks provides testify mocks for the repository and executor
// interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/weftlab/weft/pkg/models"
	"github.com/weftlab/weft/pkg/persistence"
)

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	args := m.Called(ctx, workflow)

	return args.Error(0)
}

func (m *MockWorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockExecutionRepository is a mock implementation of persistence.ExecutionRepository.
type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) CreateOrGet(ctx context.Context, execution *models.Execution) (*models.Execution, bool, error) {
	args := m.Called(ctx, execution)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}

	return args.Get(0).(*models.Execution), args.Bool(1), args.Error(2)
}

func (m *MockExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Execution), args.Error(1)
}

func (m *MockExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Execution), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence.
type MockPersistence struct {
	mock.Mock

	Workflows  *MockWorkflowRepository
	Executions *MockExecutionRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Workflows:  &MockWorkflowRepository{},
		Executions: &MockExecutionRepository{},
	}
}

func (m *MockPersistence) WorkflowRepository() persistence.WorkflowRepository {
	return m.Workflows
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	return m.Executions
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
