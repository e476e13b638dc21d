package mocks

import (
	"context"
	"log/slog"

	"github.com/stretchr/testify/mock"

	"github.com/weftlab/weft/pkg/protocol"
)

// MockNodeExecutor is a mock implementation of protocol.NodeExecutor.
type MockNodeExecutor struct {
	mock.Mock
}

func (m *MockNodeExecutor) Execute(ctx context.Context, req protocol.ExecuteRequest) (map[string]any, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]any), args.Error(1)
}

// MockExecutorFactory is a mock implementation of protocol.ExecutorFactory.
type MockExecutorFactory struct {
	mock.Mock
}

func (m *MockExecutorFactory) ID() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockExecutorFactory) Schema() map[string]any {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).(map[string]any)
}

func (m *MockExecutorFactory) Create(config map[string]any, logger *slog.Logger) (protocol.NodeExecutor, error) {
	args := m.Called(config, logger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(protocol.NodeExecutor), args.Error(1)
}
