// Package protocol defines the capability interfaces the engine depends on.
// Implementations live outside the execution core.
package protocol

import (
	"context"
	"log/slog"
)

// ExecuteRequest carries everything a node executor may need for one
// dispatch. UpstreamOutputs maps finished predecessor node ids to their
// outputs; trigger predecessors resolve to the trigger payload.
type ExecuteRequest struct {
	ExecutionID     string
	WorkflowID      string
	NodeID          string
	Kind            string
	Config          map[string]any
	IntegrationRef  string
	UpstreamOutputs map[string]map[string]any
	TriggerData     map[string]any
	Variables       map[string]any
	// UpstreamError is set only for error-handler nodes and carries the
	// failure that routed control to them.
	UpstreamError string
}

// NodeExecutor performs the work of a single node. Implementations may do
// network I/O and must honor context cancellation; the engine applies a
// per-node timeout around every call.
type NodeExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (map[string]any, error)
}

// ExecutorFactory creates executors for one node type from its validated
// config.
type ExecutorFactory interface {
	// ID is the node type this factory serves, e.g. "log" or "http_request".
	ID() string
	// Schema is the JSON schema node configs are validated against. A nil
	// return skips validation.
	Schema() map[string]any
	Create(config map[string]any, logger *slog.Logger) (NodeExecutor, error)
}

// Identity resolves the acting user for a request. Authentication itself is
// an external collaborator; this is only the seam.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// ExecuteCallback lets trigger sources (schedule, queue) hand a firing
// trigger to the engine without depending on the service layer directly.
type ExecuteCallback func(ctx context.Context, workflowID string, triggerData map[string]any) error
