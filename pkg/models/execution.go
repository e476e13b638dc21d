package models

import "time"

// ExecutionStatus is the lifecycle state of one workflow run. The status is
// monotonic: once a terminal state is reached it never changes.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Execution is one run of a workflow graph against a trigger payload.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Owner          string          `json:"owner"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         ExecutionStatus `json:"status"`
	TriggerData    map[string]any  `json:"trigger_data,omitempty"`
	Variables      map[string]any  `json:"variables,omitempty"`
	NodeResults    []NodeResult    `json:"node_results"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Duration returns the elapsed run time, zero while not yet completed.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}

	return e.CompletedAt.Sub(e.StartedAt)
}

// ResultFor returns the most recent log entry for the given node, or nil.
func (e *Execution) ResultFor(nodeID string) *NodeResult {
	for i := len(e.NodeResults) - 1; i >= 0; i-- {
		if e.NodeResults[i].NodeID == nodeID {
			return &e.NodeResults[i]
		}
	}

	return nil
}
