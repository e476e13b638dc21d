package models

import (
	"encoding/json"
	"time"
)

// NodeKind categorizes what a node contributes to the graph.
type NodeKind string

const (
	NodeKindTrigger      NodeKind = "trigger"       // Entry point, never executed as work
	NodeKindAction       NodeKind = "action"        // Regular side-effecting node
	NodeKindLogic        NodeKind = "logic"         // Control/branching node
	NodeKindAI           NodeKind = "ai"            // AI provider call
	NodeKindErrorHandler NodeKind = "error_handler" // Runs only when a predecessor failed
)

// LoopSpec declares bounded iteration for a node that is the target of a
// back-edge. Graphs may only contain cycles whose back-edge terminates at a
// node carrying this declaration.
type LoopSpec struct {
	MaxIterations int `json:"max_iterations" validate:"min=1"`
}

// Node is one unit of work in a workflow graph.
type Node struct {
	ID             string         `json:"id"   validate:"required"`
	Kind           NodeKind       `json:"kind" validate:"required,oneof=trigger action logic ai error_handler"`
	Type           string         `json:"type" validate:"required"`
	Name           string         `json:"name"`
	Config         map[string]any `json:"config,omitempty"`
	IntegrationRef string         `json:"integration_ref,omitempty"`
	Enabled        bool           `json:"enabled"`
	Loop           *LoopSpec      `json:"loop,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent, so a
// node is only disabled by an explicit "enabled": false.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node

	aux := struct {
		*alias
		Enabled *bool `json:"enabled"`
	}{alias: (*alias)(n)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Enabled == nil {
		n.Enabled = true
	} else {
		n.Enabled = *aux.Enabled
	}

	return nil
}

// IsErrorHandler reports whether the node only runs on predecessor failure.
func (n *Node) IsErrorHandler() bool {
	return n.Kind == NodeKindErrorHandler
}

// Connection is a directed dependency edge between two nodes. An empty
// Condition always passes.
type Connection struct {
	ID         string `json:"id"`
	FromNodeID string `json:"from_node_id" validate:"required"`
	ToNodeID   string `json:"to_node_id"   validate:"required"`
	Condition  string `json:"condition,omitempty"`
}

// NodeResultStatus is the outcome of a single node dispatch.
type NodeResultStatus string

const (
	NodeResultSuccess NodeResultStatus = "success"
	NodeResultError   NodeResultStatus = "error"
	NodeResultSkipped NodeResultStatus = "skipped"
)

// NodeResult is one entry in an execution's append-only node log.
type NodeResult struct {
	NodeID     string           `json:"node_id"`
	Status     NodeResultStatus `json:"status"`
	Output     map[string]any   `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DurationMs int64            `json:"duration_ms"`
}
