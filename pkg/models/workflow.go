// Package models defines the core domain models for node-based workflow execution.
package models

import "time"

// Workflow is the stored node/connection graph an execution runs against.
// It is treated as immutable for the lifetime of an execution.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description"`
	Owner       string         `json:"owner"       validate:"required"`
	Nodes       []*Node        `json:"nodes"`
	Connections []*Connection  `json:"connections"`
	Variables   map[string]any `json:"variables,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TriggerNodes returns the workflow's entry points in declaration order.
func (w *Workflow) TriggerNodes() []*Node {
	var triggers []*Node

	for _, node := range w.Nodes {
		if node.Kind == NodeKindTrigger {
			triggers = append(triggers, node)
		}
	}

	return triggers
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}
