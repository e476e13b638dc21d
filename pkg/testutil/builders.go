// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/pkg/models"
)

// CreateTestNode creates a test node with default values that can be overridden.
func CreateTestNode(overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		ID:      uuid.New().String(),
		Kind:    models.NodeKindAction,
		Type:    "log",
		Name:    "Test Node",
		Config:  map[string]any{"message": "test", "level": "info"},
		Enabled: true,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithTriggerNode configures the node as a trigger node.
func WithTriggerNode() func(*models.Node) {
	return func(n *models.Node) {
		n.Kind = models.NodeKindTrigger
		n.Type = "trigger:webhook"
		n.Config = map[string]any{}
	}
}

// WithErrorHandler configures the node as an error handler.
func WithErrorHandler() func(*models.Node) {
	return func(n *models.Node) {
		n.Kind = models.NodeKindErrorHandler
		n.Type = "log"
	}
}

// WithID sets the node ID.
func WithID(id string) func(*models.Node) {
	return func(n *models.Node) {
		n.ID = id
	}
}

// WithType sets the node type.
func WithType(nodeType string) func(*models.Node) {
	return func(n *models.Node) {
		n.Type = nodeType
	}
}

// WithConfig sets the node configuration.
func WithConfig(config map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Config = config
	}
}

// WithEnabled sets the node enabled status.
func WithEnabled(enabled bool) func(*models.Node) {
	return func(n *models.Node) {
		n.Enabled = enabled
	}
}

// WithLoop declares bounded iteration on the node.
func WithLoop(maxIterations int) func(*models.Node) {
	return func(n *models.Node) {
		n.Loop = &models.LoopSpec{MaxIterations: maxIterations}
	}
}

// CreateTestWorkflow creates an empty test workflow; add nodes and
// connections with the builder helpers.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	now := time.Now().UTC()

	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Description: "A workflow for testing",
		Owner:       "test-user",
		Variables:   map[string]any{"env": "test"},
		Nodes:       []*models.Node{},
		Connections: []*models.Connection{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithNodes sets the workflow nodes.
func WithNodes(nodes ...*models.Node) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Nodes = nodes
	}
}

// WithConnections sets the workflow connections.
func WithConnections(connections ...*models.Connection) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Connections = connections
	}
}

// Connect builds an unconditional connection between two nodes.
func Connect(from, to string) *models.Connection {
	return &models.Connection{
		ID:         uuid.New().String(),
		FromNodeID: from,
		ToNodeID:   to,
	}
}

// ConnectIf builds a conditional connection between two nodes.
func ConnectIf(from, to, condition string) *models.Connection {
	return &models.Connection{
		ID:         uuid.New().String(),
		FromNodeID: from,
		ToNodeID:   to,
		Condition:  condition,
	}
}

// LinearWorkflow builds trigger -> step1 -> step2 ... with the given action
// node ids.
func LinearWorkflow(triggerID string, stepIDs ...string) *models.Workflow {
	nodes := []*models.Node{CreateTestNode(WithTriggerNode(), WithID(triggerID))}
	connections := []*models.Connection{}

	prev := triggerID
	for _, id := range stepIDs {
		nodes = append(nodes, CreateTestNode(WithID(id)))
		connections = append(connections, Connect(prev, id))
		prev = id
	}

	return CreateTestWorkflow(WithNodes(nodes...), WithConnections(connections...))
}
