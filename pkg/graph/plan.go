// Package graph validates workflow graphs and computes their execution order.
package graph

import (
	"errors"
	"fmt"

	"github.com/weftlab/weft/pkg/models"
)

// Structural validation errors. All of them are detected before any
// execution row is created.
var (
	ErrNoTriggerNodes    = errors.New("workflow has no trigger nodes")
	ErrUnknownNode       = errors.New("connection references unknown node")
	ErrCycleDetected     = errors.New("workflow graph contains an unsanctioned cycle")
	ErrUnreachableNode   = errors.New("node is not reachable from any trigger")
	ErrSelfConnection    = errors.New("node connects to itself")
	ErrDuplicateNodeID   = errors.New("duplicate node id")
	ErrEmptyWorkflow     = errors.New("workflow has no nodes")
	ErrInvalidLoopBounds = errors.New("loop declaration requires max_iterations >= 1")
)

// IsValidationError checks if an error is a graph validation failure, as
// opposed to an infrastructure error.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNoTriggerNodes) ||
		errors.Is(err, ErrUnknownNode) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrUnreachableNode) ||
		errors.Is(err, ErrSelfConnection) ||
		errors.Is(err, ErrDuplicateNodeID) ||
		errors.Is(err, ErrEmptyWorkflow) ||
		errors.Is(err, ErrInvalidLoopBounds)
}

// Plan is the validated execution order of a workflow graph. Groups holds
// node ids layered so that nodes within a group have no dependency between
// them and every node appears in a later group than all of its
// predecessors. Trigger nodes land in the first groups; the engine resolves
// them from the trigger payload instead of dispatching work for them.
type Plan struct {
	Groups [][]string

	workflow  *models.Workflow
	parents   map[string][]string
	children  map[string][]string
	iteration map[string][]string
}

// BuildPlan validates the graph structure and computes a deterministic
// topological order using Kahn's algorithm. Ties inside a layer are broken
// by node declaration order so identical input always yields an identical
// plan.
//
// Back-edges whose target declares bounded iteration (Node.Loop) are
// classified as iteration edges: they are excluded from the dependency
// order but kept on the plan for the engine. Any other cycle is rejected.
func BuildPlan(workflow *models.Workflow) (*Plan, error) {
	if len(workflow.Nodes) == 0 {
		return nil, ErrEmptyWorkflow
	}

	index := make(map[string]*models.Node, len(workflow.Nodes))
	order := make(map[string]int, len(workflow.Nodes))

	for i, node := range workflow.Nodes {
		if _, exists := index[node.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNodeID, node.ID)
		}

		if node.Loop != nil && node.Loop.MaxIterations < 1 {
			return nil, fmt.Errorf("%w: node %s", ErrInvalidLoopBounds, node.ID)
		}

		index[node.ID] = node
		order[node.ID] = i
	}

	if len(workflow.TriggerNodes()) == 0 {
		return nil, ErrNoTriggerNodes
	}

	plan := &Plan{
		workflow:  workflow,
		parents:   make(map[string][]string),
		children:  make(map[string][]string),
		iteration: make(map[string][]string),
	}

	for _, conn := range workflow.Connections {
		if _, exists := index[conn.FromNodeID]; !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, conn.FromNodeID)
		}

		if _, exists := index[conn.ToNodeID]; !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, conn.ToNodeID)
		}

		if conn.FromNodeID == conn.ToNodeID {
			return nil, fmt.Errorf("%w: %s", ErrSelfConnection, conn.FromNodeID)
		}

		plan.children[conn.FromNodeID] = append(plan.children[conn.FromNodeID], conn.ToNodeID)
		plan.parents[conn.ToNodeID] = append(plan.parents[conn.ToNodeID], conn.FromNodeID)
	}

	plan.extractIterationEdges(index)

	if err := plan.layer(index, order); err != nil {
		return nil, err
	}

	if err := plan.checkReachability(index); err != nil {
		return nil, err
	}

	return plan, nil
}

// Predecessors returns the dependency parents of a node (iteration edges
// excluded).
func (p *Plan) Predecessors(nodeID string) []string {
	return p.parents[nodeID]
}

// Successors returns the dependency children of a node.
func (p *Plan) Successors(nodeID string) []string {
	return p.children[nodeID]
}

// IterationSources returns the origins of iteration edges pointing at the
// given loop node.
func (p *Plan) IterationSources(nodeID string) []string {
	return p.iteration[nodeID]
}

// Workflow returns the graph this plan was built from.
func (p *Plan) Workflow() *models.Workflow {
	return p.workflow
}

// extractIterationEdges removes back-edges that terminate at a declared loop
// node from the dependency maps, keeping them on the side for the engine.
// Edge classification runs a DFS from every trigger; an edge to a node
// currently on the DFS stack is a back-edge.
func (p *Plan) extractIterationEdges(index map[string]*models.Node) {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(index))

	type backEdge struct{ from, to string }

	var backEdges []backEdge

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack

		for _, child := range p.children[id] {
			switch state[child] {
			case unvisited:
				visit(child)
			case onStack:
				backEdges = append(backEdges, backEdge{from: id, to: child})
			}
		}

		state[id] = done
	}

	for _, node := range p.workflow.Nodes {
		if state[node.ID] == unvisited {
			visit(node.ID)
		}
	}

	for _, edge := range backEdges {
		target := index[edge.to]
		if target == nil || target.Loop == nil {
			// Not sanctioned; leave the edge in place so layering
			// reports the cycle.
			continue
		}

		p.children[edge.from] = removeID(p.children[edge.from], edge.to)
		p.parents[edge.to] = removeID(p.parents[edge.to], edge.from)
		p.iteration[edge.to] = append(p.iteration[edge.to], edge.from)
	}
}

// layer runs Kahn's algorithm producing dependency layers. Nodes left over
// after the sweep sit on a cycle.
func (p *Plan) layer(index map[string]*models.Node, declOrder map[string]int) error {
	inDegree := make(map[string]int, len(index))
	for id := range index {
		inDegree[id] = len(p.parents[id])
	}

	remaining := len(index)

	ready := make([]string, 0, len(index))

	for _, node := range p.workflow.Nodes {
		if inDegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	for len(ready) > 0 {
		sortByDeclaration(ready, declOrder)
		p.Groups = append(p.Groups, ready)
		remaining -= len(ready)

		var next []string

		for _, id := range ready {
			for _, child := range p.children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}

		ready = next
	}

	if remaining > 0 {
		return ErrCycleDetected
	}

	return nil
}

// checkReachability verifies every non-trigger node is reachable from at
// least one trigger, following dependency and iteration edges alike.
func (p *Plan) checkReachability(index map[string]*models.Node) error {
	reached := make(map[string]bool, len(index))

	var walk func(id string)
	walk = func(id string) {
		if reached[id] {
			return
		}

		reached[id] = true

		for _, child := range p.children[id] {
			walk(child)
		}
	}

	for _, trigger := range p.workflow.TriggerNodes() {
		walk(trigger.ID)
	}

	// Iteration edge origins are inside the loop body, so reachability via
	// dependency edges already covers them; only verify the result.
	for _, node := range p.workflow.Nodes {
		if !reached[node.ID] {
			return fmt.Errorf("%w: %s", ErrUnreachableNode, node.ID)
		}
	}

	return nil
}

func sortByDeclaration(ids []string, declOrder map[string]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && declOrder[ids[j]] < declOrder[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]

	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}

	return out
}
