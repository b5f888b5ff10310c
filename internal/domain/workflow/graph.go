package workflow

import (
	"fmt"

	"github.com/garyjia/workflow-engine/internal/domain/condition"
)

// GuardResult is the outcome of evaluating an edge condition
type GuardResult struct {
	Passed bool
	// Err is set when the condition is malformed; Passed is then always false
	Err error
}

// CompiledEdge is an edge with its endpoints resolved and its condition parsed
type CompiledEdge struct {
	Edge
	Source Node
	Target Node

	expr    condition.Expr
	exprErr error
}

// Guard evaluates the edge condition against vars. An absent condition passes;
// a malformed one fails closed.
func (e *CompiledEdge) Guard(vars map[string]any) GuardResult {
	if e.Data.Condition == "" {
		return GuardResult{Passed: true}
	}
	if e.exprErr != nil {
		return GuardResult{Err: e.exprErr}
	}

	ok, err := condition.Eval(e.expr, vars)
	if err != nil {
		return GuardResult{Err: err}
	}
	return GuardResult{Passed: ok}
}

// Graph is the immutable, indexed form of a template used at runtime.
// Edge order always follows declaration order in the template.
type Graph struct {
	template *WorkflowTemplate
	nodes    map[string]Node
	states   map[string]WorkflowState
	edges    []*CompiledEdge
}

// Compile indexes a template into a Graph. Edges with unknown endpoints are rejected;
// malformed conditions are kept and fail closed when evaluated.
func Compile(t *WorkflowTemplate) (*Graph, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: template is nil", ErrInvalidTemplate)
	}

	g := &Graph{
		template: t,
		nodes:    make(map[string]Node, len(t.Nodes)),
		states:   make(map[string]WorkflowState, len(t.States)),
		edges:    make([]*CompiledEdge, 0, len(t.Edges)),
	}

	for _, n := range t.Nodes {
		g.nodes[n.ID] = n
	}

	declared := make(map[string]bool, len(t.States))
	for _, s := range t.States {
		g.states[s.ID] = s
		declared[s.ID] = true
	}

	// States referenced only by nodes inherit the flags set on those nodes
	for _, n := range t.Nodes {
		id := n.StateID()
		if id == "" || declared[id] {
			continue
		}
		s, ok := g.states[id]
		if !ok {
			s = WorkflowState{ID: id, Label: id}
		}
		s.IsInitial = s.IsInitial || n.Data.IsInitial
		s.IsFinal = s.IsFinal || n.Data.IsFinal || n.Type == NodeEnd
		g.states[id] = s
	}

	for _, e := range t.Edges {
		src, ok := g.nodes[e.Source]
		if !ok {
			return nil, fmt.Errorf("%w: edge %s references unknown source %s", ErrInvalidTemplate, e.ID, e.Source)
		}
		dst, ok := g.nodes[e.Target]
		if !ok {
			return nil, fmt.Errorf("%w: edge %s references unknown target %s", ErrInvalidTemplate, e.ID, e.Target)
		}

		ce := &CompiledEdge{Edge: e, Source: src, Target: dst}
		if e.Data.Condition != "" {
			ce.expr, ce.exprErr = condition.Parse(e.Data.Condition)
		}
		g.edges = append(g.edges, ce)
	}

	return g, nil
}

// Template returns the template the graph was compiled from
func (g *Graph) Template() *WorkflowTemplate {
	return g.template
}

// Node returns a node by id
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// State returns a state by id
func (g *Graph) State(id string) (WorkflowState, bool) {
	s, ok := g.states[id]
	return s, ok
}

// HasStateNode returns true if some node in the graph carries the state id
func (g *Graph) HasStateNode(stateID string) bool {
	return g.firstNodeWithState(stateID) != nil
}

// StartNode resolves the node an instance starts on and the state it starts in.
// Resolution order: an explicit start/initial node carrying a state, a start node
// combined with the template default state, a node carrying the default state, a
// node carrying a state flagged initial.
func (g *Graph) StartNode() (Node, string, error) {
	var bareStart *Node
	for i := range g.template.Nodes {
		n := g.template.Nodes[i]
		if n.Type != NodeStart && !n.Data.IsInitial {
			continue
		}
		if n.StateID() != "" {
			return n, n.StateID(), nil
		}
		if bareStart == nil {
			bareStart = &g.template.Nodes[i]
		}
	}

	if def := g.template.DefaultStateID; def != "" && g.HasStateNode(def) {
		if bareStart != nil {
			return *bareStart, def, nil
		}
		return *g.firstNodeWithState(def), def, nil
	}

	for _, s := range g.template.States {
		if s.IsInitial {
			if n := g.firstNodeWithState(s.ID); n != nil {
				return *n, s.ID, nil
			}
		}
	}

	return Node{}, "", ErrNoStartState
}

// Candidates returns the edges leaving the current position that are triggered by
// action, in declaration order. An edge leaves the current position when its source
// node carries the current state or is one of the active nodes.
func (g *Graph) Candidates(currentStateID string, activeNodes []string, action string) []*CompiledEdge {
	var out []*CompiledEdge
	for _, e := range g.edges {
		if e.Data.Action != action {
			continue
		}
		if g.leaves(e, currentStateID, activeNodes) {
			out = append(out, e)
		}
	}
	return out
}

// Actions returns the distinct actions on edges leaving the current position, in
// declaration order
func (g *Graph) Actions(currentStateID string, activeNodes []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.edges {
		if seen[e.Data.Action] || !g.leaves(e, currentStateID, activeNodes) {
			continue
		}
		seen[e.Data.Action] = true
		out = append(out, e.Data.Action)
	}
	return out
}

// TargetState returns the state an instance is in after entering the edge target.
// Targets without a state keep the current one.
func (g *Graph) TargetState(e *CompiledEdge, currentStateID string) string {
	if id := e.Target.StateID(); id != "" {
		return id
	}
	return currentStateID
}

// TerminalStatus returns the status an instance has after entering node in state stateID
func (g *Graph) TerminalStatus(n Node, stateID string) Status {
	if s, ok := g.states[stateID]; ok && s.IsFinal {
		return s.TerminalStatus()
	}
	if n.Type == NodeEnd || n.Data.IsFinal {
		return StatusCompleted
	}
	return StatusRunning
}

// RequiredCapabilities returns the template-level capabilities for the edge action
// together with the edge's own
func (g *Graph) RequiredCapabilities(e *CompiledEdge) []string {
	caps := append([]string{}, g.template.Permissions[e.Data.Action]...)
	return append(caps, e.Data.RequiredCapabilities...)
}

func (g *Graph) leaves(e *CompiledEdge, currentStateID string, activeNodes []string) bool {
	if currentStateID != "" && e.Source.StateID() == currentStateID {
		return true
	}
	for _, id := range activeNodes {
		if id == e.Source.ID {
			return true
		}
	}
	return false
}

func (g *Graph) firstNodeWithState(stateID string) *Node {
	for i := range g.template.Nodes {
		if g.template.Nodes[i].StateID() == stateID {
			return &g.template.Nodes[i]
		}
	}
	return nil
}
