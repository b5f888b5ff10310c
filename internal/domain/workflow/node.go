package workflow

import (
	"fmt"
	"time"
)

// NodeType identifies the kind of vertex in a template graph
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeState       NodeType = "state"
	NodeServiceTask NodeType = "service_task"
	NodeTimer       NodeType = "timer"
	NodeEnd         NodeType = "end"
)

var validNodeTypes = map[NodeType]bool{
	NodeStart:       true,
	NodeState:       true,
	NodeServiceTask: true,
	NodeTimer:       true,
	NodeEnd:         true,
}

// IsValid returns true if the node type is one the engine knows how to enter
func (t NodeType) IsValid() bool {
	return validNodeTypes[t]
}

// String returns the string representation of the node type
func (t NodeType) String() string {
	return string(t)
}

// Position is presentation-only and ignored by the engine
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NodeData is the type-dependent payload of a node.
// StateID applies to every type; Service/Config to service tasks; DurationSeconds to timers.
type NodeData struct {
	StateID         string         `json:"state_id,omitempty" yaml:"state_id"`
	IsInitial       bool           `json:"is_initial,omitempty" yaml:"is_initial"`
	IsFinal         bool           `json:"is_final,omitempty" yaml:"is_final"`
	Service         string         `json:"service,omitempty" yaml:"service"`
	Config          map[string]any `json:"config,omitempty" yaml:"config"`
	DurationSeconds int64          `json:"duration_seconds,omitempty" yaml:"duration_seconds"`
}

// Node is a vertex in a template graph
type Node struct {
	ID       string   `json:"id" yaml:"id" validate:"required"`
	Type     NodeType `json:"type" yaml:"type" validate:"required"`
	Position Position `json:"position" yaml:"position"`
	Data     NodeData `json:"data" yaml:"data"`
}

// StateID returns the state the instance is in while this node is active, if any
func (n Node) StateID() string {
	return n.Data.StateID
}

// TimerDuration returns the armed duration of a timer node
func (n Node) TimerDuration() time.Duration {
	return time.Duration(n.Data.DurationSeconds) * time.Second
}

// validate checks the per-type payload of a node
func (n Node) validate() error {
	switch n.Type {
	case NodeState:
		if n.Data.StateID == "" {
			return fmt.Errorf("state node %s has no state_id", n.ID)
		}
	case NodeServiceTask:
		if n.Data.Service == "" {
			return fmt.Errorf("service_task node %s has no service", n.ID)
		}
	case NodeTimer:
		if n.Data.DurationSeconds <= 0 {
			return fmt.Errorf("timer node %s needs a positive duration_seconds", n.ID)
		}
	case NodeStart, NodeEnd:
	default:
		return fmt.Errorf("node %s has unknown type %q", n.ID, n.Type)
	}
	return nil
}

// EdgeData carries the trigger and guards of an edge
type EdgeData struct {
	Action               string   `json:"action" yaml:"action"`
	Condition            string   `json:"condition,omitempty" yaml:"condition"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities"`
}

// Edge is a directed, action-triggered transition between two nodes
type Edge struct {
	ID     string   `json:"id" yaml:"id" validate:"required"`
	Source string   `json:"source" yaml:"source" validate:"required"`
	Target string   `json:"target" yaml:"target" validate:"required"`
	Data   EdgeData `json:"data" yaml:"data"`
}
