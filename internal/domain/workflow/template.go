package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/garyjia/workflow-engine/internal/domain/condition"
)

// SLAConfig bounds how long an instance may stay non-terminal
type SLAConfig struct {
	MaxDurationHours float64 `json:"max_duration_hours" yaml:"max_duration_hours" validate:"gt=0"`
}

// MaxDuration returns the configured maximum duration
func (c SLAConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationHours * float64(time.Hour))
}

// WorkflowTemplate is the immutable definition of a workflow graph.
// A changed definition is stored as a new version, never edited in place.
type WorkflowTemplate struct {
	ID             int64               `json:"id" yaml:"id"`
	Name           string              `json:"name" yaml:"name" validate:"required"`
	WorkflowType   string              `json:"workflow_type" yaml:"workflow_type"`
	Version        int                 `json:"version" yaml:"version"`
	Nodes          []Node              `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges          []Edge              `json:"edges" yaml:"edges" validate:"dive"`
	States         []WorkflowState     `json:"states,omitempty" yaml:"states" validate:"dive"`
	DefaultStateID string              `json:"default_state_id,omitempty" yaml:"default_state_id"`
	Permissions    map[string][]string `json:"permissions,omitempty" yaml:"permissions"`
	SLAConfig      *SLAConfig          `json:"sla_config,omitempty" yaml:"sla_config" validate:"omitempty"`
	InputSchema    map[string]any      `json:"input_schema,omitempty" yaml:"input_schema"`
	IsActive       bool                `json:"is_active" yaml:"is_active"`
	CreatedAt      time.Time           `json:"created_at" yaml:"-"`
}

var structValidator = validator.New()

// Validate checks the template graph. All problems are reported together,
// wrapped in ErrInvalidTemplate.
func (t *WorkflowTemplate) Validate() error {
	if err := structValidator.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	var errs []error

	nodeIDs := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if nodeIDs[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate node id %s", n.ID))
		}
		nodeIDs[n.ID] = true

		if err := n.validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(t.States) > 0 {
		stateIDs := make(map[string]bool, len(t.States))
		for _, s := range t.States {
			if stateIDs[s.ID] {
				errs = append(errs, fmt.Errorf("duplicate state id %s", s.ID))
			}
			stateIDs[s.ID] = true
		}
		for _, n := range t.Nodes {
			if id := n.StateID(); id != "" && !stateIDs[id] {
				errs = append(errs, fmt.Errorf("node %s references unknown state %s", n.ID, id))
			}
		}
	}

	edgeIDs := make(map[string]bool, len(t.Edges))
	for _, e := range t.Edges {
		if edgeIDs[e.ID] {
			errs = append(errs, fmt.Errorf("duplicate edge id %s", e.ID))
		}
		edgeIDs[e.ID] = true

		if !nodeIDs[e.Source] {
			errs = append(errs, fmt.Errorf("edge %s references unknown source %s", e.ID, e.Source))
		}
		if !nodeIDs[e.Target] {
			errs = append(errs, fmt.Errorf("edge %s references unknown target %s", e.ID, e.Target))
		}
		if e.Data.Action == "" {
			errs = append(errs, fmt.Errorf("edge %s has no action", e.ID))
		}
		if e.Data.Condition != "" {
			if _, err := condition.Parse(e.Data.Condition); err != nil {
				errs = append(errs, fmt.Errorf("edge %s: %w", e.ID, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTemplate, errors.Join(errs...))
	}

	g, err := Compile(t)
	if err != nil {
		return err
	}
	if _, _, err := g.StartNode(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}

	return nil
}
