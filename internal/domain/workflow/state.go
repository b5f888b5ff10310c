package workflow

import "strings"

// Status is the lifecycle status of a workflow instance
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusCancelled: true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
}

// IsTerminal returns true if no further transitions are evaluated in this status
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsRunnable returns true if actions may be executed in this status
func (s Status) IsRunnable() bool {
	return s == StatusPending || s == StatusRunning
}

// IsValid returns true if the status is a known instance status
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// Outcome decides which terminal status a final state produces
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
)

// WorkflowState is a named state value referenced by graph nodes.
// States are decoupled from templates so the same state can be reused.
type WorkflowState struct {
	ID        string  `json:"id" yaml:"id" validate:"required"`
	Label     string  `json:"label" yaml:"label"`
	IsInitial bool    `json:"is_initial,omitempty" yaml:"is_initial"`
	IsFinal   bool    `json:"is_final,omitempty" yaml:"is_final"`
	Outcome   Outcome `json:"outcome,omitempty" yaml:"outcome" validate:"omitempty,oneof=completed cancelled"`
}

// TerminalStatus returns the instance status reached when entering this state.
// Non-final states keep the instance running.
func (s WorkflowState) TerminalStatus() Status {
	if !s.IsFinal {
		return StatusRunning
	}

	switch s.Outcome {
	case OutcomeCancelled:
		return StatusCancelled
	case OutcomeCompleted:
		return StatusCompleted
	}

	switch strings.ToLower(s.ID) {
	case "cancelled", "canceled":
		return StatusCancelled
	}
	return StatusCompleted
}
