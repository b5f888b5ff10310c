package entity

import "time"

// ExecutionStatus is the outcome of a committed or rejected action
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
	// ExecutionWaiting means the transition committed and the instance now waits on a timer
	ExecutionWaiting ExecutionStatus = "WAITING"
)

// ActionError describes a node-entry side effect that failed after commit
type ActionError struct {
	NodeID  string `json:"node_id"`
	Service string `json:"service,omitempty"`
	Error   string `json:"error"`
}

// ActionOutput is what a service task hands back; it is recorded, never applied to state
type ActionOutput map[string]any

// ExecutionResult is returned by the engine for every action it executes
type ExecutionResult struct {
	Status       ExecutionStatus         `json:"status"`
	Instance     *WorkflowInstance       `json:"instance,omitempty"`
	FromStateID  string                  `json:"from_state_id,omitempty"`
	ToStateID    string                  `json:"to_state_id,omitempty"`
	EdgeID       string                  `json:"edge_id,omitempty"`
	Warnings     []string                `json:"warnings,omitempty"`
	ActionErrors []ActionError           `json:"action_errors,omitempty"`
	Outputs      map[string]ActionOutput `json:"outputs,omitempty"`
}

// SweepOutcome classifies what the scheduler did with one instance
type SweepOutcome string

const (
	SweepTimerExecuted SweepOutcome = "timer_executed"
	SweepNoAction      SweepOutcome = "no_action"
	SweepSkipped       SweepOutcome = "skipped"
	SweepSLAViolation  SweepOutcome = "sla_violation"
	SweepError         SweepOutcome = "error"
)

// ProcessingResult is one entry in a scheduler sweep report
type ProcessingResult struct {
	InstanceID  int64          `json:"instance_id"`
	Result      SweepOutcome   `json:"result"`
	Details     map[string]any `json:"details,omitempty"`
	Error       string         `json:"error,omitempty"`
	ProcessedAt time.Time      `json:"processed_at"`
}
