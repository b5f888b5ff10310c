package workflow

// Reserved action names used by the engine itself
const (
	// ActionStarted is recorded on the initial history entry of an instance
	ActionStarted = "workflow_started"

	// ActionTimeout is the synthetic action fired by the scheduler when a deadline elapses
	ActionTimeout = "timeout"

	// ActionCancel is recorded when an instance is cancelled administratively
	ActionCancel = "cancel"
)

// CapabilityCancel is required to cancel an instance outside its graph
const CapabilityCancel = "workflow:cancel"
