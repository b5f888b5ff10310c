package event

// Type identifies the type of domain event
type Type string

const (
	TypeInstanceStarted   Type = "instance.started"
	TypeTransitionApplied Type = "transition.committed"
	TypeInstanceCompleted Type = "instance.completed"
	TypeInstanceCancelled Type = "instance.cancelled"
	TypeSLAViolated       Type = "sla.violated"
	TypeActionFailed      Type = "action.failed"
	TypeTimerFired        Type = "timer.fired"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeInstanceStarted,
		TypeTransitionApplied,
		TypeInstanceCompleted,
		TypeInstanceCancelled,
		TypeSLAViolated,
		TypeActionFailed,
		TypeTimerFired:
		return true
	default:
		return false
	}
}
