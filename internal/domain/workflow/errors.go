package workflow

import "errors"

var (
	// ErrTemplateNotFound is returned when a template id is unknown or the template is inactive
	ErrTemplateNotFound = errors.New("template not found")

	// ErrNoStartState is returned when neither a start node nor a default state can be resolved
	ErrNoStartState = errors.New("no start state")

	// ErrInstanceNotFound is returned when an instance id is unknown
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInvalidState is returned when an instance is not in a runnable status
	ErrInvalidState = errors.New("invalid instance state")

	// ErrNoValidTransition is returned when no edge matches the action, conditions and permissions
	ErrNoValidTransition = errors.New("no valid transition")

	// ErrPermissionDenied is returned when the actor lacks the capabilities a transition requires
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict is returned when a concurrent mutation won the race for an instance
	ErrConflict = errors.New("instance modified concurrently")

	// ErrActionExecution marks a failed node-entry action. It never reverses a committed transition.
	ErrActionExecution = errors.New("action execution failed")

	// ErrInvalidTemplate is returned when a template graph fails validation
	ErrInvalidTemplate = errors.New("invalid template")

	// ErrInvalidInput is returned when start data does not satisfy the template input schema
	ErrInvalidInput = errors.New("invalid input")
)

// IsValidationError reports whether err is one of the synchronous validation failures
// that leave the instance untouched.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrNoStartState) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNoValidTransition) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInvalidInput)
}
