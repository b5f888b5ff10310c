package workflow

import (
	"errors"
	"time"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// Recorder receives engine measurements
type Recorder interface {
	InstanceStarted(templateID int64)
	TransitionCommitted(templateID int64, action string, status domainwf.Status, elapsed time.Duration)
	ActionRejected(action, reason string)
	ActionFailed(service string)
	SweepCompleted(results []entity.ProcessingResult, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) InstanceStarted(int64)                                             {}
func (nopRecorder) TransitionCommitted(int64, string, domainwf.Status, time.Duration) {}
func (nopRecorder) ActionRejected(string, string)                                     {}
func (nopRecorder) ActionFailed(string)                                               {}
func (nopRecorder) SweepCompleted([]entity.ProcessingResult, time.Duration)           {}

// rejectReason maps an engine error to a low-cardinality metric label
func rejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domainwf.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domainwf.ErrNoValidTransition):
		return "no_valid_transition"
	case errors.Is(err, domainwf.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domainwf.ErrInstanceNotFound):
		return "not_found"
	case errors.Is(err, domainwf.ErrConflict):
		return "conflict"
	}
	return "error"
}
