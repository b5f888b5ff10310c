package entity

import "time"

// WorkflowHistory is one append-only audit record of a state change
type WorkflowHistory struct {
	ID         int64 `json:"id"`
	InstanceID int64 `json:"instance_id"`
	// FromStateID is nil for the record written when the instance starts
	FromStateID *string        `json:"from_state_id"`
	ToStateID   string         `json:"to_state_id"`
	Action      string         `json:"action"`
	Comment     string         `json:"comment,omitempty"`
	UserID      string         `json:"user_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// From returns the previous state id, or an empty string for the start record
func (h *WorkflowHistory) From() string {
	if h.FromStateID == nil {
		return ""
	}
	return *h.FromStateID
}
