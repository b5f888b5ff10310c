package entity

import (
	"time"

	"github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// WorkflowInstance is the mutable runtime record of one entity moving through a template
type WorkflowInstance struct {
	ID             int64           `json:"id"`
	TemplateID     int64           `json:"template_id"`
	CurrentStateID string          `json:"current_state_id"`
	Status         workflow.Status `json:"status"`
	EntityID       string          `json:"entity_id"`
	EntityType     string          `json:"entity_type"`
	Data           map[string]any  `json:"data"`
	ActiveNodes    []string        `json:"active_nodes"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	// Version is bumped on every committed mutation and used for compare-and-swap
	Version     int64      `json:"version"`
	CreatedBy   string     `json:"created_by"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true once the instance has completed or been cancelled
func (i *WorkflowInstance) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// DeadlineElapsed returns true if a deadline is armed and lies at or before now
func (i *WorkflowInstance) DeadlineElapsed(now time.Time) bool {
	return i.Deadline != nil && !i.Deadline.After(now)
}

// MergeData shallow-merges patch into the instance data, overwriting existing keys
func (i *WorkflowInstance) MergeData(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if i.Data == nil {
		i.Data = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		i.Data[k] = v
	}
}

// Finish moves the instance into a terminal status and stamps the completion time
func (i *WorkflowInstance) Finish(status workflow.Status, at time.Time) {
	i.Status = status
	i.CompletedAt = &at
	i.Deadline = nil
}

// Clone returns a copy that can be mutated without affecting the receiver
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	c := *i
	if i.Data != nil {
		c.Data = make(map[string]any, len(i.Data))
		for k, v := range i.Data {
			c.Data[k] = v
		}
	}
	c.ActiveNodes = append([]string(nil), i.ActiveNodes...)
	if i.Deadline != nil {
		d := *i.Deadline
		c.Deadline = &d
	}
	if i.CompletedAt != nil {
		d := *i.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// InstanceFilter narrows instance listings. Zero values match everything.
type InstanceFilter struct {
	TemplateID     int64
	CurrentStateID string
	Status         workflow.Status
	EntityType     string
	EntityID       string
	Limit          int
	Offset         int
}
