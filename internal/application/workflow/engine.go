package workflow

import (
	"context"
	"time"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// StartRequest describes a new workflow instance
type StartRequest struct {
	TemplateID  int64
	EntityID    string
	EntityType  string
	InitialData map[string]any
	Actor       entity.Actor
}

// ActionRequest asks the engine to move an instance along an edge
type ActionRequest struct {
	InstanceID int64
	Action     string
	Actor      entity.Actor
	Comment    string
	// Data is shallow-merged into the instance data when the transition commits
	Data map[string]any

	// deadlineAt makes the transition conditional on the instance deadline having
	// elapsed at that time, checked inside the atomic update
	deadlineAt *time.Time
}

// WorkflowEngine runs workflow instances through their template graphs
type WorkflowEngine interface {
	// StartWorkflow creates an instance in the template's start state
	StartWorkflow(ctx context.Context, req StartRequest) (*entity.WorkflowInstance, error)

	// ExecuteAction fires the first edge leaving the current state for the action
	// whose condition holds and whose capabilities the actor has
	ExecuteAction(ctx context.Context, req ActionRequest) (*entity.ExecutionResult, error)

	// FireTimeout fires the timeout edge of an instance whose deadline elapsed at now
	FireTimeout(ctx context.Context, instanceID int64, now time.Time) (*entity.ExecutionResult, error)

	// AvailableActions lists the actions the actor could execute right now
	AvailableActions(ctx context.Context, instanceID int64, actor entity.Actor) ([]string, error)

	// CancelWorkflow terminates an instance outside its graph
	CancelWorkflow(ctx context.Context, instanceID int64, actor entity.Actor, comment string) (*entity.ExecutionResult, error)

	GetInstance(ctx context.Context, instanceID int64) (*entity.WorkflowInstance, error)
	GetHistory(ctx context.Context, instanceID int64) ([]*entity.WorkflowHistory, error)
	ListInstances(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error)
}
