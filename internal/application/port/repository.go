package port

import (
	"context"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// TemplateRepository stores immutable workflow templates
type TemplateRepository interface {
	GetByID(ctx context.Context, id int64) (*workflow.WorkflowTemplate, error)
	// Save always inserts; a template with an existing name gets the next version
	Save(ctx context.Context, tmpl *workflow.WorkflowTemplate) error
	List(ctx context.Context, activeOnly bool) ([]*workflow.WorkflowTemplate, error)
}

// InstanceMutator changes an instance inside AtomicUpdate.
// Returning an error aborts the update without writing.
type InstanceMutator func(inst *entity.WorkflowInstance) error

// InstanceStore persists workflow instances with compare-and-swap updates
type InstanceStore interface {
	Create(ctx context.Context, inst *entity.WorkflowInstance) error
	Load(ctx context.Context, id int64) (*entity.WorkflowInstance, error)

	// AtomicUpdate applies mutate to the stored instance if its version still equals
	// expectedVersion, bumps the version and returns the stored result.
	// A version mismatch returns workflow.ErrConflict.
	AtomicUpdate(ctx context.Context, id, expectedVersion int64, mutate InstanceMutator) (*entity.WorkflowInstance, error)

	// ListNonTerminal returns up to limit PENDING/RUNNING instances with id > afterID, ordered by id
	ListNonTerminal(ctx context.Context, afterID int64, limit int) ([]*entity.WorkflowInstance, error)
	List(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error)
}

// HistorySink records the append-only audit trail
type HistorySink interface {
	Append(ctx context.Context, h *entity.WorkflowHistory) error
	ListByInstance(ctx context.Context, instanceID int64) ([]*entity.WorkflowHistory, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
