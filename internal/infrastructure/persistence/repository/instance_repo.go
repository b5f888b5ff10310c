package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
)

const instanceColumns = `id, template_id, current_state_id, status, entity_id, entity_type,
	data, active_nodes, deadline, version, created_by, started_at, updated_at, completed_at`

// InstanceRepository implements port.InstanceStore
type InstanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sql.DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new instance at version 1
func (r *InstanceRepository) Create(ctx context.Context, inst *entity.WorkflowInstance) error {
	data, err := toJSON(inst.Data)
	if err != nil {
		return fmt.Errorf("failed to encode instance data: %w", err)
	}
	nodes, err := toJSON(inst.ActiveNodes)
	if err != nil {
		return fmt.Errorf("failed to encode active nodes: %w", err)
	}

	now := time.Now().UTC()
	if inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.StartedAt
	}

	query := `
		INSERT INTO workflow_instances (
			template_id, current_state_id, status, entity_id, entity_type,
			data, active_nodes, deadline, version, created_by,
			started_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		inst.TemplateID,
		inst.CurrentStateID,
		string(inst.Status),
		inst.EntityID,
		inst.EntityType,
		data,
		nodes,
		utcPtr(inst.Deadline),
		inst.CreatedBy,
		inst.StartedAt.UTC(),
		inst.UpdatedAt.UTC(),
		utcPtr(inst.CompletedAt),
	)
	if err != nil {
		r.logger.Error("Failed to create instance", zap.Int64("template_id", inst.TemplateID), zap.Error(err))
		return fmt.Errorf("failed to create instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	inst.ID = id
	inst.Version = 1
	return nil
}

// Load retrieves an instance by ID
func (r *InstanceRepository) Load(ctx context.Context, id int64) (*entity.WorkflowInstance, error) {
	row := r.getExecutor(ctx).QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", workflow.ErrInstanceNotFound, id)
	}
	if err != nil {
		r.logger.Error("Failed to load instance", zap.Int64("instance_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return inst, nil
}

// AtomicUpdate reads the row, applies mutate to a copy and writes it back only if
// nobody bumped the version in between
func (r *InstanceRepository) AtomicUpdate(ctx context.Context, id, expectedVersion int64, mutate port.InstanceMutator) (*entity.WorkflowInstance, error) {
	current, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: instance %d is at version %d, expected %d",
			workflow.ErrConflict, id, current.Version, expectedVersion)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := toJSON(next.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode instance data: %w", err)
	}
	nodes, err := toJSON(next.ActiveNodes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode active nodes: %w", err)
	}

	query := `
		UPDATE workflow_instances
		SET current_state_id = ?, status = ?, data = ?, active_nodes = ?,
			deadline = ?, version = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		next.CurrentStateID,
		string(next.Status),
		data,
		nodes,
		utcPtr(next.Deadline),
		next.Version,
		next.UpdatedAt,
		utcPtr(next.CompletedAt),
		id,
		expectedVersion,
	)
	if err != nil {
		r.logger.Error("Failed to update instance", zap.Int64("instance_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: instance %d changed concurrently", workflow.ErrConflict, id)
	}
	return next, nil
}

// ListNonTerminal pages through PENDING and RUNNING instances by id
func (r *InstanceRepository) ListNonTerminal(ctx context.Context, afterID int64, limit int) ([]*entity.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE status IN (?, ?) AND id > ?
		ORDER BY id ASC
		LIMIT ?`

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query,
		string(workflow.StatusPending), string(workflow.StatusRunning), afterID, limit)
	if err != nil {
		r.logger.Error("Failed to list non-terminal instances", zap.Int64("after_id", afterID), zap.Error(err))
		return nil, fmt.Errorf("failed to list non-terminal instances: %w", err)
	}
	return collectInstances(rows)
}

// List retrieves instances matching filter, newest first
func (r *InstanceRepository) List(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.TemplateID != 0 {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.CurrentStateID != "" {
		where = append(where, "current_state_id = ?")
		args = append(args, filter.CurrentStateID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list instances", zap.Error(err))
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return collectInstances(rows)
}

func collectInstances(rows *sql.Rows) ([]*entity.WorkflowInstance, error) {
	defer rows.Close()

	instances := []*entity.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row scanner) (*entity.WorkflowInstance, error) {
	var (
		inst        entity.WorkflowInstance
		status      string
		data, nodes sql.NullString
		deadline    sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&inst.ID,
		&inst.TemplateID,
		&inst.CurrentStateID,
		&status,
		&inst.EntityID,
		&inst.EntityType,
		&data,
		&nodes,
		&deadline,
		&inst.Version,
		&inst.CreatedBy,
		&inst.StartedAt,
		&inst.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = workflow.Status(status)
	if err := fromJSON(data, &inst.Data); err != nil {
		return nil, fmt.Errorf("instance %d data: %w", inst.ID, err)
	}
	if err := fromJSON(nodes, &inst.ActiveNodes); err != nil {
		return nil, fmt.Errorf("instance %d active nodes: %w", inst.ID, err)
	}
	if deadline.Valid {
		inst.Deadline = &deadline.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return &inst, nil
}

// getExecutor returns appropriate executor based on context
func (r *InstanceRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.InstanceStore = (*InstanceRepository)(nil)
