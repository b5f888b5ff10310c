package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
)

// HistoryRepository implements port.HistorySink
type HistoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *sql.DB, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger,
	}
}

// Append writes a history record. Records are never updated or deleted.
func (r *HistoryRepository) Append(ctx context.Context, h *entity.WorkflowHistory) error {
	metadata, err := toJSON(h.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode history metadata: %w", err)
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}

	query := `
		INSERT INTO workflow_history (
			instance_id, from_state_id, to_state_id, action,
			comment, user_id, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		h.InstanceID,
		h.FromStateID,
		h.ToStateID,
		h.Action,
		h.Comment,
		h.UserID,
		metadata,
		h.Timestamp.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to append history record",
			zap.Int64("instance_id", h.InstanceID),
			zap.String("action", h.Action),
			zap.Error(err))
		return fmt.Errorf("failed to append history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	h.ID = id
	return nil
}

// ListByInstance retrieves all history records for an instance in write order
func (r *HistoryRepository) ListByInstance(ctx context.Context, instanceID int64) ([]*entity.WorkflowHistory, error) {
	query := `
		SELECT id, instance_id, from_state_id, to_state_id, action,
			comment, user_id, metadata, timestamp
		FROM workflow_history
		WHERE instance_id = ?
		ORDER BY id ASC
	`

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, instanceID)
	if err != nil {
		r.logger.Error("Failed to get history by instance ID", zap.Int64("instance_id", instanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	records := []*entity.WorkflowHistory{}
	for rows.Next() {
		var (
			record   entity.WorkflowHistory
			from     sql.NullString
			metadata sql.NullString
		)
		err := rows.Scan(
			&record.ID,
			&record.InstanceID,
			&from,
			&record.ToStateID,
			&record.Action,
			&record.Comment,
			&record.UserID,
			&metadata,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		if from.Valid {
			record.FromStateID = &from.String
		}
		if err := fromJSON(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("history %d metadata: %w", record.ID, err)
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}

// getExecutor returns appropriate executor based on context
func (r *HistoryRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.HistorySink = (*HistoryRepository)(nil)
