package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
)

const templateColumns = `id, name, workflow_type, version, nodes, edges, states,
	default_state_id, permissions, sla_config, input_schema, is_active, created_at`

// TemplateRepository implements port.TemplateRepository.
// Rows are never updated; saving a template under an existing name adds a version.
type TemplateRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *sql.DB, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{
		db:     db,
		logger: logger,
	}
}

// Save inserts tmpl as the next version of its name and sets ID, Version and CreatedAt
func (r *TemplateRepository) Save(ctx context.Context, tmpl *workflow.WorkflowTemplate) error {
	columns := make([]sql.NullString, 0, 6)
	for _, v := range []any{tmpl.Nodes, tmpl.Edges, tmpl.States, tmpl.Permissions, tmpl.SLAConfig, tmpl.InputSchema} {
		col, err := toJSON(v)
		if err != nil {
			return fmt.Errorf("failed to encode template %s: %w", tmpl.Name, err)
		}
		columns = append(columns, col)
	}

	exec := r.getExecutor(ctx)

	var version int
	err := exec.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_templates WHERE name = ?`, tmpl.Name,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to determine template version: %w", err)
	}

	createdAt := time.Now().UTC()
	query := `
		INSERT INTO workflow_templates (
			name, workflow_type, version, nodes, edges, states,
			default_state_id, permissions, sla_config, input_schema, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := exec.ExecContext(ctx, query,
		tmpl.Name,
		tmpl.WorkflowType,
		version,
		columns[0],
		columns[1],
		columns[2],
		tmpl.DefaultStateID,
		columns[3],
		columns[4],
		columns[5],
		tmpl.IsActive,
		createdAt,
	)
	if err != nil {
		r.logger.Error("Failed to save template", zap.String("name", tmpl.Name), zap.Error(err))
		return fmt.Errorf("failed to save template: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	tmpl.ID = id
	tmpl.Version = version
	tmpl.CreatedAt = createdAt
	r.logger.Info("Template saved",
		zap.Int64("template_id", id),
		zap.String("name", tmpl.Name),
		zap.Int("version", version))
	return nil
}

// GetByID retrieves a template by ID
func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*workflow.WorkflowTemplate, error) {
	row := r.getExecutor(ctx).QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = ?`, id)

	tmpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", workflow.ErrTemplateNotFound, id)
	}
	if err != nil {
		r.logger.Error("Failed to get template", zap.Int64("template_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return tmpl, nil
}

// List retrieves templates ordered by name and version
func (r *TemplateRepository) List(ctx context.Context, activeOnly bool) ([]*workflow.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name ASC, version ASC`

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list templates", zap.Error(err))
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	templates := []*workflow.WorkflowTemplate{}
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tmpl)
	}
	return templates, rows.Err()
}

func scanTemplate(row scanner) (*workflow.WorkflowTemplate, error) {
	var (
		tmpl                                workflow.WorkflowTemplate
		nodes, edges, states                sql.NullString
		permissions, slaConfig, inputSchema sql.NullString
	)

	err := row.Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.WorkflowType,
		&tmpl.Version,
		&nodes,
		&edges,
		&states,
		&tmpl.DefaultStateID,
		&permissions,
		&slaConfig,
		&inputSchema,
		&tmpl.IsActive,
		&tmpl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	decode := []struct {
		col sql.NullString
		dst any
	}{
		{nodes, &tmpl.Nodes},
		{edges, &tmpl.Edges},
		{states, &tmpl.States},
		{permissions, &tmpl.Permissions},
		{slaConfig, &tmpl.SLAConfig},
		{inputSchema, &tmpl.InputSchema},
	}
	for _, d := range decode {
		if err := fromJSON(d.col, d.dst); err != nil {
			return nil, fmt.Errorf("template %d: %w", tmpl.ID, err)
		}
	}
	return &tmpl, nil
}

// getExecutor returns appropriate executor based on context
func (r *TemplateRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.TemplateRepository = (*TemplateRepository)(nil)
