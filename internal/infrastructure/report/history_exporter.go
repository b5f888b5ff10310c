// Package report renders workflow audit trails as spreadsheets.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

const (
	summarySheet = "Summary"
	historySheet = "History"
	timeLayout   = "2006-01-02 15:04:05"
)

var historyHeader = []string{"#", "Time", "From", "To", "Action", "Actor", "Comment", "Metadata"}

// ExcelExporter implements port.HistoryExporter as an xlsx workbook
// with a summary sheet and one history row per record
type ExcelExporter struct {
	location *time.Location
	logger   *zap.Logger
}

// NewExcelExporter creates an exporter writing times in loc (UTC when nil)
func NewExcelExporter(loc *time.Location, logger *zap.Logger) *ExcelExporter {
	if loc == nil {
		loc = time.UTC
	}
	return &ExcelExporter{location: loc, logger: logger}
}

// Export writes the workbook to w
func (e *ExcelExporter) Export(ctx context.Context, inst *entity.WorkflowInstance, history []*entity.WorkflowHistory, w io.Writer) error {
	if inst == nil {
		return fmt.Errorf("instance is required")
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}
	if _, err := f.NewSheet(historySheet); err != nil {
		return fmt.Errorf("failed to add history sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := e.writeSummary(f, inst, bold); err != nil {
		return err
	}
	if err := e.writeHistory(ctx, f, history, bold); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Info("History exported",
		zap.Int64("instance_id", inst.ID),
		zap.Int("records", len(history)))
	return nil
}

func (e *ExcelExporter) writeSummary(f *excelize.File, inst *entity.WorkflowInstance, bold int) error {
	rows := [][2]any{
		{"Instance ID", inst.ID},
		{"Template ID", inst.TemplateID},
		{"Entity", inst.EntityType + "/" + inst.EntityID},
		{"Current State", inst.CurrentStateID},
		{"Status", inst.Status.String()},
		{"Version", inst.Version},
		{"Created By", inst.CreatedBy},
		{"Started At", e.format(&inst.StartedAt)},
		{"Completed At", e.format(inst.CompletedAt)},
		{"Deadline", e.format(inst.Deadline)},
	}

	keys := make([]string, 0, len(inst.Data))
	for k := range inst.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, [2]any{"data." + k, fmt.Sprint(inst.Data[k])})
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &[]any{row[0], row[1]}); err != nil {
			return fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}
	if err := f.SetColStyle(summarySheet, "A", bold); err != nil {
		return fmt.Errorf("failed to style summary: %w", err)
	}
	return f.SetColWidth(summarySheet, "A", "B", 24)
}

func (e *ExcelExporter) writeHistory(ctx context.Context, f *excelize.File, history []*entity.WorkflowHistory, bold int) error {
	header := make([]any, len(historyHeader))
	for i, h := range historyHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(historySheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write history header: %w", err)
	}
	if err := f.SetRowStyle(historySheet, 1, 1, bold); err != nil {
		return fmt.Errorf("failed to style history header: %w", err)
	}

	for i, h := range history {
		if err := ctx.Err(); err != nil {
			return err
		}

		meta := ""
		if len(h.Metadata) > 0 {
			b, err := json.Marshal(h.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata of record %d: %w", h.ID, err)
			}
			meta = string(b)
		}

		row := []any{i + 1, e.format(&h.Timestamp), h.From(), h.ToStateID, h.Action, h.UserID, h.Comment, meta}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write history row %d: %w", i+1, err)
		}
	}

	if err := f.SetColWidth(historySheet, "B", "H", 18); err != nil {
		return fmt.Errorf("failed to size history columns: %w", err)
	}
	return f.SetPanes(historySheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func (e *ExcelExporter) format(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(e.location).Format(timeLayout)
}

var _ port.HistoryExporter = (*ExcelExporter)(nil)
