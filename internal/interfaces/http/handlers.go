package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/application/workflow"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/internal/infrastructure/templatefile"
)

const (
	// HeaderActorID identifies the caller; authentication happens upstream
	HeaderActorID = "X-Actor-ID"
	// HeaderActorCapabilities is a comma-separated capability list
	HeaderActorCapabilities = "X-Actor-Capabilities"

	actorKey = "actor"

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// SweepRunner runs one scheduler sweep on demand
type SweepRunner interface {
	RunOnce(ctx context.Context) ([]entity.ProcessingResult, error)
}

// HealthFunc reports overall health plus per-component details
type HealthFunc func(ctx context.Context) (healthy bool, details any)

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine    workflow.WorkflowEngine
	templates port.TemplateRepository
	sweeper   SweepRunner
	exporter  port.HistoryExporter
	health    HealthFunc
	logger    *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(deps Deps, logger *zap.Logger) *Handlers {
	return &Handlers{
		engine:    deps.Engine,
		templates: deps.Templates,
		sweeper:   deps.Sweeper,
		exporter:  deps.Exporter,
		health:    deps.Health,
		logger:    logger,
	}
}

// StartInstanceRequest is the body of POST /api/v1/instances
type StartInstanceRequest struct {
	TemplateID int64          `json:"template_id" binding:"required,gt=0"`
	EntityID   string         `json:"entity_id" binding:"required"`
	EntityType string         `json:"entity_type" binding:"required"`
	Data       map[string]any `json:"data"`
}

// ActionRequest is the body of POST /api/v1/instances/:id/actions
type ActionRequest struct {
	Action  string         `json:"action" binding:"required"`
	Comment string         `json:"comment"`
	Data    map[string]any `json:"data"`
}

// CancelRequest is the body of POST /api/v1/instances/:id/cancel
type CancelRequest struct {
	Comment string `json:"comment"`
}

// ListInstancesQuery holds the filters of GET /api/v1/instances
type ListInstancesQuery struct {
	TemplateID     int64  `form:"template_id"`
	Status         string `form:"status" binding:"omitempty,oneof=PENDING RUNNING COMPLETED CANCELLED"`
	CurrentStateID string `form:"current_state_id"`
	EntityType     string `form:"entity_type"`
	EntityID       string `form:"entity_id"`
	Limit          int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset         int    `form:"offset" binding:"omitempty,min=0"`
}

// SweepResponse is returned by POST /api/v1/scheduler/process-pending
type SweepResponse struct {
	Processed int                       `json:"processed"`
	Results   []entity.ProcessingResult `json:"results"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	healthy, details := true, any(nil)
	if h.health != nil {
		healthy, details = h.health(c.Request.Context())
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": details,
	})
}

// StartInstance handles POST /api/v1/instances
func (h *Handlers) StartInstance(c *gin.Context) {
	var req StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	inst, err := h.engine.StartWorkflow(c.Request.Context(), workflow.StartRequest{
		TemplateID:  req.TemplateID,
		EntityID:    req.EntityID,
		EntityType:  req.EntityType,
		InitialData: req.Data,
		Actor:       actorFrom(c),
	})
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// GetInstance handles GET /api/v1/instances/:id
func (h *Handlers) GetInstance(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	inst, err := h.engine.GetInstance(c.Request.Context(), id)
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ListInstances handles GET /api/v1/instances
func (h *Handlers) ListInstances(c *gin.Context) {
	var q ListInstancesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}

	instances, err := h.engine.ListInstances(c.Request.Context(), entity.InstanceFilter{
		TemplateID:     q.TemplateID,
		CurrentStateID: q.CurrentStateID,
		Status:         domainwf.Status(q.Status),
		EntityType:     q.EntityType,
		EntityID:       q.EntityID,
		Limit:          q.Limit,
		Offset:         q.Offset,
	})
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	if instances == nil {
		instances = []*entity.WorkflowInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "count": len(instances)})
}

// ExecuteAction handles POST /api/v1/instances/:id/actions
func (h *Handlers) ExecuteAction(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.engine.ExecuteAction(c.Request.Context(), workflow.ActionRequest{
		InstanceID: id,
		Action:     req.Action,
		Actor:      actorFrom(c),
		Comment:    req.Comment,
		Data:       req.Data,
	})
	if err != nil {
		var warnings []string
		if res != nil {
			warnings = res.Warnings
		}
		handleEngineError(c, err, warnings)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelInstance handles POST /api/v1/instances/:id/cancel
func (h *Handlers) CancelInstance(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	var req CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	res, err := h.engine.CancelWorkflow(c.Request.Context(), id, actorFrom(c), req.Comment)
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetHistory handles GET /api/v1/instances/:id/history
func (h *Handlers) GetHistory(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	history, err := h.engine.GetHistory(c.Request.Context(), id)
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	if history == nil {
		history = []*entity.WorkflowHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": id, "history": history})
}

// ExportHistory handles GET /api/v1/instances/:id/history/export
func (h *Handlers) ExportHistory(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	if h.exporter == nil {
		notFound(c, "history export is not configured")
		return
	}

	ctx := c.Request.Context()
	inst, err := h.engine.GetInstance(ctx, id)
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	history, err := h.engine.GetHistory(ctx, id)
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}

	// Buffered so a failed export can still become a problem response
	var buf bytes.Buffer
	if err := h.exporter.Export(ctx, inst, history, &buf); err != nil {
		handleEngineError(c, fmt.Errorf("failed to export history: %w", err), nil)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="instance-%d-history.xlsx"`, id))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// AvailableActions handles GET /api/v1/instances/:id/available-actions
func (h *Handlers) AvailableActions(c *gin.Context) {
	id, ok := instanceID(c)
	if !ok {
		return
	}
	actions, err := h.engine.AvailableActions(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	if actions == nil {
		actions = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": id, "actions": actions})
}

// ProcessPending handles POST /api/v1/scheduler/process-pending
func (h *Handlers) ProcessPending(c *gin.Context) {
	results, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	if results == nil {
		results = []entity.ProcessingResult{}
	}
	c.JSON(http.StatusOK, SweepResponse{Processed: len(results), Results: results})
}

// ListTemplates handles GET /api/v1/templates
func (h *Handlers) ListTemplates(c *gin.Context) {
	activeOnly := c.DefaultQuery("active_only", "false") == "true"
	tmpls, err := h.templates.List(c.Request.Context(), activeOnly)
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	if tmpls == nil {
		tmpls = []*domainwf.WorkflowTemplate{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": tmpls, "count": len(tmpls)})
}

// GetTemplate handles GET /api/v1/templates/:id
func (h *Handlers) GetTemplate(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "template id must be a positive integer")
		return
	}
	tmpl, err := h.templates.GetByID(c.Request.Context(), id)
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

// CreateTemplate handles POST /api/v1/templates. The body is JSON, or YAML when
// the content type says so. Saving a known name creates a new version.
func (h *Handlers) CreateTemplate(c *gin.Context) {
	format := templatefile.FormatJSON
	if strings.Contains(c.ContentType(), "yaml") {
		format = templatefile.FormatYAML
	}

	tmpl, err := templatefile.Decode(c.Request.Body, format)
	if err != nil {
		handleEngineError(c, err, nil)
		return
	}
	if err := h.templates.Save(c.Request.Context(), tmpl); err != nil {
		handleEngineError(c, err, nil)
		return
	}

	h.logger.Info("Template saved",
		zap.Int64("template_id", tmpl.ID),
		zap.String("name", tmpl.Name),
		zap.Int("version", tmpl.Version),
	)
	c.JSON(http.StatusCreated, tmpl)
}

// actorMiddleware reads the actor headers. Mutating routes require an actor id.
func actorMiddleware(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if id == "" && required {
			writeProblem(c, http.StatusUnauthorized, "missing_actor", HeaderActorID+" header is required", nil)
			return
		}

		var caps []string
		for _, capability := range strings.Split(c.GetHeader(HeaderActorCapabilities), ",") {
			if capability = strings.TrimSpace(capability); capability != "" {
				caps = append(caps, capability)
			}
		}
		c.Set(actorKey, entity.Actor{ID: id, Capabilities: caps})
		c.Next()
	}
}

func actorFrom(c *gin.Context) entity.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(entity.Actor); ok {
			return a
		}
	}
	return entity.Actor{}
}

func instanceID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "instance id must be a positive integer")
		return 0, false
	}
	return id, true
}
