package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"

	"github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/internal/infrastructure/worker"
)

const problemContentType = "application/problem+json"

// transitionProblem carries the condition warnings collected while an action was rejected
type transitionProblem struct {
	*problems.Problem
	Warnings []string `json:"warnings,omitempty"`
}

func writeProblem(c *gin.Context, status int, problemType, detail string, warnings []string) {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Request.URL.Path).
		WithType(problemType).
		WithDetail(detail)

	c.Header("Content-Type", problemContentType)
	c.AbortWithStatusJSON(status, transitionProblem{Problem: p, Warnings: warnings})
}

func badRequest(c *gin.Context, detail string) {
	writeProblem(c, http.StatusBadRequest, "validation_error", detail, nil)
}

func notFound(c *gin.Context, detail string) {
	writeProblem(c, http.StatusNotFound, "not_found", detail, nil)
}

// handleEngineError maps engine and repository errors onto problem documents
func handleEngineError(c *gin.Context, err error, warnings []string) {
	status, problemType := classify(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		detail = "internal error"
	}
	writeProblem(c, status, problemType, detail, warnings)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, workflow.ErrInstanceNotFound):
		return http.StatusNotFound, "instance_not_found"
	case errors.Is(err, workflow.ErrTemplateNotFound):
		return http.StatusNotFound, "template_not_found"
	case errors.Is(err, workflow.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, workflow.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, workflow.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, worker.ErrSweepLocked):
		return http.StatusConflict, "sweep_in_progress"
	case errors.Is(err, workflow.ErrNoValidTransition):
		return http.StatusUnprocessableEntity, "no_valid_transition"
	case errors.Is(err, workflow.ErrNoStartState):
		return http.StatusUnprocessableEntity, "no_start_state"
	case errors.Is(err, workflow.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, workflow.ErrInvalidTemplate):
		return http.StatusUnprocessableEntity, "invalid_template"
	}
	return http.StatusInternalServerError, "internal_error"
}
