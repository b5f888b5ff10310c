// Package http exposes the workflow engine over a JSON API.
// Handlers translate requests into engine calls and engine errors into
// RFC 7807 problem documents.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/application/workflow"
	"github.com/garyjia/workflow-engine/internal/config"
)

// Deps are the application components the API serves
type Deps struct {
	Engine    workflow.WorkflowEngine
	Templates port.TemplateRepository
	Sweeper   SweepRunner
	// Exporter, Health and Metrics are optional
	Exporter port.HistoryExporter
	Health   HealthFunc
	Metrics  http.Handler
}

// Server is the HTTP server adapter
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	logger     *zap.Logger
}

// NewServer creates a new HTTP server with the given components
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		config: cfg,
		router: gin.New(),
		logger: logger,
	}

	s.setupMiddleware()
	s.setupRoutes(NewHandlers(deps, logger), deps.Metrics)
	return s
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(s.recoveryMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// recoveryMiddleware turns handler panics into 500 problem documents
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("HTTP handler panic",
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered),
		)
		writeProblem(c, http.StatusInternalServerError, "internal_error", "internal error", nil)
	})
}

// loggingMiddleware creates a logging middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id := c.GetHeader(HeaderActorID); id != "" {
			fields = append(fields, zap.String("actor_id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
			s.logger.Error("HTTP request", fields...)
			return
		}
		s.logger.Info("HTTP request", fields...)
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(h *Handlers, metrics http.Handler) {
	s.router.GET("/health", h.HealthCheck)
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}

	api := s.router.Group("/api/v1")
	{
		read := api.Group("", actorMiddleware(false))
		read.GET("/instances", h.ListInstances)
		read.GET("/instances/:id", h.GetInstance)
		read.GET("/instances/:id/history", h.GetHistory)
		read.GET("/instances/:id/history/export", h.ExportHistory)
		read.GET("/instances/:id/available-actions", h.AvailableActions)
		read.GET("/templates", h.ListTemplates)
		read.GET("/templates/:id", h.GetTemplate)

		write := api.Group("", actorMiddleware(true))
		write.POST("/instances", h.StartInstance)
		write.POST("/instances/:id/actions", h.ExecuteAction)
		write.POST("/instances/:id/cancel", h.CancelInstance)
		write.POST("/templates", h.CreateTemplate)
		write.POST("/scheduler/process-pending", h.ProcessPending)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", zap.String("address", s.config.Addr()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", zap.Error(err))
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return s.config.Addr()
}
