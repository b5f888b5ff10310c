package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/application/workflow"
	"github.com/garyjia/workflow-engine/internal/config"
	"github.com/garyjia/workflow-engine/internal/infrastructure/metrics"
	"github.com/garyjia/workflow-engine/internal/infrastructure/report"
	"github.com/garyjia/workflow-engine/internal/infrastructure/worker"
)

// Container manages all application dependencies and lifecycle.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config *config.Config
	logger *zap.Logger

	// skipWorkers keeps the sweep worker registered but not started
	skipWorkers bool

	// Infrastructure
	database     *DatabaseBundle
	repositories *RepositoryBundle
	external     *ExternalBundle
	tracing      *TracingBundle
	recorder     *metrics.PrometheusRecorder
	exporter     *report.ExcelExporter

	// Application
	dispatcher dispatcher.Dispatcher
	workflow   *WorkflowBundle

	// Workers
	workers *WorkerBundle

	// Lifecycle
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// Option configures a container
type Option func(*Container)

// WithoutWorkers builds everything but does not start background workers.
// Used by one-shot CLI commands.
func WithoutWorkers() Option {
	return func(c *Container) { c.skipWorkers = true }
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Container{config: cfg, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start initializes all components and begins processing.
// Components are initialized in dependency order:
// 1. Database and repositories
// 2. Tracing and metrics
// 3. External clients (Lark, OpenAI)
// 4. Event dispatcher and workflow engine
// 5. Workers
func (c *Container) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	// Partially started components are released on failure
	defer func() {
		if err != nil {
			if cerr := c.teardown(); cerr != nil {
				c.logger.Error("Cleanup after failed start", zap.Error(cerr))
			}
		}
	}()

	if err := c.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.logger.Info("Database initialized", zap.String("path", c.config.Database.Path))

	if err := c.initObservability(); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}

	if err := c.initExternalClients(); err != nil {
		return fmt.Errorf("failed to initialize external clients: %w", err)
	}
	c.logger.Info("External clients initialized")

	if err := c.initDispatcherAndWorkflow(); err != nil {
		return fmt.Errorf("failed to initialize dispatcher and workflow: %w", err)
	}
	c.logger.Info("Dispatcher and workflow engine initialized")

	if err := c.initWorkers(); err != nil {
		return fmt.Errorf("failed to initialize workers: %w", err)
	}

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	err := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if err != nil {
		c.logger.Error("Container closed with errors", zap.Error(err))
		return err
	}
	c.logger.Info("Container closed successfully")
	return nil
}

func (c *Container) teardown() error {
	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	// Step 1: Stop workers and release the lock client
	if c.workers != nil {
		if err := c.workers.Manager.StopAll(); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
		if c.workers.Redis != nil {
			if err := c.workers.Redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
		}
		c.workers = nil
	}

	// Step 2: Drain async event handlers
	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
		c.dispatcher = nil
	}

	// Step 3: Flush spans
	if c.tracing != nil && c.tracing.Provider != nil {
		if err := c.tracing.Provider.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
		c.tracing = nil
	}

	// Step 4: Close database
	if c.database != nil {
		if err := c.database.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		c.database = nil
	}

	return errors.Join(errs...)
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}
	set := func(name string, healthy bool, msg string) {
		status.Components[name] = ComponentHealth{Healthy: healthy, Message: msg}
		if !healthy {
			status.Overall = false
		}
	}

	if c.database != nil {
		if err := c.database.DB.PingContext(ctx); err != nil {
			set("database", false, fmt.Sprintf("ping failed: %v", err))
		} else {
			set("database", true, "")
		}
	} else {
		set("database", false, "not initialized")
	}

	if c.workers != nil {
		if c.workers.Redis != nil {
			if err := c.workers.Redis.Ping(ctx).Err(); err != nil {
				set("redis", false, fmt.Sprintf("ping failed: %v", err))
			} else {
				set("redis", true, "")
			}
		}

		stats := c.workers.Sweep.Stats()
		msg := fmt.Sprintf("sweeps: %d", stats.Sweeps)
		if stats.LastError != "" {
			msg += ", last error: " + stats.LastError
		}
		switch {
		case !c.config.Scheduler.Enabled, c.skipWorkers:
			set("scheduler", true, "disabled")
		default:
			set("scheduler", c.workers.Manager.IsRunning(), msg)
		}
	} else {
		set("scheduler", false, "not initialized")
	}

	if c.dispatcher != nil {
		set("dispatcher", true, "")
	} else {
		set("dispatcher", false, "not initialized")
	}

	return status
}

func (c *Container) initDatabase() error {
	db, err := ProvideDatabase(&c.config.Database, c.logger)
	if err != nil {
		return err
	}
	c.database = db

	repos, err := ProvideRepositories(db.DB, c.logger)
	if err != nil {
		return err
	}
	c.repositories = repos
	return nil
}

func (c *Container) initObservability() error {
	tracing, err := ProvideTracing(c.ctx, &c.config.Tracing)
	if err != nil {
		return err
	}
	c.tracing = tracing
	c.recorder = ProvideMetrics(&c.config.Metrics)
	c.exporter = report.NewExcelExporter(c.config.Report.Location(), c.logger)
	return nil
}

func (c *Container) initExternalClients() error {
	external, err := ProvideExternal(&c.config.Lark, &c.config.OpenAI, c.logger)
	if err != nil {
		return err
	}
	c.external = external
	return nil
}

func (c *Container) initDispatcherAndWorkflow() error {
	c.dispatcher = ProvideDispatcher(&c.config.Lark, c.external.Notifier, c.logger)

	wf, err := ProvideWorkflow(&WorkflowDeps{
		Repos:      c.repositories,
		TxManager:  c.database.TransactionMgr,
		Dispatcher: c.dispatcher,
		External:   c.external,
		Tracer:     c.tracing.Tracer,
		Recorder:   c.recorder,
		EngineCfg:  &c.config.Engine,
		SchedCfg:   &c.config.Scheduler,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}
	c.workflow = wf
	return nil
}

func (c *Container) initWorkers() error {
	workers, err := ProvideWorkers(c.ctx, &c.config.Scheduler, &c.config.Redis, c.workflow.Scheduler, c.logger)
	if err != nil {
		return err
	}
	c.workers = workers

	if c.skipWorkers {
		return nil
	}
	if err := workers.Manager.StartAll(c.ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	c.logger.Info("Workers started", zap.Strings("workers", workers.Manager.Names()))
	return nil
}

// Getters for accessing container components

// TransactionManager returns the transaction manager.
func (c *Container) TransactionManager() port.TransactionManager {
	return c.database.TransactionMgr
}

// Repositories returns all repositories.
func (c *Container) Repositories() *RepositoryBundle {
	return c.repositories
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// WorkflowEngine returns the workflow engine.
func (c *Container) WorkflowEngine() workflow.WorkflowEngine {
	return c.workflow.Engine
}

// Scheduler returns the timer/SLA scheduler.
func (c *Container) Scheduler() *workflow.Scheduler {
	return c.workflow.Scheduler
}

// SweepWorker returns the sweep worker. RunOnce honours the distributed lock.
func (c *Container) SweepWorker() *worker.SweepWorker {
	return c.workers.Sweep
}

// Metrics returns the Prometheus recorder, nil when metrics are disabled.
func (c *Container) Metrics() *metrics.PrometheusRecorder {
	return c.recorder
}

// HistoryExporter returns the spreadsheet exporter.
func (c *Container) HistoryExporter() port.HistoryExporter {
	return c.exporter
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration.
func (c *Container) Config() *config.Config {
	return c.config
}
