// Package container provides dependency injection and lifecycle management
// for the workflow engine.
package container

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/actions"
	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/permission"
	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/application/workflow"
	"github.com/garyjia/workflow-engine/internal/config"
	"github.com/garyjia/workflow-engine/internal/domain/event"
	infraLark "github.com/garyjia/workflow-engine/internal/infrastructure/external/lark"
	"github.com/garyjia/workflow-engine/internal/infrastructure/external/openai"
	"github.com/garyjia/workflow-engine/internal/infrastructure/lock"
	"github.com/garyjia/workflow-engine/internal/infrastructure/metrics"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/repository"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/workflow-engine/internal/infrastructure/worker"
	"github.com/garyjia/workflow-engine/pkg/database"
	"github.com/garyjia/workflow-engine/pkg/otelhelper"
)

// DatabaseBundle holds database-related components.
type DatabaseBundle struct {
	DB             *database.DB
	TransactionMgr *sqlite.DB
}

// RepositoryBundle groups all repositories for convenient access.
type RepositoryBundle struct {
	Templates *repository.TemplateRepository
	Instances *repository.InstanceRepository
	History   *repository.HistoryRepository
}

// ExternalBundle holds the optional outbound integrations. Nil fields are not configured.
type ExternalBundle struct {
	Notifier port.Notifier
	Assessor port.Assessor
}

// TracingBundle holds the tracer and, when export is enabled, its provider.
type TracingBundle struct {
	Provider *sdktrace.TracerProvider
	Tracer   trace.Tracer
}

// WorkflowBundle holds the engine and the components built around it.
type WorkflowBundle struct {
	Registry  *actions.Registry
	Executor  *workflow.Executor
	Engine    workflow.WorkflowEngine
	Scheduler *workflow.Scheduler
}

// WorkerBundle holds background workers and the optional distributed lock.
type WorkerBundle struct {
	Manager *worker.WorkerManager
	Sweep   *worker.SweepWorker
	Redis   *redis.Client
}

// ProvideDatabase opens SQLite, applies the embedded migrations and wraps
// the connection in a transaction manager.
func ProvideDatabase(cfg *config.DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}

	db, err := database.New(database.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		BusyTimeout:     cfg.BusyTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := database.NewMigrator(db, logger).Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DatabaseBundle{
		DB:             db,
		TransactionMgr: sqlite.NewDB(db.DB, logger),
	}, nil
}

// ProvideRepositories creates all repositories from a database connection.
func ProvideRepositories(db *database.DB, logger *zap.Logger) (*RepositoryBundle, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	return &RepositoryBundle{
		Templates: repository.NewTemplateRepository(db.DB, logger),
		Instances: repository.NewInstanceRepository(db.DB, logger),
		History:   repository.NewHistoryRepository(db.DB, logger),
	}, nil
}

// ProvideExternal creates the Lark notifier and OpenAI assessor when credentials are configured.
func ProvideExternal(larkCfg *config.LarkConfig, openaiCfg *config.OpenAIConfig, logger *zap.Logger) (*ExternalBundle, error) {
	bundle := &ExternalBundle{}

	if larkCfg.Enabled() {
		client := infraLark.NewSDKClient(infraLark.Config{
			AppID:     larkCfg.AppID,
			AppSecret: larkCfg.AppSecret,
			BaseURL:   larkCfg.BaseURL,
			Timeout:   larkCfg.APITimeout,
		}, logger)
		bundle.Notifier = infraLark.NewMessenger(client, logger)
	} else {
		logger.Info("Lark credentials not configured, notifications disabled")
	}

	if openaiCfg.Enabled() {
		prompts := openai.DefaultPrompts()
		if openaiCfg.PromptsPath != "" {
			loaded, err := openai.LoadPrompts(openaiCfg.PromptsPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load prompts: %w", err)
			}
			prompts = loaded
		}
		bundle.Assessor = openai.NewAssessor(openai.Config{
			APIKey:  openaiCfg.APIKey,
			Model:   openaiCfg.Model,
			BaseURL: openaiCfg.BaseURL,
		}, prompts, logger)
	} else {
		logger.Info("OpenAI API key not configured, assessments disabled")
	}

	return bundle, nil
}

// ProvideTracing installs an OTLP tracer provider when tracing is enabled,
// otherwise a no-op tracer.
func ProvideTracing(ctx context.Context, cfg *config.TracingConfig) (*TracingBundle, error) {
	if !cfg.Enabled {
		return &TracingBundle{Tracer: otelhelper.NoopTracer()}, nil
	}

	tp, err := otelhelper.NewProvider(ctx, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	return &TracingBundle{Provider: tp, Tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// ProvideMetrics returns the Prometheus recorder, or nil when metrics are disabled.
func ProvideMetrics(cfg *config.MetricsConfig) *metrics.PrometheusRecorder {
	if !cfg.Enabled {
		return nil
	}
	return metrics.NewPrometheusRecorder(cfg.Namespace)
}

// ProvideDispatcher creates the event dispatcher and subscribes the SLA escalation
// handler when a receiver is configured.
func ProvideDispatcher(larkCfg *config.LarkConfig, notifier port.Notifier, logger *zap.Logger) dispatcher.Dispatcher {
	disp := dispatcher.NewDispatcher(dispatcher.WithLogger(dispatcher.NewZapLogger(logger)))

	if notifier != nil && larkCfg.EscalationReceiveID != "" {
		disp.SubscribeNamed(event.TypeSLAViolated, "sla-escalation",
			actions.SLAEscalation(notifier, larkCfg.EscalationReceiveID, larkCfg.EscalationReceiveIDType, logger))
		logger.Info("SLA escalation enabled", zap.String("receive_id", larkCfg.EscalationReceiveID))
	}
	return disp
}

// WorkflowDeps holds the dependencies for ProvideWorkflow.
type WorkflowDeps struct {
	Repos      *RepositoryBundle
	TxManager  port.TransactionManager
	Dispatcher dispatcher.Dispatcher
	External   *ExternalBundle
	Tracer     trace.Tracer
	// Recorder may be nil
	Recorder  *metrics.PrometheusRecorder
	EngineCfg *config.EngineConfig
	SchedCfg  *config.SchedulerConfig
	Logger    *zap.Logger
}

// ProvideWorkflow builds the action registry, executor, engine and scheduler.
func ProvideWorkflow(deps *WorkflowDeps) (*WorkflowBundle, error) {
	if deps.Repos == nil || deps.TxManager == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("repositories, transaction manager and dispatcher are required")
	}

	registry := actions.NewRegistry(deps.Logger)
	if deps.External != nil && deps.External.Notifier != nil {
		registry.Register(actions.ServiceNotify, actions.NotifyHandler(deps.External.Notifier))
	}
	if deps.External != nil && deps.External.Assessor != nil {
		registry.Register(actions.ServiceAssess, actions.AssessHandler(deps.External.Assessor))
	}
	deps.Logger.Info("Service tasks registered", zap.Strings("services", registry.Services()))

	execOpts := []workflow.ExecutorOption{
		workflow.WithExecutorLogger(deps.Logger),
		workflow.WithExecutorDispatcher(deps.Dispatcher),
		workflow.WithExecutorTracer(deps.Tracer),
		workflow.WithTaskTimeout(deps.EngineCfg.TaskTimeout),
	}
	engineOpts := []workflow.EngineOption{
		workflow.WithLogger(deps.Logger),
		workflow.WithDispatcher(deps.Dispatcher),
		workflow.WithTracer(deps.Tracer),
		workflow.WithCacheExpiry(deps.EngineCfg.CacheExpiry),
	}
	schedOpts := []workflow.SchedulerOption{
		workflow.WithSchedulerLogger(deps.Logger),
		workflow.WithSchedulerDispatcher(deps.Dispatcher),
		workflow.WithSchedulerTracer(deps.Tracer),
		workflow.WithBatchSize(deps.SchedCfg.BatchSize),
		workflow.WithConcurrency(deps.SchedCfg.Concurrency),
	}
	if deps.Recorder != nil {
		execOpts = append(execOpts, workflow.WithExecutorRecorder(deps.Recorder))
		engineOpts = append(engineOpts, workflow.WithRecorder(deps.Recorder))
		schedOpts = append(schedOpts, workflow.WithSchedulerRecorder(deps.Recorder))
	}

	executor := workflow.NewExecutor(deps.Repos.Instances, registry, execOpts...)
	engine := workflow.NewEngine(
		deps.Repos.Templates,
		deps.Repos.Instances,
		deps.Repos.History,
		deps.TxManager,
		permission.NewCapabilityGate(),
		append(engineOpts, workflow.WithExecutor(executor))...,
	)
	scheduler := workflow.NewScheduler(engine, deps.Repos.Instances, deps.Repos.Templates, schedOpts...)

	return &WorkflowBundle{
		Registry:  registry,
		Executor:  executor,
		Engine:    engine,
		Scheduler: scheduler,
	}, nil
}

// ProvideWorkers creates the sweep worker, guarded by a Redis lock when Redis is configured.
func ProvideWorkers(ctx context.Context, schedCfg *config.SchedulerConfig, redisCfg *config.RedisConfig, sweeper worker.Sweeper, logger *zap.Logger) (*WorkerBundle, error) {
	bundle := &WorkerBundle{Manager: worker.NewWorkerManager(logger)}

	var locker port.Locker
	if redisCfg.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		rl := lock.NewRedisLocker(client, "")
		if err := rl.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisCfg.Addr, err)
		}
		bundle.Redis = client
		locker = rl
		logger.Info("Sweep lock enabled", zap.String("redis_addr", redisCfg.Addr))
	}

	sweepCfg := worker.DefaultSweepWorkerConfig()
	if schedCfg.Schedule != "" {
		sweepCfg.Schedule = schedCfg.Schedule
	}
	if schedCfg.SweepTimeout > 0 {
		sweepCfg.SweepTimeout = schedCfg.SweepTimeout
	}
	if redisCfg.LockTTL > 0 {
		sweepCfg.LockTTL = redisCfg.LockTTL
	}

	bundle.Sweep = worker.NewSweepWorker(sweepCfg, sweeper, locker, logger)
	if schedCfg.Enabled {
		bundle.Manager.Register(bundle.Sweep)
	} else {
		logger.Info("Scheduler disabled, sweeps run only on demand")
	}
	return bundle, nil
}
