package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// ErrSweepLocked is returned by RunOnce when another process holds the sweep lock
var ErrSweepLocked = errors.New("sweep lock held by another process")

// Sweeper runs one timer/SLA sweep
type Sweeper interface {
	ProcessPendingWorkflows(ctx context.Context) ([]entity.ProcessingResult, error)
}

// SweepWorkerConfig holds configuration for the sweep worker
type SweepWorkerConfig struct {
	// Schedule is a cron spec or descriptor such as "@every 30s"
	Schedule string
	// SweepTimeout bounds a single sweep
	SweepTimeout time.Duration
	// LockKey and LockTTL apply when a Locker is configured
	LockKey string
	LockTTL time.Duration
}

// DefaultSweepWorkerConfig returns default configuration
func DefaultSweepWorkerConfig() SweepWorkerConfig {
	return SweepWorkerConfig{
		Schedule:     "@every 30s",
		SweepTimeout: 5 * time.Minute,
		LockKey:      "scheduler:sweep",
		LockTTL:      5 * time.Minute,
	}
}

// SweepStats summarises what the worker has done since it started
type SweepStats struct {
	Running     bool                        `json:"running"`
	Sweeps      int                         `json:"sweeps"`
	LockSkipped int                         `json:"lock_skipped"`
	Outcomes    map[entity.SweepOutcome]int `json:"outcomes"`
	LastSweep   time.Time                   `json:"last_sweep"`
	LastError   string                      `json:"last_error,omitempty"`
	StartTime   time.Time                   `json:"start_time"`
}

// SweepWorker runs the scheduler on a cron schedule. Overlapping runs inside one
// process are skipped; across processes the optional Locker elects one sweeper.
type SweepWorker struct {
	config  SweepWorkerConfig
	sweeper Sweeper
	locker  port.Locker
	logger  *zap.Logger

	mu        sync.RWMutex
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	stats     SweepStats
}

// NewSweepWorker creates a sweep worker. locker may be nil.
func NewSweepWorker(config SweepWorkerConfig, sweeper Sweeper, locker port.Locker, logger *zap.Logger) *SweepWorker {
	defaults := DefaultSweepWorkerConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = defaults.SweepTimeout
	}
	if config.LockKey == "" {
		config.LockKey = defaults.LockKey
	}
	if config.LockTTL <= 0 {
		config.LockTTL = config.SweepTimeout
	}

	return &SweepWorker{
		config:  config,
		sweeper: sweeper,
		locker:  locker,
		logger:  logger,
		stats:   SweepStats{Outcomes: make(map[entity.SweepOutcome]int)},
	}
}

// Start schedules the sweep
func (w *SweepWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("sweep worker already running")
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(w.logger.Named("cron")))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	if _, err := c.AddFunc(w.config.Schedule, w.run); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", w.config.Schedule, err)
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.cron = c
	w.isRunning = true
	w.stats.Running = true
	w.stats.StartTime = time.Now()
	c.Start()

	w.logger.Info("SweepWorker started",
		zap.String("schedule", w.config.Schedule),
		zap.Bool("distributed_lock", w.locker != nil))
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish
func (w *SweepWorker) Stop() error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	w.stats.Running = false
	c, cancel := w.cron, w.cancel
	w.mu.Unlock()

	<-c.Stop().Done()
	if cancel != nil {
		cancel()
	}

	stats := w.Stats()
	w.logger.Info("SweepWorker stopped",
		zap.Int("sweeps", stats.Sweeps),
		zap.Int("lock_skipped", stats.LockSkipped))
	return nil
}

// Name returns the worker name for identification
func (w *SweepWorker) Name() string {
	return "SweepWorker"
}

// Stats returns a copy of the worker counters
func (w *SweepWorker) Stats() SweepStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := w.stats
	s.Outcomes = make(map[entity.SweepOutcome]int, len(w.stats.Outcomes))
	for k, v := range w.stats.Outcomes {
		s.Outcomes[k] = v
	}
	return s
}

func (w *SweepWorker) run() {
	w.mu.RLock()
	parent := w.ctx
	w.mu.RUnlock()
	if parent == nil || parent.Err() != nil {
		return
	}

	if _, err := w.RunOnce(parent); err != nil && !errors.Is(err, ErrSweepLocked) {
		w.logger.Error("Sweep failed", zap.Error(err))
	}
}

// RunOnce performs one sweep now, honouring the lock. It returns ErrSweepLocked
// when another process holds the lock.
func (w *SweepWorker) RunOnce(parent context.Context) ([]entity.ProcessingResult, error) {
	ctx, cancel := context.WithTimeout(parent, w.config.SweepTimeout)
	defer cancel()

	if w.locker != nil {
		unlock, ok, err := w.locker.TryLock(ctx, w.config.LockKey, w.config.LockTTL)
		if err != nil {
			w.recordError(err)
			return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			w.mu.Lock()
			w.stats.LockSkipped++
			w.mu.Unlock()
			w.logger.Debug("Sweep lock held elsewhere, skipping")
			return nil, ErrSweepLocked
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				w.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	results, err := w.sweeper.ProcessPendingWorkflows(ctx)

	w.mu.Lock()
	w.stats.Sweeps++
	w.stats.LastSweep = time.Now()
	for _, r := range results {
		w.stats.Outcomes[r.Result]++
	}
	w.mu.Unlock()

	if err != nil {
		w.recordError(err)
		return results, err
	}
	return results, nil
}

func (w *SweepWorker) recordError(err error) {
	w.mu.Lock()
	w.stats.LastError = err.Error()
	w.mu.Unlock()
}
