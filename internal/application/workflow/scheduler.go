package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/event"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/pkg/otelhelper"
)

// Scheduler sweeps non-terminal instances, firing elapsed timers and flagging SLA breaches.
// It keeps no state between sweeps, so a sweep started before the previous one
// finished only repeats work the atomic update turns into a no-op.
type Scheduler struct {
	engine    WorkflowEngine
	instances port.InstanceStore
	templates port.TemplateRepository
	publisher dispatcher.Publisher
	clock     port.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	recorder  Recorder

	batchSize   int
	concurrency int
}

// SchedulerOption configures the scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerClock injects the clock the sweep compares deadlines against
func WithSchedulerClock(c port.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerDispatcher sets where sla.violated events go
func WithSchedulerDispatcher(p dispatcher.Publisher) SchedulerOption {
	return func(s *Scheduler) { s.publisher = p }
}

// WithSchedulerTracer sets the tracer
func WithSchedulerTracer(t trace.Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithSchedulerRecorder sets the metrics recorder
func WithSchedulerRecorder(r Recorder) SchedulerOption {
	return func(s *Scheduler) { s.recorder = r }
}

// WithBatchSize sets how many instances are listed per page
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithConcurrency bounds how many instances are processed at once
func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewScheduler creates a scheduler that fires timeouts through engine
func NewScheduler(engine WorkflowEngine, instances port.InstanceStore, templates port.TemplateRepository, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:      engine,
		instances:   instances,
		templates:   templates,
		publisher:   dispatcher.NopPublisher{},
		clock:       port.SystemClock{},
		logger:      zap.NewNop(),
		tracer:      otelhelper.NoopTracer(),
		recorder:    nopRecorder{},
		batchSize:   100,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessPendingWorkflows runs one sweep. Per-instance failures are reported as
// error results; only a failure to list instances aborts the sweep.
func (s *Scheduler) ProcessPendingWorkflows(ctx context.Context) (results []entity.ProcessingResult, err error) {
	started := time.Now()
	now := s.clock.Now()
	sweepID := uuid.NewString()

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.sweep",
		attribute.String(otelhelper.SweepIDKey, sweepID),
	)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}
		span.SetAttributes(attribute.Int("wfengine.sweep.results", len(results)))
		span.End()
		s.recorder.SweepCompleted(results, time.Since(started))
	}()

	sw := &sweep{Scheduler: s, id: sweepID, now: now, slas: make(map[int64]*domainwf.SLAConfig)}

	results = []entity.ProcessingResult{}
	var afterID int64
	for {
		batch, err := s.instances.ListNonTerminal(ctx, afterID, s.batchSize)
		if err != nil {
			return results, fmt.Errorf("failed to list pending instances: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		perInstance := make([][]entity.ProcessingResult, len(batch))
		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for i, inst := range batch {
			i, inst := i, inst
			g.Go(func() error {
				perInstance[i] = sw.process(ctx, inst)
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range perInstance {
			results = append(results, r...)
		}

		afterID = batch[len(batch)-1].ID
		if len(batch) < s.batchSize {
			break
		}
	}

	s.logger.Info("Sweep completed",
		zap.String("sweep_id", sweepID),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return results, nil
}

// sweep holds the per-run snapshot: the clock reading and SLA configs already loaded
type sweep struct {
	*Scheduler
	id  string
	now time.Time

	mu   sync.Mutex
	slas map[int64]*domainwf.SLAConfig
}

func (sw *sweep) process(ctx context.Context, inst *entity.WorkflowInstance) (results []entity.ProcessingResult) {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("Sweep panic recovered",
				zap.Int64("instance_id", inst.ID),
				zap.Any("panic", r),
			)
			results = append(results, sw.result(inst.ID, entity.SweepError, nil, fmt.Errorf("panic: %v", r)))
		}
	}()

	timer, terminal := sw.processTimer(ctx, inst)
	results = append(results, timer)

	if terminal || timer.Result == entity.SweepError {
		return results
	}
	if sla := sw.checkSLA(ctx, inst); sla != nil {
		results = append(results, *sla)
	}
	return results
}

// processTimer fires the timeout edge when the deadline has elapsed.
// It also reports whether the instance ended up terminal.
func (sw *sweep) processTimer(ctx context.Context, inst *entity.WorkflowInstance) (entity.ProcessingResult, bool) {
	if !inst.DeadlineElapsed(sw.now) {
		return sw.result(inst.ID, entity.SweepNoAction, nil, nil), false
	}

	res, err := sw.engine.FireTimeout(ctx, inst.ID, sw.now)
	switch {
	case err == nil:
		details := map[string]any{
			"from_state": res.FromStateID,
			"to_state":   res.ToStateID,
			"edge_id":    res.EdgeID,
		}
		if len(res.ActionErrors) > 0 {
			details["action_errors"] = res.ActionErrors
		}
		return sw.result(inst.ID, entity.SweepTimerExecuted, details, nil), res.Instance.IsTerminal()

	case errors.Is(err, domainwf.ErrConflict), errors.Is(err, errDeadlineNotElapsed), errors.Is(err, domainwf.ErrInvalidState):
		return sw.result(inst.ID, entity.SweepSkipped, map[string]any{"reason": err.Error()}, nil), false

	case errors.Is(err, domainwf.ErrNoValidTransition):
		return sw.result(inst.ID, entity.SweepNoAction, map[string]any{"reason": "no timeout transition from current state"}, nil), false
	}

	sw.logger.Error("Timeout failed",
		zap.String("sweep_id", sw.id),
		zap.Int64("instance_id", inst.ID),
		zap.Error(err),
	)
	return sw.result(inst.ID, entity.SweepError, nil, err), false
}

// checkSLA reports an instance running longer than its template allows. It never mutates.
func (sw *sweep) checkSLA(ctx context.Context, inst *entity.WorkflowInstance) *entity.ProcessingResult {
	sla, err := sw.slaFor(ctx, inst.TemplateID)
	if err != nil {
		r := sw.result(inst.ID, entity.SweepError, nil, err)
		return &r
	}
	if sla == nil || inst.StartedAt.IsZero() {
		return nil
	}

	elapsed := sw.now.Sub(inst.StartedAt)
	if elapsed <= sla.MaxDuration() {
		return nil
	}

	details := map[string]any{
		"type":                "sla_violation",
		"elapsed_hours":       elapsed.Hours(),
		"max_duration":        sla.MaxDurationHours,
		"escalation_required": true,
		"current_state_id":    inst.CurrentStateID,
	}

	sw.logger.Warn("SLA violated",
		zap.String("sweep_id", sw.id),
		zap.Int64("instance_id", inst.ID),
		zap.Float64("elapsed_hours", elapsed.Hours()),
		zap.Float64("max_duration_hours", sla.MaxDurationHours),
	)
	sw.publisher.DispatchAsync(ctx, event.NewEventWithCorrelation(event.TypeSLAViolated, inst.ID, inst.TemplateID, details, sw.id))

	r := sw.result(inst.ID, entity.SweepSLAViolation, details, nil)
	return &r
}

func (sw *sweep) slaFor(ctx context.Context, templateID int64) (*domainwf.SLAConfig, error) {
	sw.mu.Lock()
	sla, ok := sw.slas[templateID]
	sw.mu.Unlock()
	if ok {
		return sla, nil
	}

	tmpl, err := sw.templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch template %d: %w", templateID, err)
	}

	sw.mu.Lock()
	sw.slas[templateID] = tmpl.SLAConfig
	sw.mu.Unlock()
	return tmpl.SLAConfig, nil
}

func (sw *sweep) result(instanceID int64, outcome entity.SweepOutcome, details map[string]any, err error) entity.ProcessingResult {
	r := entity.ProcessingResult{
		InstanceID:  instanceID,
		Result:      outcome,
		Details:     details,
		ProcessedAt: sw.clock.Now(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
