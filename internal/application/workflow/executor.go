package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/event"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/pkg/otelhelper"
)

// EntryOutcome reports what happened when an instance entered a node
type EntryOutcome struct {
	// Instance is the latest known copy, including an armed deadline
	Instance *entity.WorkflowInstance
	Errors   []entity.ActionError
	Outputs  map[string]entity.ActionOutput
	// Waiting is true when a timer was armed
	Waiting bool
}

// Executor runs node-entry side effects after a transition has committed.
// Failures are reported on the outcome and never undo the transition.
type Executor struct {
	instances   port.InstanceStore
	registry    port.ActionRegistry
	publisher   dispatcher.Publisher
	clock       port.Clock
	logger      *zap.Logger
	tracer      trace.Tracer
	recorder    Recorder
	taskTimeout time.Duration
}

// ExecutorOption configures the executor
type ExecutorOption func(*Executor)

// WithExecutorClock overrides the wall clock
func WithExecutorClock(c port.Clock) ExecutorOption {
	return func(x *Executor) { x.clock = c }
}

// WithExecutorLogger sets the logger
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l }
}

// WithExecutorDispatcher sets where action.failed events go
func WithExecutorDispatcher(p dispatcher.Publisher) ExecutorOption {
	return func(x *Executor) { x.publisher = p }
}

// WithExecutorTracer sets the tracer
func WithExecutorTracer(t trace.Tracer) ExecutorOption {
	return func(x *Executor) { x.tracer = t }
}

// WithExecutorRecorder sets the metrics recorder
func WithExecutorRecorder(r Recorder) ExecutorOption {
	return func(x *Executor) { x.recorder = r }
}

// WithTaskTimeout bounds each service task call
func WithTaskTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.taskTimeout = d }
}

// NewExecutor creates an executor. registry may be nil, in which case every
// service task is reported as unhandled.
func NewExecutor(instances port.InstanceStore, registry port.ActionRegistry, opts ...ExecutorOption) *Executor {
	x := &Executor{
		instances:   instances,
		registry:    registry,
		publisher:   dispatcher.NopPublisher{},
		clock:       port.SystemClock{},
		logger:      zap.NewNop(),
		tracer:      otelhelper.NoopTracer(),
		recorder:    nopRecorder{},
		taskTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Enter runs the entry effect of node for inst
func (x *Executor) Enter(ctx context.Context, inst *entity.WorkflowInstance, node domainwf.Node) EntryOutcome {
	out := EntryOutcome{Instance: inst}

	switch node.Type {
	case domainwf.NodeStart, domainwf.NodeState, domainwf.NodeEnd:
		return out

	case domainwf.NodeTimer:
		x.armTimer(ctx, &out, node)

	case domainwf.NodeServiceTask:
		x.runServiceTask(ctx, &out, node)

	default:
		x.fail(ctx, &out, node, fmt.Errorf("unknown node type %q", node.Type))
	}

	return out
}

func (x *Executor) armTimer(ctx context.Context, out *EntryOutcome, node domainwf.Node) {
	inst := out.Instance
	if inst.IsTerminal() {
		return
	}

	deadline := x.clock.Now().Add(node.TimerDuration())
	updated, err := x.instances.AtomicUpdate(ctx, inst.ID, inst.Version, func(m *entity.WorkflowInstance) error {
		if m.IsTerminal() {
			return errInstanceTerminal
		}
		m.Deadline = &deadline
		return nil
	})
	if err != nil {
		x.fail(ctx, out, node, fmt.Errorf("arm timer: %w", err))
		return
	}

	x.logger.Info("Timer armed",
		zap.Int64("instance_id", inst.ID),
		zap.String("node_id", node.ID),
		zap.Time("deadline", deadline),
	)
	out.Instance = updated
	out.Waiting = true
}

func (x *Executor) runServiceTask(ctx context.Context, out *EntryOutcome, node domainwf.Node) {
	service := node.Data.Service
	if x.registry == nil || !x.registry.Has(service) {
		x.logger.Warn("No handler registered for service task",
			zap.Int64("instance_id", out.Instance.ID),
			zap.String("node_id", node.ID),
			zap.String("service", service),
		)
		x.fail(ctx, out, node, fmt.Errorf("no handler registered for service %q", service))
		return
	}

	ctx, span := otelhelper.StartSpan(ctx, x.tracer, "executor.service_task",
		attribute.Int64(otelhelper.InstanceIDKey, out.Instance.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.ServiceKey, service),
	)
	defer span.End()

	output, err := x.safeDispatch(ctx, service, out.Instance.Clone(), node.Data.Config)
	if err != nil {
		otelhelper.SetError(span, err)
		x.fail(ctx, out, node, err)
		return
	}

	if output != nil {
		if out.Outputs == nil {
			out.Outputs = make(map[string]entity.ActionOutput)
		}
		out.Outputs[node.ID] = output
	}
}

// safeDispatch runs a service task with a timeout and panic recovery
func (x *Executor) safeDispatch(ctx context.Context, service string, inst *entity.WorkflowInstance, config map[string]any) (output entity.ActionOutput, err error) {
	ctx, cancel := context.WithTimeout(ctx, x.taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service %s panic: %v", service, r)
		}
	}()

	return x.registry.Dispatch(ctx, service, inst, config)
}

func (x *Executor) fail(ctx context.Context, out *EntryOutcome, node domainwf.Node, err error) {
	err = fmt.Errorf("%w: %w", domainwf.ErrActionExecution, err)

	x.logger.Error("Node entry action failed",
		zap.Int64("instance_id", out.Instance.ID),
		zap.String("node_id", node.ID),
		zap.String("node_type", node.Type.String()),
		zap.String("service", node.Data.Service),
		zap.Error(err),
	)
	x.recorder.ActionFailed(node.Type.String() + ":" + node.Data.Service)

	out.Errors = append(out.Errors, entity.ActionError{
		NodeID:  node.ID,
		Service: node.Data.Service,
		Error:   err.Error(),
	})

	x.publisher.DispatchAsync(ctx, event.NewEvent(event.TypeActionFailed, out.Instance.ID, out.Instance.TemplateID, map[string]any{
		"node_id": node.ID,
		"service": node.Data.Service,
		"error":   err.Error(),
	}))
}

var errInstanceTerminal = errors.New("instance already terminal")
