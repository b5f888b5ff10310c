package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
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

// engineImpl is the concrete implementation of WorkflowEngine
type engineImpl struct {
	templates port.TemplateRepository
	instances port.InstanceStore
	history   port.HistorySink
	txManager port.TransactionManager
	gate      port.PermissionGate
	executor  *Executor

	publisher dispatcher.Publisher
	clock     port.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	recorder  Recorder

	// Templates are immutable, so compiled graphs are cached per template id
	mu          sync.RWMutex
	graphs      map[int64]*domainwf.Graph
	lastAccess  map[int64]time.Time
	cacheExpiry time.Duration
}

// EngineOption configures the workflow engine
type EngineOption func(*engineImpl)

// WithDispatcher sets the event dispatcher for emitting events
func WithDispatcher(d dispatcher.Publisher) EngineOption {
	return func(e *engineImpl) {
		e.publisher = d
	}
}

// WithCacheExpiry sets how long a compiled template graph stays cached
func WithCacheExpiry(expiry time.Duration) EngineOption {
	return func(e *engineImpl) {
		e.cacheExpiry = expiry
	}
}

// WithClock overrides the wall clock
func WithClock(c port.Clock) EngineOption {
	return func(e *engineImpl) {
		e.clock = c
	}
}

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *engineImpl) {
		e.logger = l
	}
}

// WithTracer sets the tracer used for engine spans
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *engineImpl) {
		e.tracer = t
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) EngineOption {
	return func(e *engineImpl) {
		e.recorder = r
	}
}

// WithExecutor sets the action executor run on node entry
func WithExecutor(x *Executor) EngineOption {
	return func(e *engineImpl) {
		e.executor = x
	}
}

// NewEngine creates a new workflow engine
func NewEngine(
	templates port.TemplateRepository,
	instances port.InstanceStore,
	history port.HistorySink,
	txManager port.TransactionManager,
	gate port.PermissionGate,
	opts ...EngineOption,
) WorkflowEngine {
	e := &engineImpl{
		templates:   templates,
		instances:   instances,
		history:     history,
		txManager:   txManager,
		gate:        gate,
		publisher:   dispatcher.NopPublisher{},
		clock:       port.SystemClock{},
		logger:      zap.NewNop(),
		tracer:      otelhelper.NoopTracer(),
		recorder:    nopRecorder{},
		graphs:      make(map[int64]*domainwf.Graph),
		lastAccess:  make(map[int64]time.Time),
		cacheExpiry: 30 * time.Minute,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.executor == nil {
		e.executor = NewExecutor(instances, nil, WithExecutorClock(e.clock), WithExecutorLogger(e.logger))
	}

	return e
}

// graph returns the compiled graph for a template
func (e *engineImpl) graph(ctx context.Context, templateID int64) (*domainwf.Graph, error) {
	e.mu.RLock()
	g, exists := e.graphs[templateID]
	lastAccess := e.lastAccess[templateID]
	e.mu.RUnlock()

	if exists && time.Since(lastAccess) < e.cacheExpiry {
		e.mu.Lock()
		e.lastAccess[templateID] = time.Now()
		e.mu.Unlock()
		return g, nil
	}

	tmpl, err := e.templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch template %d: %w", templateID, err)
	}

	g, err = domainwf.Compile(tmpl)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.graphs[templateID] = g
	e.lastAccess[templateID] = time.Now()
	e.mu.Unlock()

	return g, nil
}

// StartWorkflow creates an instance in the template's start state
func (e *engineImpl) StartWorkflow(ctx context.Context, req StartRequest) (inst *entity.WorkflowInstance, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start_workflow",
		attribute.Int64(otelhelper.TemplateIDKey, req.TemplateID),
		attribute.String(otelhelper.ActorIDKey, req.Actor.ID),
	)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}
		span.End()
	}()

	g, err := e.graph(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	tmpl := g.Template()
	if !tmpl.IsActive {
		return nil, fmt.Errorf("%w: template %d is inactive", domainwf.ErrTemplateNotFound, req.TemplateID)
	}

	if err := validateInput(tmpl.InputSchema, req.InitialData); err != nil {
		return nil, err
	}

	startNode, startState, err := g.StartNode()
	if err != nil {
		return nil, fmt.Errorf("template %d: %w", req.TemplateID, err)
	}

	now := e.clock.Now()
	inst = &entity.WorkflowInstance{
		TemplateID:     tmpl.ID,
		CurrentStateID: startState,
		Status:         domainwf.StatusRunning,
		EntityID:       req.EntityID,
		EntityType:     req.EntityType,
		Data:           map[string]any{},
		ActiveNodes:    []string{startNode.ID},
		CreatedBy:      req.Actor.ID,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	inst.MergeData(req.InitialData)

	if status := g.TerminalStatus(startNode, startState); status.IsTerminal() {
		inst.Finish(status, now)
	}

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.instances.Create(txCtx, inst); err != nil {
			return fmt.Errorf("failed to create instance: %w", err)
		}

		h := &entity.WorkflowHistory{
			InstanceID: inst.ID,
			ToStateID:  startState,
			Action:     domainwf.ActionStarted,
			UserID:     req.Actor.ID,
			Metadata:   map[string]any{"node_id": startNode.ID},
			Timestamp:  now,
		}
		if err := e.history.Append(txCtx, h); err != nil {
			return fmt.Errorf("failed to create history record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64(otelhelper.InstanceIDKey, inst.ID))
	e.logger.Info("Workflow started",
		zap.Int64("instance_id", inst.ID),
		zap.Int64("template_id", tmpl.ID),
		zap.String("state", startState),
		zap.String("entity_id", inst.EntityID),
	)
	e.recorder.InstanceStarted(tmpl.ID)
	e.publisher.DispatchAsync(ctx, event.NewEvent(event.TypeInstanceStarted, inst.ID, tmpl.ID, map[string]any{
		"state":       startState,
		"entity_id":   inst.EntityID,
		"entity_type": inst.EntityType,
		"actor_id":    req.Actor.ID,
	}))

	entry := e.executor.Enter(ctx, inst, startNode)
	return entry.Instance, nil
}

// ExecuteAction fires the first matching edge for the requested action
func (e *engineImpl) ExecuteAction(ctx context.Context, req ActionRequest) (res *entity.ExecutionResult, err error) {
	started := time.Now()
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.execute_action",
		attribute.Int64(otelhelper.InstanceIDKey, req.InstanceID),
		attribute.String(otelhelper.ActionKey, req.Action),
		attribute.String(otelhelper.ActorIDKey, req.Actor.ID),
	)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
			e.recorder.ActionRejected(req.Action, rejectReason(err))
		}
		span.End()
	}()

	inst, err := e.instances.Load(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsRunnable() {
		return nil, fmt.Errorf("%w: instance %d is %s", domainwf.ErrInvalidState, inst.ID, inst.Status)
	}
	if req.Action == domainwf.ActionTimeout && !req.Actor.System {
		return nil, fmt.Errorf("%w: %s is reserved for the scheduler", domainwf.ErrPermissionDenied, domainwf.ActionTimeout)
	}

	g, err := e.graph(ctx, inst.TemplateID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	sel, warnings, err := e.selectEdge(ctx, g, inst, req, now)
	if err != nil {
		return &entity.ExecutionResult{
			Status:      entity.ExecutionFailed,
			Instance:    inst,
			FromStateID: inst.CurrentStateID,
			Warnings:    warnings,
		}, err
	}

	fromState := inst.CurrentStateID
	toState := g.TargetState(sel, fromState)
	status := g.TerminalStatus(sel.Target, toState)

	var updated *entity.WorkflowInstance
	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = e.instances.AtomicUpdate(txCtx, inst.ID, inst.Version, func(m *entity.WorkflowInstance) error {
			if req.deadlineAt != nil && !m.DeadlineElapsed(*req.deadlineAt) {
				return errDeadlineNotElapsed
			}
			m.CurrentStateID = toState
			m.MergeData(req.Data)
			m.ActiveNodes = []string{sel.Target.ID}
			m.Deadline = nil
			m.UpdatedAt = now
			if status.IsTerminal() {
				m.Finish(status, now)
			} else {
				m.Status = domainwf.StatusRunning
			}
			return nil
		})
		if err != nil {
			return err
		}

		metadata := map[string]any{
			"edge_id":        sel.ID,
			"source_node_id": sel.Source.ID,
			"target_node_id": sel.Target.ID,
		}
		if len(warnings) > 0 {
			metadata["warnings"] = warnings
		}
		h := &entity.WorkflowHistory{
			InstanceID:  inst.ID,
			FromStateID: &fromState,
			ToStateID:   toState,
			Action:      req.Action,
			Comment:     req.Comment,
			UserID:      req.Actor.ID,
			Metadata:    metadata,
			Timestamp:   now,
		}
		if err := e.history.Append(txCtx, h); err != nil {
			return fmt.Errorf("failed to create history record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String(otelhelper.EdgeIDKey, sel.ID),
		attribute.String(otelhelper.FromStateKey, fromState),
		attribute.String(otelhelper.ToStateKey, toState),
	)
	e.logger.Info("Transition committed",
		zap.Int64("instance_id", inst.ID),
		zap.String("action", req.Action),
		zap.String("edge_id", sel.ID),
		zap.String("from_state", fromState),
		zap.String("to_state", toState),
		zap.String("status", updated.Status.String()),
		zap.String("actor_id", req.Actor.ID),
	)
	e.recorder.TransitionCommitted(inst.TemplateID, req.Action, updated.Status, time.Since(started))
	e.publishTransition(ctx, updated, req, sel.ID, fromState)

	entry := e.executor.Enter(ctx, updated, sel.Target)

	res = &entity.ExecutionResult{
		Status:       entity.ExecutionSuccess,
		Instance:     entry.Instance,
		FromStateID:  fromState,
		ToStateID:    toState,
		EdgeID:       sel.ID,
		Warnings:     warnings,
		ActionErrors: entry.Errors,
		Outputs:      entry.Outputs,
	}
	if entry.Waiting {
		res.Status = entity.ExecutionWaiting
	}
	return res, nil
}

// selectEdge walks the candidate edges in declaration order and returns the first
// whose condition holds and whose capabilities the actor has
func (e *engineImpl) selectEdge(ctx context.Context, g *domainwf.Graph, inst *entity.WorkflowInstance, req ActionRequest, now time.Time) (*domainwf.CompiledEdge, []string, error) {
	candidates := g.Candidates(inst.CurrentStateID, inst.ActiveNodes, req.Action)
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no edge for action %q from state %q", domainwf.ErrNoValidTransition, req.Action, inst.CurrentStateID)
	}

	vars := conditionVars(inst, req, now)

	var warnings []string
	denied := 0
	for _, c := range candidates {
		res := c.Guard(vars)
		if res.Err != nil {
			warnings = append(warnings, fmt.Sprintf("edge %s: condition %q not evaluated: %v", c.ID, c.Data.Condition, res.Err))
			e.logger.Warn("Edge condition failed closed",
				zap.Int64("instance_id", inst.ID),
				zap.String("edge_id", c.ID),
				zap.Error(res.Err),
			)
			continue
		}
		if !res.Passed {
			continue
		}
		if !e.gate.Can(ctx, req.Actor, g.RequiredCapabilities(c)) {
			denied++
			continue
		}
		return c, warnings, nil
	}

	if denied > 0 {
		return nil, warnings, fmt.Errorf("%w: actor %q may not %s", domainwf.ErrPermissionDenied, req.Actor.ID, req.Action)
	}
	return nil, warnings, fmt.Errorf("%w: no condition holds for action %q from state %q", domainwf.ErrNoValidTransition, req.Action, inst.CurrentStateID)
}

// FireTimeout fires the timeout edge on behalf of the system actor.
// The deadline is re-checked inside the atomic update so overlapping sweeps fire once.
func (e *engineImpl) FireTimeout(ctx context.Context, instanceID int64, now time.Time) (*entity.ExecutionResult, error) {
	return e.ExecuteAction(ctx, ActionRequest{
		InstanceID: instanceID,
		Action:     domainwf.ActionTimeout,
		Actor:      entity.SystemActor(),
		Comment:    "Timer expired",
		deadlineAt: &now,
	})
}

// AvailableActions lists actions with at least one edge the actor could fire now
func (e *engineImpl) AvailableActions(ctx context.Context, instanceID int64, actor entity.Actor) ([]string, error) {
	inst, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsRunnable() {
		return []string{}, nil
	}

	g, err := e.graph(ctx, inst.TemplateID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	out := []string{}
	for _, action := range g.Actions(inst.CurrentStateID, inst.ActiveNodes) {
		// fired by the scheduler
		if action == domainwf.ActionTimeout && !actor.System {
			continue
		}
		req := ActionRequest{InstanceID: instanceID, Action: action, Actor: actor}
		if _, _, err := e.selectEdge(ctx, g, inst, req, now); err == nil {
			out = append(out, action)
		}
	}
	return out, nil
}

// CancelWorkflow terminates a running instance, keeping its current state
func (e *engineImpl) CancelWorkflow(ctx context.Context, instanceID int64, actor entity.Actor, comment string) (res *entity.ExecutionResult, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.cancel_workflow",
		attribute.Int64(otelhelper.InstanceIDKey, instanceID),
		attribute.String(otelhelper.ActorIDKey, actor.ID),
	)
	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
			e.recorder.ActionRejected(domainwf.ActionCancel, rejectReason(err))
		}
		span.End()
	}()

	inst, err := e.instances.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.IsRunnable() {
		return nil, fmt.Errorf("%w: instance %d is %s", domainwf.ErrInvalidState, inst.ID, inst.Status)
	}
	if !e.gate.Can(ctx, actor, []string{domainwf.CapabilityCancel}) {
		return nil, fmt.Errorf("%w: actor %q may not cancel", domainwf.ErrPermissionDenied, actor.ID)
	}

	now := e.clock.Now()
	state := inst.CurrentStateID

	var updated *entity.WorkflowInstance
	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, err = e.instances.AtomicUpdate(txCtx, inst.ID, inst.Version, func(m *entity.WorkflowInstance) error {
			m.UpdatedAt = now
			m.Finish(domainwf.StatusCancelled, now)
			return nil
		})
		if err != nil {
			return err
		}

		return e.history.Append(txCtx, &entity.WorkflowHistory{
			InstanceID:  inst.ID,
			FromStateID: &state,
			ToStateID:   state,
			Action:      domainwf.ActionCancel,
			Comment:     comment,
			UserID:      actor.ID,
			Timestamp:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Workflow cancelled",
		zap.Int64("instance_id", inst.ID),
		zap.String("state", state),
		zap.String("actor_id", actor.ID),
	)
	e.recorder.TransitionCommitted(inst.TemplateID, domainwf.ActionCancel, updated.Status, 0)
	e.publisher.DispatchAsync(ctx, event.NewEvent(event.TypeInstanceCancelled, inst.ID, inst.TemplateID, map[string]any{
		"state":    state,
		"actor_id": actor.ID,
		"comment":  comment,
	}))

	return &entity.ExecutionResult{
		Status:      entity.ExecutionSuccess,
		Instance:    updated,
		FromStateID: state,
		ToStateID:   state,
	}, nil
}

// GetInstance returns an instance by id
func (e *engineImpl) GetInstance(ctx context.Context, instanceID int64) (*entity.WorkflowInstance, error) {
	return e.instances.Load(ctx, instanceID)
}

// GetHistory returns the audit trail of an instance, oldest first
func (e *engineImpl) GetHistory(ctx context.Context, instanceID int64) ([]*entity.WorkflowHistory, error) {
	if _, err := e.instances.Load(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.history.ListByInstance(ctx, instanceID)
}

// ListInstances returns instances matching the filter
func (e *engineImpl) ListInstances(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	return e.instances.List(ctx, filter)
}

func (e *engineImpl) publishTransition(ctx context.Context, inst *entity.WorkflowInstance, req ActionRequest, edgeID, fromState string) {
	payload := map[string]any{
		"action":     req.Action,
		"edge_id":    edgeID,
		"from_state": fromState,
		"to_state":   inst.CurrentStateID,
		"status":     inst.Status.String(),
		"actor_id":   req.Actor.ID,
	}
	evt := event.NewEvent(event.TypeTransitionApplied, inst.ID, inst.TemplateID, payload)
	e.publisher.DispatchAsync(ctx, evt)

	switch inst.Status {
	case domainwf.StatusCompleted:
		e.publisher.DispatchAsync(ctx, event.NewEventWithCorrelation(event.TypeInstanceCompleted, inst.ID, inst.TemplateID, payload, evt.CorrelationID))
	case domainwf.StatusCancelled:
		e.publisher.DispatchAsync(ctx, event.NewEventWithCorrelation(event.TypeInstanceCancelled, inst.ID, inst.TemplateID, payload, evt.CorrelationID))
	}
	if req.Action == domainwf.ActionTimeout {
		e.publisher.DispatchAsync(ctx, event.NewEventWithCorrelation(event.TypeTimerFired, inst.ID, inst.TemplateID, payload, evt.CorrelationID))
	}
}

// errDeadlineNotElapsed aborts a timeout whose deadline was cleared or moved by a concurrent transition
var errDeadlineNotElapsed = errors.New("deadline not elapsed")

// conditionVars builds the evaluation context: instance data overlaid with the
// request data, plus engine-provided variables
func conditionVars(inst *entity.WorkflowInstance, req ActionRequest, now time.Time) map[string]any {
	vars := make(map[string]any, len(inst.Data)+len(req.Data)+3)
	for k, v := range inst.Data {
		vars[k] = v
	}
	for k, v := range req.Data {
		vars[k] = v
	}
	vars["actor_id"] = req.Actor.ID
	vars["action"] = req.Action
	vars["now"] = now.UTC().Format(time.RFC3339)
	return vars
}

// validateInput checks start data against the template's JSON schema, if any
func validateInput(schema, data map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("%w: schema: %v", domainwf.ErrInvalidInput, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return fmt.Errorf("%w: %v", domainwf.ErrInvalidInput, msgs)
	}
	return nil
}
