package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/event"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// Mock implementations

type mockTemplateRepo struct {
	templates map[int64]*domainwf.WorkflowTemplate
}

func newMockTemplateRepo(tmpls ...*domainwf.WorkflowTemplate) *mockTemplateRepo {
	m := &mockTemplateRepo{templates: make(map[int64]*domainwf.WorkflowTemplate)}
	for _, t := range tmpls {
		m.templates[t.ID] = t
	}
	return m
}

func (m *mockTemplateRepo) GetByID(ctx context.Context, id int64) (*domainwf.WorkflowTemplate, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domainwf.ErrTemplateNotFound, id)
	}
	return t, nil
}

func (m *mockTemplateRepo) Save(ctx context.Context, tmpl *domainwf.WorkflowTemplate) error {
	m.templates[tmpl.ID] = tmpl
	return nil
}

func (m *mockTemplateRepo) List(ctx context.Context, activeOnly bool) ([]*domainwf.WorkflowTemplate, error) {
	var out []*domainwf.WorkflowTemplate
	for _, t := range m.templates {
		out = append(out, t)
	}
	return out, nil
}

// mockInstanceStore keeps instances in memory with the same version semantics as the SQL store
type mockInstanceStore struct {
	mu        sync.Mutex
	instances map[int64]*entity.WorkflowInstance
	nextID    int64
	updateErr error
	// beforeUpdate runs inside AtomicUpdate before the version check, to simulate races
	beforeUpdate func(id int64)
}

func newMockInstanceStore() *mockInstanceStore {
	return &mockInstanceStore{instances: make(map[int64]*entity.WorkflowInstance)}
}

func (m *mockInstanceStore) Create(ctx context.Context, inst *entity.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	inst.ID = m.nextID
	inst.Version = 1
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *mockInstanceStore) Load(ctx context.Context, id int64) (*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domainwf.ErrInstanceNotFound, id)
	}
	return inst.Clone(), nil
}

func (m *mockInstanceStore) AtomicUpdate(ctx context.Context, id, expectedVersion int64, mutate port.InstanceMutator) (*entity.WorkflowInstance, error) {
	if m.beforeUpdate != nil {
		m.beforeUpdate(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return nil, m.updateErr
	}
	cur, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domainwf.ErrInstanceNotFound, id)
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("%w: instance %d", domainwf.ErrConflict, id)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version++
	m.instances[id] = next
	return next.Clone(), nil
}

func (m *mockInstanceStore) ListNonTerminal(ctx context.Context, afterID int64, limit int) ([]*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*entity.WorkflowInstance
	for _, inst := range m.instances {
		if inst.ID > afterID && !inst.IsTerminal() {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockInstanceStore) List(ctx context.Context, filter entity.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*entity.WorkflowInstance
	for _, inst := range m.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		out = append(out, inst.Clone())
	}
	return out, nil
}

// set overwrites a stored instance, for arranging test fixtures
func (m *mockInstanceStore) set(inst *entity.WorkflowInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = inst.Clone()
}

type mockHistoryRepo struct {
	mu        sync.Mutex
	histories []*entity.WorkflowHistory
	appendErr error
}

func (m *mockHistoryRepo) Append(ctx context.Context, h *entity.WorkflowHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	h.ID = int64(len(m.histories) + 1)
	m.histories = append(m.histories, h)
	return nil
}

func (m *mockHistoryRepo) ListByInstance(ctx context.Context, instanceID int64) ([]*entity.WorkflowHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*entity.WorkflowHistory
	for _, h := range m.histories {
		if h.InstanceID == instanceID {
			result = append(result, h)
		}
	}
	return result, nil
}

// transitions returns history entries other than the start record
func (m *mockHistoryRepo) transitions(instanceID int64) []*entity.WorkflowHistory {
	all, _ := m.ListByInstance(context.Background(), instanceID)
	var out []*entity.WorkflowHistory
	for _, h := range all {
		if h.FromStateID != nil {
			out = append(out, h)
		}
	}
	return out
}

// mockTxManager serializes transactions like a single SQLite writer, snapshots the
// stores and restores them when fn fails
type mockTxManager struct {
	mu      sync.Mutex
	store   *mockInstanceStore
	history *mockHistoryRepo
}

func (m *mockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store.mu.Lock()
	snapshot := make(map[int64]*entity.WorkflowInstance, len(m.store.instances))
	for id, inst := range m.store.instances {
		snapshot[id] = inst.Clone()
	}
	nextID := m.store.nextID
	m.store.mu.Unlock()

	m.history.mu.Lock()
	histLen := len(m.history.histories)
	m.history.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.store.mu.Lock()
		m.store.instances = snapshot
		m.store.nextID = nextID
		m.store.mu.Unlock()

		m.history.mu.Lock()
		m.history.histories = m.history.histories[:histLen]
		m.history.mu.Unlock()
		return err
	}
	return nil
}

type mockGate struct{}

func (mockGate) Can(ctx context.Context, actor entity.Actor, required []string) bool {
	if actor.System {
		return true
	}
	for _, r := range required {
		if !actor.Has(r) {
			return false
		}
	}
	return true
}

type mockPublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (m *mockPublisher) DispatchAsync(ctx context.Context, evt *event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockPublisher) types() []event.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Type, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type mockRegistry struct {
	calls    []string
	handlers map[string]func(inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error)
}

func (m *mockRegistry) Has(service string) bool {
	_, ok := m.handlers[service]
	return ok
}

func (m *mockRegistry) Dispatch(ctx context.Context, service string, inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error) {
	m.calls = append(m.calls, service)
	h, ok := m.handlers[service]
	if !ok {
		return nil, errors.New("unknown service")
	}
	return h(inst, config)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires an engine to in-memory collaborators
type harness struct {
	engine    WorkflowEngine
	templates *mockTemplateRepo
	store     *mockInstanceStore
	history   *mockHistoryRepo
	publisher *mockPublisher
	registry  *mockRegistry
	clock     *fakeClock
}

func newHarness(tmpls ...*domainwf.WorkflowTemplate) *harness {
	h := &harness{
		templates: newMockTemplateRepo(tmpls...),
		store:     newMockInstanceStore(),
		history:   &mockHistoryRepo{},
		publisher: &mockPublisher{},
		registry:  &mockRegistry{handlers: map[string]func(*entity.WorkflowInstance, map[string]any) (entity.ActionOutput, error){}},
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	executor := NewExecutor(h.store, h.registry,
		WithExecutorClock(h.clock),
		WithExecutorDispatcher(h.publisher),
		WithTaskTimeout(time.Second),
	)
	h.engine = NewEngine(h.templates, h.store, h.history, &mockTxManager{store: h.store, history: h.history}, mockGate{},
		WithClock(h.clock),
		WithDispatcher(h.publisher),
		WithExecutor(executor),
	)
	return h
}

func (h *harness) scheduler(opts ...SchedulerOption) *Scheduler {
	opts = append([]SchedulerOption{WithSchedulerClock(h.clock), WithSchedulerDispatcher(h.publisher)}, opts...)
	return NewScheduler(h.engine, h.store, h.templates, opts...)
}

var (
	user     = entity.Actor{ID: "alice"}
	approver = entity.Actor{ID: "bob", Capabilities: []string{"approver"}}
	admin    = entity.Actor{ID: "root", Capabilities: []string{domainwf.CapabilityCancel}}
)

// reviewTemplate is new --submit--> review --approve--> done, with review --reject--> cancelled
// and a timer node waiting in review that times out to cancelled
func reviewTemplate() *domainwf.WorkflowTemplate {
	return &domainwf.WorkflowTemplate{
		ID:   1,
		Name: "review",
		States: []domainwf.WorkflowState{
			{ID: "new", IsInitial: true},
			{ID: "review"},
			{ID: "done", IsFinal: true},
			{ID: "cancelled", IsFinal: true},
		},
		Nodes: []domainwf.Node{
			{ID: "n_new", Type: domainwf.NodeState, Data: domainwf.NodeData{StateID: "new"}},
			{ID: "n_review", Type: domainwf.NodeState, Data: domainwf.NodeData{StateID: "review"}},
			{ID: "n_done", Type: domainwf.NodeEnd, Data: domainwf.NodeData{StateID: "done"}},
			{ID: "n_cancelled", Type: domainwf.NodeEnd, Data: domainwf.NodeData{StateID: "cancelled"}},
		},
		Edges: []domainwf.Edge{
			{ID: "e_submit", Source: "n_new", Target: "n_review", Data: domainwf.EdgeData{Action: "submit"}},
			{ID: "e_approve", Source: "n_review", Target: "n_done", Data: domainwf.EdgeData{Action: "approve"}},
			{ID: "e_timeout", Source: "n_review", Target: "n_cancelled", Data: domainwf.EdgeData{Action: domainwf.ActionTimeout}},
		},
		Permissions: map[string][]string{"approve": {"approver"}},
		IsActive:    true,
	}
}
