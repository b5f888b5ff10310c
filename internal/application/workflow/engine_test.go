package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/event"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

func startReview(t *testing.T, h *harness) *entity.WorkflowInstance {
	t.Helper()
	inst, err := h.engine.StartWorkflow(context.Background(), StartRequest{
		TemplateID:  1,
		EntityID:    "order-1",
		EntityType:  "order",
		InitialData: map[string]any{"amount": 120},
		Actor:       user,
	})
	require.NoError(t, err)
	return inst
}

func TestStartWorkflow(t *testing.T) {
	h := newHarness(reviewTemplate())

	inst := startReview(t, h)

	assert.Equal(t, "new", inst.CurrentStateID)
	assert.Equal(t, domainwf.StatusRunning, inst.Status)
	assert.Equal(t, []string{"n_new"}, inst.ActiveNodes)
	assert.Equal(t, 120, inst.Data["amount"])
	assert.Equal(t, "alice", inst.CreatedBy)
	assert.Equal(t, h.clock.Now(), inst.StartedAt)

	hist, err := h.engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Nil(t, hist[0].FromStateID)
	assert.Equal(t, "new", hist[0].ToStateID)
	assert.Equal(t, domainwf.ActionStarted, hist[0].Action)

	assert.Equal(t, []event.Type{event.TypeInstanceStarted}, h.publisher.types())
}

func TestStartWorkflow_Errors(t *testing.T) {
	inactive := reviewTemplate()
	inactive.ID = 2
	inactive.IsActive = false

	noStart := reviewTemplate()
	noStart.ID = 3
	noStart.States[0].IsInitial = false

	schema := reviewTemplate()
	schema.ID = 4
	schema.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"amount"},
		"properties": map[string]any{
			"amount": map[string]any{"type": "number"},
		},
	}

	h := newHarness(inactive, noStart, schema)

	tests := []struct {
		name    string
		req     StartRequest
		wantErr error
	}{
		{"unknown template", StartRequest{TemplateID: 99}, domainwf.ErrTemplateNotFound},
		{"inactive template", StartRequest{TemplateID: 2}, domainwf.ErrTemplateNotFound},
		{"no start state", StartRequest{TemplateID: 3}, domainwf.ErrNoStartState},
		{"schema violation", StartRequest{TemplateID: 4, InitialData: map[string]any{"amount": "lots"}}, domainwf.ErrInvalidInput},
		{"schema missing field", StartRequest{TemplateID: 4}, domainwf.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.StartWorkflow(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Empty(t, h.history.histories, "failed starts must not write history")

	_, err := h.engine.StartWorkflow(context.Background(), StartRequest{TemplateID: 4, InitialData: map[string]any{"amount": 10}})
	assert.NoError(t, err)
}

func TestStartWorkflow_StateNodeAlwaysInTemplate(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.States[0].IsInitial = false
	tmpl.DefaultStateID = "review"

	h := newHarness(tmpl)
	inst := startReview(t, h)

	g, err := domainwf.Compile(tmpl)
	require.NoError(t, err)
	assert.Equal(t, "review", inst.CurrentStateID)
	assert.True(t, g.HasStateNode(inst.CurrentStateID))
}

// new --submit--> review --approve--> done
func TestExecuteAction_HappyPath(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user, Comment: "please review"})
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionSuccess, res.Status)
	assert.Equal(t, "review", res.Instance.CurrentStateID)
	assert.Equal(t, []string{"n_review"}, res.Instance.ActiveNodes)

	trans := h.history.transitions(inst.ID)
	require.Len(t, trans, 1)
	assert.Equal(t, "new", trans[0].From())
	assert.Equal(t, "review", trans[0].ToStateID)
	assert.Equal(t, "please review", trans[0].Comment)
	assert.Equal(t, "alice", trans[0].UserID)
	assert.Equal(t, "e_submit", trans[0].Metadata["edge_id"])

	h.clock.Advance(time.Minute)
	res, err = h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "approve", Actor: approver})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Instance.CurrentStateID)
	assert.Equal(t, domainwf.StatusCompleted, res.Instance.Status)
	require.NotNil(t, res.Instance.CompletedAt)
	assert.Equal(t, h.clock.Now(), *res.Instance.CompletedAt)
	assert.Len(t, h.history.transitions(inst.ID), 2)

	assert.Contains(t, h.publisher.types(), event.TypeInstanceCompleted)
}

func TestExecuteAction_PermissionDenied(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	_, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.NoError(t, err)
	before, _ := h.store.Load(ctx, inst.ID)

	res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "approve", Actor: user})
	assert.ErrorIs(t, err, domainwf.ErrPermissionDenied)
	require.NotNil(t, res)
	assert.Equal(t, entity.ExecutionFailed, res.Status)

	after, _ := h.store.Load(ctx, inst.ID)
	assert.Equal(t, before, after, "instance must be unchanged")
	assert.Len(t, h.history.transitions(inst.ID), 1, "no history for a denied action")
}

func TestExecuteAction_GateConsultedPerCandidate(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.Permissions = nil
	// Same action from a different source stays out of reach; the matching edge needs a capability
	tmpl.Edges = append([]domainwf.Edge{
		{ID: "e_other", Source: "n_new", Target: "n_done", Data: domainwf.EdgeData{Action: "approve"}},
	}, tmpl.Edges...)
	tmpl.Edges[2].Data.RequiredCapabilities = []string{"approver"}

	h := newHarness(tmpl)
	inst := startReview(t, h)
	ctx := context.Background()

	_, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.NoError(t, err)

	_, err = h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "approve", Actor: user})
	assert.ErrorIs(t, err, domainwf.ErrPermissionDenied)

	res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "approve", Actor: approver})
	require.NoError(t, err)
	assert.Equal(t, "e_approve", res.EdgeID)
}

func TestExecuteAction_FirstMatchWins(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.Permissions = nil
	tmpl.Edges = []domainwf.Edge{
		{ID: "e_small", Source: "n_new", Target: "n_done", Data: domainwf.EdgeData{Action: "decide", Condition: `tier == "small"`}},
		{ID: "e_any_1", Source: "n_new", Target: "n_review", Data: domainwf.EdgeData{Action: "decide"}},
		{ID: "e_any_2", Source: "n_new", Target: "n_cancelled", Data: domainwf.EdgeData{Action: "decide"}},
	}

	h := newHarness(tmpl)
	ctx := context.Background()

	a := startReview(t, h)
	res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: a.ID, Action: "decide", Actor: user, Data: map[string]any{"tier": "small"}})
	require.NoError(t, err)
	assert.Equal(t, "e_small", res.EdgeID)

	b := startReview(t, h)
	res, err = h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: b.ID, Action: "decide", Actor: user})
	require.NoError(t, err)
	assert.Equal(t, "e_any_1", res.EdgeID, "overlapping edges resolve in declaration order")
}

func TestExecuteAction_ConditionFailClosed(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.Permissions = nil
	tmpl.Edges = []domainwf.Edge{
		{ID: "e_missing", Source: "n_new", Target: "n_done", Data: domainwf.EdgeData{Action: "go", Condition: `vip == true`}},
		{ID: "e_broken", Source: "n_new", Target: "n_done", Data: domainwf.EdgeData{Action: "go", Condition: `vip = `}},
		{ID: "e_fallback", Source: "n_new", Target: "n_review", Data: domainwf.EdgeData{Action: "go", Condition: `amount == 120`}},
	}

	h := newHarness(tmpl)
	inst := startReview(t, h)

	res, err := h.engine.ExecuteAction(context.Background(), ActionRequest{InstanceID: inst.ID, Action: "go", Actor: user})
	require.NoError(t, err)
	assert.Equal(t, "e_fallback", res.EdgeID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "e_broken")
}

func TestExecuteAction_NoValidTransition(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.Edges[0].Data.Condition = `ready == true`

	h := newHarness(tmpl)
	inst := startReview(t, h)
	ctx := context.Background()

	_, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "fly", Actor: user})
	assert.ErrorIs(t, err, domainwf.ErrNoValidTransition)

	_, err = h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	assert.ErrorIs(t, err, domainwf.ErrNoValidTransition)

	res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user, Data: map[string]any{"ready": true}})
	require.NoError(t, err)
	assert.Equal(t, true, res.Instance.Data["ready"], "request data is merged on commit")
}

func TestExecuteAction_ConditionSeesEngineVariables(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.Edges[0].Data.Condition = `actor_id == "alice" and action == "submit"`

	h := newHarness(tmpl)
	inst := startReview(t, h)

	_, err := h.engine.ExecuteAction(context.Background(), ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: approver})
	assert.ErrorIs(t, err, domainwf.ErrNoValidTransition)

	_, err = h.engine.ExecuteAction(context.Background(), ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	assert.NoError(t, err)
}

func TestExecuteAction_TerminalIsMonotonic(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	_, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.NoError(t, err)
	_, err = h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "approve", Actor: approver})
	require.NoError(t, err)

	for _, action := range []string{"approve", "submit", domainwf.ActionTimeout} {
		_, err = h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: action, Actor: entity.SystemActor()})
		assert.ErrorIs(t, err, domainwf.ErrInvalidState, action)
	}
	_, err = h.engine.CancelWorkflow(ctx, inst.ID, admin, "")
	assert.ErrorIs(t, err, domainwf.ErrInvalidState)
}

func TestExecuteAction_TimeoutIsSystemOnly(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	_, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.NoError(t, err)

	_, err = h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: domainwf.ActionTimeout, Actor: admin})
	assert.ErrorIs(t, err, domainwf.ErrPermissionDenied)

	cur, _ := h.store.Load(ctx, inst.ID)
	assert.Equal(t, "review", cur.CurrentStateID)
}

func TestExecuteAction_InstanceNotFound(t *testing.T) {
	h := newHarness(reviewTemplate())
	_, err := h.engine.ExecuteAction(context.Background(), ActionRequest{InstanceID: 404, Action: "submit", Actor: user})
	assert.ErrorIs(t, err, domainwf.ErrInstanceNotFound)
}

func TestExecuteAction_ConflictLeavesNoTrace(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	// A concurrent writer bumps the version between load and update
	h.store.beforeUpdate = func(id int64) {
		h.store.beforeUpdate = nil
		cur, _ := h.store.Load(ctx, id)
		cur.Version++
		h.store.set(cur)
	}

	_, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	assert.ErrorIs(t, err, domainwf.ErrConflict)
	assert.Empty(t, h.history.transitions(inst.ID))

	cur, _ := h.store.Load(ctx, inst.ID)
	assert.Equal(t, "new", cur.CurrentStateID)
}

func TestExecuteAction_HistoryFailureRollsBack(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	h.history.appendErr = errors.New("disk full")
	_, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.Error(t, err)

	cur, _ := h.store.Load(ctx, inst.ID)
	assert.Equal(t, "new", cur.CurrentStateID, "state must roll back with history")
	assert.Equal(t, inst.Version, cur.Version)
}

func TestExecuteAction_PendingBecomesRunning(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	cur, _ := h.store.Load(ctx, inst.ID)
	cur.Status = domainwf.StatusPending
	h.store.set(cur)

	res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.NoError(t, err)
	assert.Equal(t, domainwf.StatusRunning, res.Instance.Status)
}

func TestExecuteAction_ArmsTimerAndWaits(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.Nodes = append(tmpl.Nodes, domainwf.Node{ID: "n_wait", Type: domainwf.NodeTimer, Data: domainwf.NodeData{StateID: "review", DurationSeconds: 3600}})
	tmpl.Edges[0].Target = "n_wait"
	tmpl.Edges = append(tmpl.Edges, domainwf.Edge{ID: "e_wait_timeout", Source: "n_wait", Target: "n_cancelled", Data: domainwf.EdgeData{Action: domainwf.ActionTimeout}})

	h := newHarness(tmpl)
	inst := startReview(t, h)

	res, err := h.engine.ExecuteAction(context.Background(), ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionWaiting, res.Status)
	assert.Equal(t, "review", res.Instance.CurrentStateID)
	require.NotNil(t, res.Instance.Deadline)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *res.Instance.Deadline)

	stored, _ := h.store.Load(context.Background(), inst.ID)
	assert.Equal(t, res.Instance.Deadline, stored.Deadline)
}

func TestExecuteAction_ServiceTask(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.Nodes = append(tmpl.Nodes,
		domainwf.Node{ID: "n_notify", Type: domainwf.NodeServiceTask, Data: domainwf.NodeData{StateID: "review", Service: "notify", Config: map[string]any{"to": "ops"}}},
		domainwf.Node{ID: "n_broken", Type: domainwf.NodeServiceTask, Data: domainwf.NodeData{StateID: "review", Service: "explode"}},
		domainwf.Node{ID: "n_unknown", Type: domainwf.NodeServiceTask, Data: domainwf.NodeData{StateID: "review", Service: "nobody"}},
	)
	tmpl.Permissions = nil
	tmpl.Edges = append(tmpl.Edges,
		domainwf.Edge{ID: "e_notify", Source: "n_new", Target: "n_notify", Data: domainwf.EdgeData{Action: "notify"}},
		domainwf.Edge{ID: "e_broken", Source: "n_new", Target: "n_broken", Data: domainwf.EdgeData{Action: "explode"}},
		domainwf.Edge{ID: "e_unknown", Source: "n_new", Target: "n_unknown", Data: domainwf.EdgeData{Action: "unknown"}},
	)

	h := newHarness(tmpl)
	h.registry.handlers["notify"] = func(inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error) {
		return entity.ActionOutput{"sent_to": config["to"]}, nil
	}
	h.registry.handlers["explode"] = func(*entity.WorkflowInstance, map[string]any) (entity.ActionOutput, error) {
		panic("boom")
	}
	ctx := context.Background()

	t.Run("output recorded", func(t *testing.T) {
		inst := startReview(t, h)
		res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "notify", Actor: user})
		require.NoError(t, err)
		assert.Equal(t, entity.ExecutionSuccess, res.Status)
		assert.Equal(t, "ops", res.Outputs["n_notify"]["sent_to"])
		assert.Empty(t, res.ActionErrors)
	})

	t.Run("panic isolated and transition kept", func(t *testing.T) {
		inst := startReview(t, h)
		res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "explode", Actor: user})
		require.NoError(t, err)
		require.Len(t, res.ActionErrors, 1)
		assert.Equal(t, "n_broken", res.ActionErrors[0].NodeID)
		assert.Contains(t, res.ActionErrors[0].Error, "panic")

		cur, _ := h.store.Load(ctx, inst.ID)
		assert.Equal(t, "review", cur.CurrentStateID)
		assert.Contains(t, h.publisher.types(), event.TypeActionFailed)
	})

	t.Run("unregistered service reported", func(t *testing.T) {
		inst := startReview(t, h)
		res, err := h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "unknown", Actor: user})
		require.NoError(t, err)
		require.Len(t, res.ActionErrors, 1)
		assert.Contains(t, res.ActionErrors[0].Error, "no handler registered")
	})
}

func TestAvailableActions(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	actions, err := h.engine.AvailableActions(ctx, inst.ID, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"submit"}, actions)

	_, err = h.engine.ExecuteAction(ctx, ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.NoError(t, err)

	actions, err = h.engine.AvailableActions(ctx, inst.ID, user)
	require.NoError(t, err)
	assert.Empty(t, actions, "approve needs a capability and timeout belongs to the scheduler")

	actions, err = h.engine.AvailableActions(ctx, inst.ID, approver)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve"}, actions)
}

func TestCancelWorkflow(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	ctx := context.Background()

	_, err := h.engine.CancelWorkflow(ctx, inst.ID, user, "")
	assert.ErrorIs(t, err, domainwf.ErrPermissionDenied)

	res, err := h.engine.CancelWorkflow(ctx, inst.ID, admin, "duplicate order")
	require.NoError(t, err)
	assert.Equal(t, domainwf.StatusCancelled, res.Instance.Status)
	assert.Equal(t, "new", res.Instance.CurrentStateID)
	assert.NotNil(t, res.Instance.CompletedAt)

	trans := h.history.transitions(inst.ID)
	require.Len(t, trans, 1)
	assert.Equal(t, domainwf.ActionCancel, trans[0].Action)
	assert.Equal(t, "duplicate order", trans[0].Comment)
	assert.Contains(t, h.publisher.types(), event.TypeInstanceCancelled)
}

func TestListInstances(t *testing.T) {
	h := newHarness(reviewTemplate())
	a := startReview(t, h)
	startReview(t, h)

	_, err := h.engine.CancelWorkflow(context.Background(), a.ID, admin, "")
	require.NoError(t, err)

	running, err := h.engine.ListInstances(context.Background(), entity.InstanceFilter{Status: domainwf.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestGetHistory_UnknownInstance(t *testing.T) {
	h := newHarness(reviewTemplate())
	_, err := h.engine.GetHistory(context.Background(), 7)
	assert.ErrorIs(t, err, domainwf.ErrInstanceNotFound)
}
