package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/event"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// inReview starts an instance and moves it to review
func inReview(t *testing.T, h *harness) *entity.WorkflowInstance {
	t.Helper()
	inst := startReview(t, h)
	res, err := h.engine.ExecuteAction(context.Background(), ActionRequest{InstanceID: inst.ID, Action: "submit", Actor: user})
	require.NoError(t, err)
	return res.Instance
}

func withDeadline(h *harness, inst *entity.WorkflowInstance, d time.Time) {
	cur, _ := h.store.Load(context.Background(), inst.ID)
	cur.Deadline = &d
	h.store.set(cur)
}

func resultsFor(results []entity.ProcessingResult, id int64) []entity.ProcessingResult {
	var out []entity.ProcessingResult
	for _, r := range results {
		if r.InstanceID == id {
			out = append(out, r)
		}
	}
	return out
}

func TestScheduler_FiresElapsedTimeoutOnce(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := inReview(t, h)
	withDeadline(h, inst, h.clock.Now().Add(-time.Second))
	s := h.scheduler()
	ctx := context.Background()

	results, err := s.ProcessPendingWorkflows(ctx)
	require.NoError(t, err)
	mine := resultsFor(results, inst.ID)
	require.Len(t, mine, 1)
	assert.Equal(t, entity.SweepTimerExecuted, mine[0].Result)
	assert.Equal(t, "cancelled", mine[0].Details["to_state"])

	cur, _ := h.store.Load(ctx, inst.ID)
	assert.Equal(t, "cancelled", cur.CurrentStateID)
	assert.Equal(t, domainwf.StatusCancelled, cur.Status)
	assert.Nil(t, cur.Deadline)

	trans := h.history.transitions(inst.ID)
	require.Len(t, trans, 2)
	assert.Equal(t, domainwf.ActionTimeout, trans[1].Action)
	assert.Equal(t, entity.SystemActorID, trans[1].UserID)

	results, err = s.ProcessPendingWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, resultsFor(results, inst.ID), "terminal instances are not swept")

	again, _ := h.store.Load(ctx, inst.ID)
	assert.Equal(t, cur, again)
	assert.Len(t, h.history.transitions(inst.ID), 2)
	assert.Contains(t, h.publisher.types(), event.TypeTimerFired)
}

func TestScheduler_FutureDeadlineIsNoAction(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := inReview(t, h)
	withDeadline(h, inst, h.clock.Now().Add(time.Minute))

	results, err := h.scheduler().ProcessPendingWorkflows(context.Background())
	require.NoError(t, err)
	mine := resultsFor(results, inst.ID)
	require.Len(t, mine, 1)
	assert.Equal(t, entity.SweepNoAction, mine[0].Result)

	h.clock.Advance(time.Minute)
	results, err = h.scheduler().ProcessPendingWorkflows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SweepTimerExecuted, resultsFor(results, inst.ID)[0].Result)
}

func TestScheduler_TimerArmedByNodeFires(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.Nodes = append(tmpl.Nodes, domainwf.Node{ID: "n_wait", Type: domainwf.NodeTimer, Data: domainwf.NodeData{StateID: "review", DurationSeconds: 60}})
	tmpl.Edges[0].Target = "n_wait"

	h := newHarness(tmpl)
	inst := inReview(t, h)
	require.NotNil(t, inst.Deadline)

	h.clock.Advance(2 * time.Minute)
	results, err := h.scheduler().ProcessPendingWorkflows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.SweepTimerExecuted, resultsFor(results, inst.ID)[0].Result)
}

func TestScheduler_NoTimeoutEdge(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := startReview(t, h)
	withDeadline(h, inst, h.clock.Now().Add(-time.Second))

	results, err := h.scheduler().ProcessPendingWorkflows(context.Background())
	require.NoError(t, err)
	mine := resultsFor(results, inst.ID)
	require.Len(t, mine, 1)
	assert.Equal(t, entity.SweepNoAction, mine[0].Result)

	cur, _ := h.store.Load(context.Background(), inst.ID)
	assert.Equal(t, "new", cur.CurrentStateID)
}

func TestScheduler_SLAViolation(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.SLAConfig = &domainwf.SLAConfig{MaxDurationHours: 1}

	h := newHarness(tmpl)
	inst := inReview(t, h)
	h.clock.Advance(2 * time.Hour)
	before, _ := h.store.Load(context.Background(), inst.ID)

	results, err := h.scheduler().ProcessPendingWorkflows(context.Background())
	require.NoError(t, err)

	mine := resultsFor(results, inst.ID)
	require.Len(t, mine, 2)
	assert.Equal(t, entity.SweepNoAction, mine[0].Result)
	assert.Equal(t, entity.SweepSLAViolation, mine[1].Result)
	assert.InDelta(t, 2.0, mine[1].Details["elapsed_hours"], 0.001)
	assert.Equal(t, 1.0, mine[1].Details["max_duration"])
	assert.Equal(t, true, mine[1].Details["escalation_required"])

	after, _ := h.store.Load(context.Background(), inst.ID)
	assert.Equal(t, before, after, "SLA checks never mutate")
	assert.Contains(t, h.publisher.types(), event.TypeSLAViolated)
}

func TestScheduler_WithinSLA(t *testing.T) {
	tmpl := reviewTemplate()
	tmpl.SLAConfig = &domainwf.SLAConfig{MaxDurationHours: 1}

	h := newHarness(tmpl)
	inst := inReview(t, h)
	h.clock.Advance(30 * time.Minute)

	results, err := h.scheduler().ProcessPendingWorkflows(context.Background())
	require.NoError(t, err)
	assert.Len(t, resultsFor(results, inst.ID), 1)
}

func TestScheduler_LostRaceIsSkipped(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := inReview(t, h)
	withDeadline(h, inst, h.clock.Now().Add(-time.Second))
	ctx := context.Background()

	// A user approves between the sweep's listing and its update
	h.store.beforeUpdate = func(id int64) {
		h.store.beforeUpdate = nil
		cur, _ := h.store.Load(ctx, id)
		cur.Deadline = nil
		cur.Version++
		h.store.set(cur)
	}

	results, err := h.scheduler().ProcessPendingWorkflows(ctx)
	require.NoError(t, err)
	mine := resultsFor(results, inst.ID)
	require.Len(t, mine, 1)
	assert.Equal(t, entity.SweepSkipped, mine[0].Result)
	assert.Len(t, h.history.transitions(inst.ID), 1)
}

func TestScheduler_ClearedDeadlineIsSkipped(t *testing.T) {
	h := newHarness(reviewTemplate())
	inst := inReview(t, h)
	withDeadline(h, inst, h.clock.Now().Add(-time.Second))
	ctx := context.Background()

	snapshot, _ := h.store.Load(ctx, inst.ID)
	cur := snapshot.Clone()
	cur.Deadline = nil
	h.store.set(cur)

	// The sweep works from a stale snapshot where the deadline was still set
	res, err := h.engine.FireTimeout(ctx, snapshot.ID, h.clock.Now())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errDeadlineNotElapsed)
	assert.Len(t, h.history.transitions(inst.ID), 1)
}

func TestScheduler_ConcurrentSweepsFireOnce(t *testing.T) {
	h := newHarness(reviewTemplate())
	var ids []int64
	for i := 0; i < 10; i++ {
		inst := inReview(t, h)
		withDeadline(h, inst, h.clock.Now().Add(-time.Second))
		ids = append(ids, inst.ID)
	}

	s := h.scheduler(WithBatchSize(3), WithConcurrency(4))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ProcessPendingWorkflows(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		timeouts := 0
		for _, h := range h.history.transitions(id) {
			if h.Action == domainwf.ActionTimeout {
				timeouts++
			}
		}
		assert.Equal(t, 1, timeouts, "instance %d", id)
	}
}

func TestScheduler_PagesThroughAllInstances(t *testing.T) {
	h := newHarness(reviewTemplate())
	for i := 0; i < 7; i++ {
		startReview(t, h)
	}

	results, err := h.scheduler(WithBatchSize(2)).ProcessPendingWorkflows(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 7)
	for i, r := range results {
		assert.Equal(t, int64(i+1), r.InstanceID, "results keep id order")
		assert.Equal(t, h.clock.Now(), r.ProcessedAt)
	}
}

func TestScheduler_TemplateErrorIsolated(t *testing.T) {
	h := newHarness(reviewTemplate())
	good := inReview(t, h)
	orphan := inReview(t, h)

	cur, _ := h.store.Load(context.Background(), orphan.ID)
	cur.TemplateID = 42
	h.store.set(cur)

	results, err := h.scheduler().ProcessPendingWorkflows(context.Background())
	require.NoError(t, err)

	assert.Equal(t, entity.SweepNoAction, resultsFor(results, good.ID)[0].Result)
	orphaned := resultsFor(results, orphan.ID)
	require.Len(t, orphaned, 2)
	assert.Equal(t, entity.SweepError, orphaned[1].Result)
	assert.NotEmpty(t, orphaned[1].Error)
}

type failingLister struct {
	*mockInstanceStore
}

func (f failingLister) ListNonTerminal(context.Context, int64, int) ([]*entity.WorkflowInstance, error) {
	return nil, errors.New("database locked")
}

func TestScheduler_ListFailureAborts(t *testing.T) {
	h := newHarness(reviewTemplate())
	s := NewScheduler(h.engine, failingLister{h.store}, h.templates, WithSchedulerClock(h.clock))

	_, err := s.ProcessPendingWorkflows(context.Background())
	assert.ErrorContains(t, err, "database locked")
}
