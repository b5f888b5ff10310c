package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/garyjia/workflow-engine/internal/domain/workflow"
)

func TestWorkflowInstance_MergeData(t *testing.T) {
	inst := &WorkflowInstance{Data: map[string]any{"a": 1, "nested": map[string]any{"x": 1}}}

	inst.MergeData(map[string]any{"a": 2, "nested": map[string]any{"y": 2}, "b": "new"})

	assert.Equal(t, 2, inst.Data["a"])
	assert.Equal(t, "new", inst.Data["b"])
	assert.Equal(t, map[string]any{"y": 2}, inst.Data["nested"], "merge is shallow")
}

func TestWorkflowInstance_MergeData_NilData(t *testing.T) {
	inst := &WorkflowInstance{}
	inst.MergeData(map[string]any{"k": "v"})
	assert.Equal(t, "v", inst.Data["k"])
}

func TestWorkflowInstance_DeadlineElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&WorkflowInstance{}).DeadlineElapsed(now))
	assert.True(t, (&WorkflowInstance{Deadline: &past}).DeadlineElapsed(now))
	assert.True(t, (&WorkflowInstance{Deadline: &now}).DeadlineElapsed(now))
	assert.False(t, (&WorkflowInstance{Deadline: &future}).DeadlineElapsed(now))
}

func TestWorkflowInstance_Clone(t *testing.T) {
	d := time.Now()
	orig := &WorkflowInstance{ID: 1, Data: map[string]any{"k": "v"}, ActiveNodes: []string{"n1"}, Deadline: &d}

	c := orig.Clone()
	c.Data["k"] = "changed"
	c.ActiveNodes[0] = "n2"
	*c.Deadline = d.Add(time.Hour)

	assert.Equal(t, "v", orig.Data["k"])
	assert.Equal(t, "n1", orig.ActiveNodes[0])
	assert.Equal(t, d, *orig.Deadline)
}

func TestWorkflowInstance_Finish(t *testing.T) {
	d := time.Now()
	inst := &WorkflowInstance{Status: workflow.StatusRunning, Deadline: &d, ActiveNodes: []string{"n"}}

	inst.Finish(workflow.StatusCancelled, d)

	assert.True(t, inst.IsTerminal())
	assert.Nil(t, inst.Deadline)
	assert.Equal(t, []string{"n"}, inst.ActiveNodes)
	assert.NotNil(t, inst.CompletedAt)
}

func TestActor_Has(t *testing.T) {
	a := Actor{ID: "u1", Capabilities: []string{"workflow:approve"}}
	assert.True(t, a.Has("workflow:approve"))
	assert.False(t, a.Has("workflow:cancel"))
	assert.True(t, SystemActor().System)
}
