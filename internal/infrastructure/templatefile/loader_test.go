package templatefile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/workflow-engine/internal/domain/workflow"
)

const expenseYAML = `
name: expense
workflow_type: approval
nodes:
  - id: n_submitted
    type: start
    data:
      state_id: submitted
  - id: n_notify
    type: service_task
    data:
      state_id: review
      service: send_notification
      config:
        receive_id: ou_manager
        content: "Expense {{.Instance.ID}} needs review"
  - id: n_approved
    type: end
    data:
      state_id: approved
edges:
  - id: e_submit
    source: n_submitted
    target: n_notify
    data:
      action: submit
  - id: e_approve
    source: n_notify
    target: n_approved
    data:
      action: approve
      condition: "amount != 0"
permissions:
  approve: [manager]
sla_config:
  max_duration_hours: 48
is_active: true
`

func TestDecode_YAML(t *testing.T) {
	tmpl, err := Decode(strings.NewReader(expenseYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "expense", tmpl.Name)
	require.Len(t, tmpl.Nodes, 3)
	assert.Equal(t, "send_notification", tmpl.Nodes[1].Data.Service)
	assert.Equal(t, "ou_manager", tmpl.Nodes[1].Data.Config["receive_id"])
	assert.Equal(t, "amount != 0", tmpl.Edges[1].Data.Condition)
	assert.Equal(t, []string{"manager"}, tmpl.Permissions["approve"])
	require.NotNil(t, tmpl.SLAConfig)
	assert.Equal(t, 48.0, tmpl.SLAConfig.MaxDurationHours)
}

func TestDecode_RoundTripThroughJSON(t *testing.T) {
	tmpl, err := Decode(strings.NewReader(expenseYAML), FormatYAML)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tmpl, FormatJSON))

	again, err := Decode(&buf, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, tmpl.Nodes, again.Nodes)
	assert.Equal(t, tmpl.Edges, again.Edges)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "name: x\nnodez: []\n"},
		{"dangling edge", `
name: x
nodes:
  - {id: a, type: start, data: {state_id: s}}
edges:
  - {id: e, source: a, target: missing, data: {action: go}}
`},
		{"bad condition", `
name: x
nodes:
  - {id: a, type: start, data: {state_id: s}}
  - {id: b, type: end, data: {state_id: t}}
edges:
  - {id: e, source: a, target: b, data: {action: go, condition: "amount =="}}
`},
		{"not yaml", "::::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc), FormatYAML)
			assert.ErrorIs(t, err, workflow.ErrInvalidTemplate)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "expense.yml")
	require.NoError(t, os.WriteFile(path, []byte(expenseYAML), 0o600))

	tmpl, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expense", tmpl.Name)

	_, err = Load(filepath.Join(dir, "expense.toml"))
	assert.ErrorContains(t, err, "unsupported")

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
