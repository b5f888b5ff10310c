package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

func TestRegistry_BuiltinLog(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.True(t, r.Has(ServiceLog))
	out, err := r.Dispatch(context.Background(), ServiceLog, &entity.WorkflowInstance{ID: 1}, map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, true, out["logged"])
}

func TestRegistry_RegisterAndDispatch(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var gotConfig map[string]any
	r.Register("charge", func(ctx context.Context, inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error) {
		gotConfig = config
		return entity.ActionOutput{"charged": inst.Data["amount"]}, nil
	})

	out, err := r.Dispatch(context.Background(), "charge", &entity.WorkflowInstance{Data: map[string]any{"amount": 10}}, map[string]any{"currency": "EUR"})
	require.NoError(t, err)
	assert.Equal(t, 10, out["charged"])
	assert.Equal(t, "EUR", gotConfig["currency"])
	assert.Equal(t, []string{"charge", ServiceLog}, r.Services())
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("fail", func(context.Context, *entity.WorkflowInstance, map[string]any) (entity.ActionOutput, error) {
		return nil, errors.New("downstream unavailable")
	})

	_, err := r.Dispatch(context.Background(), "missing", &entity.WorkflowInstance{}, nil)
	assert.ErrorContains(t, err, "unknown service")

	_, err = r.Dispatch(context.Background(), "fail", &entity.WorkflowInstance{}, nil)
	assert.ErrorContains(t, err, "downstream unavailable")
}

func TestStringConfig(t *testing.T) {
	cfg := map[string]any{"a": "x", "b": 3, "c": ""}
	assert.Equal(t, "x", StringConfig(cfg, "a", "d"))
	assert.Equal(t, "d", StringConfig(cfg, "b", "d"))
	assert.Equal(t, "d", StringConfig(cfg, "c", "d"))
	assert.Equal(t, "d", StringConfig(nil, "a", "d"))
}
