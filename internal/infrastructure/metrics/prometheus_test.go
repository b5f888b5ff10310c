package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/workflow"
)

func TestPrometheusRecorder_Counts(t *testing.T) {
	r := NewPrometheusRecorder("test")

	r.InstanceStarted(4)
	r.InstanceStarted(4)
	r.TransitionCommitted(4, "approve", workflow.StatusCompleted, 20*time.Millisecond)
	r.ActionRejected("approve", "permission_denied")
	r.ActionFailed("service_task:send_notification")
	r.SweepCompleted([]entity.ProcessingResult{
		{Result: entity.SweepTimerExecuted},
		{Result: entity.SweepTimerExecuted},
		{Result: entity.SweepSLAViolation},
	}, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.instancesStarted.WithLabelValues("4")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("approve", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejections.WithLabelValues("approve", "permission_denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.actionFailures.WithLabelValues("service_task:send_notification")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.sweepResults.WithLabelValues("timer_executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sweepResults.WithLabelValues("sla_violation")))
	assert.Positive(t, testutil.ToFloat64(r.lastSweep))
}

func TestPrometheusRecorder_Handler(t *testing.T) {
	r := NewPrometheusRecorder("")
	r.InstanceStarted(1)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `wfengine_instances_started_total{template_id="1"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
