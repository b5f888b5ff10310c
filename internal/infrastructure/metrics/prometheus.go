// Package metrics exports engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appwf "github.com/garyjia/workflow-engine/internal/application/workflow"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// Default histogram buckets for transition and sweep durations (in seconds)
var defaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// PrometheusRecorder implements the engine Recorder on a private registry
type PrometheusRecorder struct {
	registry *prometheus.Registry

	instancesStarted   *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	rejections         *prometheus.CounterVec
	actionFailures     *prometheus.CounterVec
	sweepResults       *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	lastSweep          prometheus.Gauge
}

// NewPrometheusRecorder registers the engine collectors plus the Go and process collectors
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = "wfengine"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,

		instancesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_started_total",
				Help:      "Total number of workflow instances started",
			},
			[]string{"template_id"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of committed transitions",
			},
			[]string{"action", "status"},
		),

		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Time from action request to committed transition",
				Buckets:   defaultBuckets,
			},
			[]string{"action"},
		),

		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_rejected_total",
				Help:      "Total number of actions rejected before commit",
			},
			[]string{"action", "reason"},
		),

		actionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_actions_failed_total",
				Help:      "Total number of node entry side effects that failed after commit",
			},
			[]string{"service"},
		),

		sweepResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_results_total",
				Help:      "Per-instance scheduler sweep results",
			},
			[]string{"result"},
		),

		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of scheduler sweeps",
				Buckets:   defaultBuckets,
			},
		),

		lastSweep: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_sweep_timestamp_seconds",
				Help:      "Unix time the last sweep finished",
			},
		),
	}

	registry.MustRegister(
		r.instancesStarted,
		r.transitions,
		r.transitionDuration,
		r.rejections,
		r.actionFailures,
		r.sweepResults,
		r.sweepDuration,
		r.lastSweep,
	)
	return r
}

// InstanceStarted implements appwf.Recorder
func (r *PrometheusRecorder) InstanceStarted(templateID int64) {
	r.instancesStarted.WithLabelValues(strconv.FormatInt(templateID, 10)).Inc()
}

// TransitionCommitted implements appwf.Recorder.
// Actions are template-defined, so the label set stays bounded by the deployed templates.
func (r *PrometheusRecorder) TransitionCommitted(_ int64, action string, status workflow.Status, elapsed time.Duration) {
	r.transitions.WithLabelValues(action, status.String()).Inc()
	r.transitionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// ActionRejected implements appwf.Recorder
func (r *PrometheusRecorder) ActionRejected(action, reason string) {
	r.rejections.WithLabelValues(action, reason).Inc()
}

// ActionFailed implements appwf.Recorder
func (r *PrometheusRecorder) ActionFailed(service string) {
	r.actionFailures.WithLabelValues(service).Inc()
}

// SweepCompleted implements appwf.Recorder
func (r *PrometheusRecorder) SweepCompleted(results []entity.ProcessingResult, elapsed time.Duration) {
	for _, res := range results {
		r.sweepResults.WithLabelValues(string(res.Result)).Inc()
	}
	r.sweepDuration.Observe(elapsed.Seconds())
	r.lastSweep.SetToCurrentTime()
}

// Handler serves the registry in the Prometheus exposition format
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, for tests and extra collectors
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

var _ appwf.Recorder = (*PrometheusRecorder)(nil)
