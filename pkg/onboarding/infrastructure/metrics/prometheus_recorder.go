// Package metrics provides the Prometheus implementation of the orchestrator's MetricRecorder
// and the HTTP endpoint that exposes it.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	metrics "github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// PrometheusRecorder is a Prometheus implementation of the metrics.MetricRecorder interface.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	// Execution Metrics
	executionDurationSeconds *prometheus.HistogramVec
	executionStatusCounter   *prometheus.CounterVec

	// State Metrics
	stateDurationSeconds *prometheus.HistogramVec

	// Item Metrics
	itemOutcomeCounter *prometheus.CounterVec
	retryCounter       *prometheus.CounterVec

	// Semaphore Metrics
	semaphoreWaitCounter *prometheus.CounterVec
	semaphoreReapCounter *prometheus.CounterVec

	sessionStatusCounter *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()

	// Register Go standard metrics and process/OS metrics.
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		executionDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_execution_duration_seconds",
			Help:    "Duration of workflow executions from start to end.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"machine", "status"}),
		executionStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_execution_status_total",
			Help: "Total number of workflow executions by status.",
		}, []string{"machine", "status"}),
		stateDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboarding_state_duration_seconds",
			Help:    "Duration of one state of a workflow execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"machine", "state", "outcome"}),
		itemOutcomeCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_item_outcome_total",
			Help: "Total fan-out items by final status and failed step.",
		}, []string{"status", "failed_step"}),
		retryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_retry_total",
			Help: "Total scheduled retries by step and retry class.",
		}, []string{"step", "class"}),
		semaphoreWaitCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_semaphore_wait_total",
			Help: "Total acquisition attempts that found no free slot.",
		}, []string{"lock"}),
		semaphoreReapCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_semaphore_reaped_total",
			Help: "Total expired holders released by the reaper.",
		}, []string{"lock"}),
		sessionStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_session_status_total",
			Help: "Total session status transitions by target status.",
		}, []string{"status"}),
	}

	registry.MustRegister(r.executionDurationSeconds)
	registry.MustRegister(r.executionStatusCounter)
	registry.MustRegister(r.stateDurationSeconds)
	registry.MustRegister(r.itemOutcomeCounter)
	registry.MustRegister(r.retryCounter)
	registry.MustRegister(r.semaphoreWaitCounter)
	registry.MustRegister(r.semaphoreReapCounter)
	registry.MustRegister(r.sessionStatusCounter)

	return r
}

// GetRegistry returns the Prometheus registry.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusRecorder) RecordExecutionStart(ctx context.Context, execution *model.Execution) {
	r.executionStatusCounter.WithLabelValues(execution.MachineName, string(execution.Status)).Inc()
	logger.Debugf("Metrics: Execution '%s' started.", execution.Name)
}

func (r *PrometheusRecorder) RecordExecutionEnd(ctx context.Context, execution *model.Execution) {
	r.executionStatusCounter.WithLabelValues(execution.MachineName, string(execution.Status)).Inc()
	if execution.EndTime == nil {
		return
	}
	duration := execution.EndTime.Sub(execution.StartTime).Seconds()
	r.executionDurationSeconds.WithLabelValues(execution.MachineName, string(execution.Status)).Observe(duration)
	logger.Debugf("Metrics: Execution '%s' ended. Duration: %.3fs", execution.Name, duration)
}

func (r *PrometheusRecorder) RecordStateDuration(ctx context.Context, machine, state, outcome string, duration time.Duration) {
	r.stateDurationSeconds.WithLabelValues(machine, state, outcome).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordItemOutcome(ctx context.Context, status model.ItemStatus, failedStep string) {
	r.itemOutcomeCounter.WithLabelValues(string(status), failedStep).Inc()
}

func (r *PrometheusRecorder) RecordRetry(ctx context.Context, step, class string) {
	r.retryCounter.WithLabelValues(step, class).Inc()
}

func (r *PrometheusRecorder) RecordSemaphoreWait(ctx context.Context, lockName string) {
	r.semaphoreWaitCounter.WithLabelValues(lockName).Inc()
}

func (r *PrometheusRecorder) RecordSemaphoreReap(ctx context.Context, lockName string, count int) {
	r.semaphoreReapCounter.WithLabelValues(lockName).Add(float64(count))
}

func (r *PrometheusRecorder) RecordSessionStatus(ctx context.Context, status model.SessionStatus) {
	r.sessionStatusCounter.WithLabelValues(string(status)).Inc()
}

var _ metrics.MetricRecorder = (*PrometheusRecorder)(nil)
