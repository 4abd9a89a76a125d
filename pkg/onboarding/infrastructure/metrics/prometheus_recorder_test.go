package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	ctx := context.Background()
	r := NewPrometheusRecorder()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	exec := &model.Execution{Name: "e1", MachineName: "CategorizationWorkflow", Status: model.ExecutionRunning, StartTime: start}
	r.RecordExecutionStart(ctx, exec)
	exec.Status = model.ExecutionSucceeded
	exec.EndTime = &end
	r.RecordExecutionEnd(ctx, exec)

	r.RecordItemOutcome(ctx, model.ItemSucceeded, "")
	r.RecordItemOutcome(ctx, model.ItemFailed, "ClassificationTask")
	r.RecordItemOutcome(ctx, model.ItemFailed, "ClassificationTask")
	r.RecordRetry(ctx, "GenerateProductTask", "RateLimited")
	r.RecordSemaphoreWait(ctx, "BatchProductOnboarding")
	r.RecordSemaphoreReap(ctx, "BatchProductOnboarding", 3)
	r.RecordSessionStatus(ctx, model.SessionRunning)
	r.RecordStateDuration(ctx, "CategorizationWorkflow", "CsvReducer", "next", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.executionStatusCounter.WithLabelValues("CategorizationWorkflow", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executionStatusCounter.WithLabelValues("CategorizationWorkflow", "SUCCEEDED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.itemOutcomeCounter.WithLabelValues(string(model.ItemFailed), "ClassificationTask")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retryCounter.WithLabelValues("GenerateProductTask", "RateLimited")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.semaphoreReapCounter.WithLabelValues("BatchProductOnboarding")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionStatusCounter.WithLabelValues("RUNNING")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.executionDurationSeconds))
}

func TestServerExposesRegistry(t *testing.T) {
	r := NewPrometheusRecorder()
	r.RecordSemaphoreWait(context.Background(), "BatchProductOnboarding")
	srv := NewServer(r, config.MetricsConfig{ListenAddress: ":0", Path: "/metrics"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `onboarding_semaphore_wait_total{lock="BatchProductOnboarding"} 1`)
}
