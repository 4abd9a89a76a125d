package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	storageConfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/local"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

type processorFunc func(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error)

func (f processorFunc) Run(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error) {
	return f(ctx, index, item)
}

func succeed(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error) {
	return &model.BatchItem{
		Index:          index,
		Input:          item.Input,
		Product:        model.ProductData{Title: item.Input["title"], Description: "d"},
		Classification: model.Classification{CategoryID: "1"},
	}, nil
}

func failBelow(n int) processorFunc {
	return func(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error) {
		if index < n {
			return nil, &retry.StepFailure{Step: "ClassificationTask", Class: exception.Fatal, Attempts: 1, Err: exception.NewValidationError("pipeline", "bad row")}
		}
		return succeed(ctx, index, item)
	}
}

func newConn(t *testing.T) storage.StorageConnection {
	t.Helper()
	conn, err := local.NewLocalAdapter(storageConfig.StorageConfig{Type: local.ProviderType, BaseDir: t.TempDir()}, "test")
	require.NoError(t, err)
	return conn
}

func writeCSV(t *testing.T, conn storage.StorageConnection, rows int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("title,description\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "item %d,desc %d\n", i, i)
	}
	require.NoError(t, conn.Upload(context.Background(), "input", "batch.csv", strings.NewReader(b.String()), "text/csv"))
}

func newExecutor(conn storage.StorageConnection, p ItemProcessor) *Executor {
	cfg := config.NewConfig().Onboarding.Fanout
	cfg.ResultsPerFile = 40
	return NewExecutor(conn, p, cfg, WithIDGenerator(func() string { return "run-1" }))
}

var request = Request{InputBucket: "input", InputKey: "batch.csv", ImagesPrefix: "exec-1", DestinationBucket: "output"}

func TestRunToleratesFourteenOfHundred(t *testing.T) {
	conn := newConn(t)
	writeCSV(t, conn, 100)

	ref, err := newExecutor(conn, failBelow(14)).Run(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "output", ref.ResultWriterDetails.Bucket)
	assert.Equal(t, "sfnResults/batch.csv/run-1/manifest.json", ref.ResultWriterDetails.Key)
	assert.Equal(t, 86, ref.Succeeded)
	assert.Equal(t, 14, ref.Failed)

	manifest, err := LoadManifest(context.Background(), conn, ref.ResultWriterDetails)
	require.NoError(t, err)
	assert.True(t, manifest.ToleratedFailure)
	assert.Equal(t, []string{"title", "description"}, manifest.Header)
	assert.Equal(t, 100, manifest.TotalItems)
	require.Len(t, manifest.ResultFiles.Succeeded, 3)
	require.Len(t, manifest.ResultFiles.Failed, 1)
	assert.Empty(t, manifest.ResultFiles.Pending)
	assert.Equal(t, "sfnResults/batch.csv/run-1/SUCCEEDED_0.json", manifest.ResultFiles.Succeeded[0].Key)

	failed := readResults(t, conn, manifest.ResultFiles.Failed[0].Key)
	require.Len(t, failed, 14)
	assert.Equal(t, "ClassificationTask", failed[0].FailedStep)
	assert.Equal(t, exception.ValidationErrorName, failed[0].Error)
	assert.Equal(t, "bad row", failed[0].Cause)
	assert.Equal(t, "exec-1", failed[0].Input.ImagesPrefix)
}

func TestRunFailsSixteenOfHundred(t *testing.T) {
	conn := newConn(t)
	writeCSV(t, conn, 100)

	ref, err := newExecutor(conn, failBelow(16)).Run(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrToleratedFailureExceeded)
	assert.Equal(t, exception.ToleratedFailureExceededName, exception.ErrorName(err))
	assert.Equal(t, 84, ref.Succeeded)

	manifest, err := LoadManifest(context.Background(), conn, ref.ResultWriterDetails)
	require.NoError(t, err)
	assert.False(t, manifest.ToleratedFailure)
	assert.Equal(t, 16, manifest.Failed)
}

func TestRunBoundsConcurrency(t *testing.T) {
	conn := newConn(t)
	writeCSV(t, conn, 60)

	var inFlight, peak int32
	p := processorFunc(func(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return succeed(ctx, index, item)
	})

	ref, err := newExecutor(conn, p).Run(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, 60, ref.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(20))
}

func TestRunMarksUnfinishedItemsPendingOnCancel(t *testing.T) {
	conn := newConn(t)
	writeCSV(t, conn, 50)

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	p := processorFunc(func(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error) {
		if index == 0 {
			return succeed(ctx, index, item)
		}
		once.Do(cancel)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ref, err := newExecutor(conn, p).Run(ctx, request)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 50, ref.Total)
	assert.Equal(t, 0, ref.Failed)
	assert.Equal(t, 50, ref.Succeeded+ref.Pending)
	assert.Positive(t, ref.Pending)
}

func readResults(t *testing.T, conn storage.StorageConnection, key string) []model.ItemResult {
	t.Helper()
	rc, err := conn.Download(context.Background(), "output", key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	var out []model.ItemResult
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}
