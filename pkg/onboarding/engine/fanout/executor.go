// Package fanout runs the per-item sub-pipeline over every row of a CSV with bounded
// concurrency and writes the outcome as JSON result files plus a manifest.
//
// Items are isolated: a failed item never aborts its siblings. The batch as a whole fails
// only when the share of failed items exceeds the tolerated failure percentage, and even then
// the manifest is written so successes are preserved.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	"github.com/tigerroll/onboarding/pkg/onboarding/component/csvsource"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	metrics "github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// ManifestName is the object name of the manifest inside a map run's result directory.
const ManifestName = "manifest.json"

// ItemProcessor runs the sub-pipeline for one item.
type ItemProcessor interface {
	Run(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error)
}

// Request describes one fan-out invocation.
type Request struct {
	InputBucket       string
	InputKey          string
	ImagesPrefix      string // ImagesPrefix is the execution name, passed to every item.
	DestinationBucket string
}

// Executor runs fan-outs.
type Executor struct {
	conn      storage.StorageExecutor
	processor ItemProcessor
	cfg       config.FanoutConfig
	recorder  metrics.MetricRecorder
	tracer    metrics.Tracer
	now       func() time.Time
	newID     func() string
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder sets the metric recorder.
func WithRecorder(r metrics.MetricRecorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithTracer sets the tracer.
func WithTracer(t metrics.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithIDGenerator replaces the map run id generator.
func WithIDGenerator(newID func() string) Option {
	return func(e *Executor) { e.newID = newID }
}

// NewExecutor creates an Executor.
func NewExecutor(conn storage.StorageExecutor, processor ItemProcessor, cfg config.FanoutConfig, opts ...Option) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ResultsPerFile <= 0 {
		cfg.ResultsPerFile = 1000
	}
	e := &Executor{
		conn:      conn,
		processor: processor,
		cfg:       cfg,
		recorder:  metrics.NewNoOpMetricRecorder(),
		tracer:    metrics.NewNoOpTracer(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResultDir returns "<result_prefix><inputKey>/<mapRunID>/".
func (e *Executor) ResultDir(inputKey, mapRunID string) string {
	return e.cfg.ResultPrefix + strings.TrimLeft(inputKey, "/") + "/" + mapRunID + "/"
}

// Run processes every row of the request's CSV.
//
// The returned ManifestRef is valid whenever the manifest was written, including when the
// error is ErrToleratedFailureExceeded. When ctx is cancelled, items not yet finished are
// recorded as PENDING, the manifest is still written, and ctx's error is returned.
func (e *Executor) Run(ctx context.Context, req Request) (model.ManifestRef, error) {
	mapRunID := e.newID()
	logger.Infof("Map run '%s' started for '%s/%s' (max concurrency %d).", mapRunID, req.InputBucket, req.InputKey, e.cfg.MaxConcurrency)

	// Reading must outlive cancellation so unstarted rows can be reported as PENDING.
	readCtx := context.WithoutCancel(ctx)
	reader, err := csvsource.NewSource(e.conn, req.InputBucket, req.InputKey).Open(readCtx)
	if err != nil {
		return model.ManifestRef{}, err
	}
	defer reader.Close()

	var (
		mu      sync.Mutex
		results []model.ItemResult
		wg      sync.WaitGroup
	)
	collect := func(r model.ItemResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		e.recorder.RecordItemOutcome(ctx, r.Status, r.FailedStep)
	}

	work := make(chan csvsource.Record)
	for w := 0; w < e.cfg.MaxConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				collect(e.runItem(ctx, mapRunID, req.ImagesPrefix, rec))
			}
		}()
	}

	var readErr error
	for {
		rec, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		if ctx.Err() != nil {
			collect(e.pending(mapRunID, req.ImagesPrefix, rec))
			continue
		}
		select {
		case work <- rec:
		case <-ctx.Done():
			collect(e.pending(mapRunID, req.ImagesPrefix, rec))
			continue
		}
	}
	close(work)
	wg.Wait()

	if readErr != nil {
		return model.ManifestRef{}, readErr
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	manifest, err := e.writeResults(readCtx, req, mapRunID, reader.Header(), results)
	if err != nil {
		return model.ManifestRef{}, err
	}
	ref := model.ManifestRef{
		ResultWriterDetails: model.ObjectRef{Bucket: req.DestinationBucket, Key: e.ResultDir(req.InputKey, mapRunID) + ManifestName},
		MapRunID:            mapRunID,
		Succeeded:           manifest.Succeeded,
		Failed:              manifest.Failed,
		Pending:             manifest.Pending,
		Total:               manifest.TotalItems,
	}
	logger.Infof("Map run '%s' finished: %d succeeded, %d failed, %d pending.", mapRunID, manifest.Succeeded, manifest.Failed, manifest.Pending)

	if err := ctx.Err(); err != nil {
		return ref, err
	}
	if !manifest.ToleratedFailure {
		msg := fmt.Sprintf("%d of %d items failed, above the tolerated %.0f%%", manifest.Failed, manifest.TotalItems, manifest.ToleratedFailurePercentage)
		return ref, exception.NewOnboardingError("fanout", msg, exception.ErrToleratedFailureExceeded, exception.Fatal).WithName(exception.ToleratedFailureExceededName)
	}
	return ref, nil
}

func (e *Executor) runItem(ctx context.Context, mapRunID, prefix string, rec csvsource.Record) model.ItemResult {
	ctx, end := e.tracer.StartItemSpan(ctx, mapRunID, rec.Index)
	defer end()

	input := model.ItemInput{ImagesPrefix: prefix, Input: rec.Row}
	result := model.ItemResult{
		Index:     rec.Index,
		Name:      model.ItemName(mapRunID, rec.Index),
		Input:     input,
		StartDate: e.now().UTC().Format(time.RFC3339Nano),
	}
	item, err := e.processor.Run(ctx, rec.Index, input)
	result.StopDate = e.now().UTC().Format(time.RFC3339Nano)
	switch {
	case err == nil:
		out := item.Output()
		result.Status = model.ItemSucceeded
		result.Output = &out
	case ctx.Err() != nil:
		result.Status = model.ItemPending
	default:
		e.tracer.RecordError(ctx, "fanout", err)
		result.Status = model.ItemFailed
		result.Error = exception.ErrorName(err)
		result.Cause = exception.ExtractErrorMessage(err)
		if failure, ok := retry.AsStepFailure(err); ok {
			result.FailedStep = failure.Step
			result.Class = failure.Class.String()
			result.Attempts = failure.Attempts
			result.Cause = exception.ExtractErrorMessage(failure.Err)
		}
		logger.Warnf("Item %d of map run '%s' failed at '%s': %s", rec.Index, mapRunID, result.FailedStep, result.Cause)
	}
	return result
}

func (e *Executor) pending(mapRunID, prefix string, rec csvsource.Record) model.ItemResult {
	return model.ItemResult{
		Index:  rec.Index,
		Name:   model.ItemName(mapRunID, rec.Index),
		Status: model.ItemPending,
		Input:  model.ItemInput{ImagesPrefix: prefix, Input: rec.Row},
	}
}

// writeResults writes result files grouped by status and the manifest that lists them.
func (e *Executor) writeResults(ctx context.Context, req Request, mapRunID string, header []string, results []model.ItemResult) (*model.ExecutionManifest, error) {
	dir := e.ResultDir(req.InputKey, mapRunID)
	byStatus := map[model.ItemStatus][]model.ItemResult{}
	for _, r := range results {
		byStatus[r.Status] = append(byStatus[r.Status], r)
	}

	manifest := &model.ExecutionManifest{
		MapRunID:                   mapRunID,
		DestinationBucket:          req.DestinationBucket,
		InputBucket:                req.InputBucket,
		InputKey:                   req.InputKey,
		Header:                     header,
		TotalItems:                 len(results),
		Succeeded:                  len(byStatus[model.ItemSucceeded]),
		Failed:                     len(byStatus[model.ItemFailed]),
		Pending:                    len(byStatus[model.ItemPending]),
		ToleratedFailurePercentage: e.cfg.ToleratedFailurePercentage,
		ResultFiles: model.ResultFiles{
			Succeeded: []model.ResultFile{},
			Failed:    []model.ResultFile{},
			Pending:   []model.ResultFile{},
		},
	}
	manifest.ToleratedFailure = !model.ExceedsTolerance(manifest.Failed, manifest.TotalItems, manifest.ToleratedFailurePercentage)

	var errs error
	for _, group := range []struct {
		status model.ItemStatus
		files  *[]model.ResultFile
	}{
		{model.ItemSucceeded, &manifest.ResultFiles.Succeeded},
		{model.ItemFailed, &manifest.ResultFiles.Failed},
		{model.ItemPending, &manifest.ResultFiles.Pending},
	} {
		items := byStatus[group.status]
		for n := 0; n*e.cfg.ResultsPerFile < len(items); n++ {
			end := (n + 1) * e.cfg.ResultsPerFile
			if end > len(items) {
				end = len(items)
			}
			key := path.Join(dir, fmt.Sprintf("%s_%d.json", group.status, n))
			size, err := e.putJSON(ctx, req.DestinationBucket, key, items[n*e.cfg.ResultsPerFile:end])
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			*group.files = append(*group.files, model.ResultFile{Key: key, Size: size})
		}
	}
	if errs != nil {
		return nil, exception.NewOnboardingError("fanout", fmt.Sprintf("failed to write result files of map run '%s'", mapRunID), errs, exception.GenericRetryable)
	}

	if _, err := e.putJSON(ctx, req.DestinationBucket, dir+ManifestName, manifest); err != nil {
		return nil, exception.NewOnboardingError("fanout", fmt.Sprintf("failed to write manifest of map run '%s'", mapRunID), err, exception.GenericRetryable)
	}
	return manifest, nil
}

func (e *Executor) putJSON(ctx context.Context, bucket, key string, v interface{}) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	if err := e.conn.Upload(ctx, bucket, key, bytes.NewReader(data), "application/json"); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// LoadManifest reads the manifest ref points at.
func LoadManifest(ctx context.Context, conn storage.StorageExecutor, ref model.ObjectRef) (*model.ExecutionManifest, error) {
	body, err := conn.Download(ctx, ref.Bucket, ref.Key)
	if err != nil {
		return nil, exception.NewOnboardingError("fanout", fmt.Sprintf("failed to download manifest '%s'", ref.Key), err, exception.GenericRetryable)
	}
	defer body.Close()
	var manifest model.ExecutionManifest
	if err := json.NewDecoder(body).Decode(&manifest); err != nil {
		return nil, exception.NewOnboardingError("fanout", fmt.Sprintf("malformed manifest '%s'", ref.Key), err, exception.Fatal)
	}
	return &manifest, nil
}
