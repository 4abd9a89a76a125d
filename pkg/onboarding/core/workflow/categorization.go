// Package workflow defines the categorization workflow: image extraction, status
// transitions, the semaphore-guarded fan-out over the CSV, reduction to one artifact and
// error capture, expressed as a statemachine.Definition.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	metrics "github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/statemachine"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/fanout"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/reducer"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/semaphore"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// State names of the categorization workflow.
const (
	StateDoExtractImages     = "DoExtractImages?"
	StateExtractImages       = "ExtractImagesTask"
	StateUpdateStatusWaiting = "UpdateStatusWaiting"
	StateAcquireSemaphore    = "AcquireSemaphore"
	StateUpdateStatusRunning = "UpdateStatusRunning"
	StateCategorizationMap   = "CategorizationMap"
	StateReleaseSemaphore    = "ReleaseSemaphore"
	StateCheckError          = "CheckError"
	StateCsvReducer          = "CsvReducer"
	StateUpdateStatusSuccess = "UpdateStatusSuccess"
	StateUpdateOutputKey     = "UpdateOutputKey"
	StateUpdateStatusError   = "UpdateStatusError"
	StateErrorSettingError   = "Error Setting Error"
	StateFail                = "Fail"
)

// Document paths written by the workflow.
const (
	PathError        = "$.error"
	PathStatusError  = "$.statusError"
	PathReleaseError = "$.releaseError"
	PathMapOutput    = "$.mapOutput"
	PathOutput       = "$.output"
	pathImagesKey    = "$.images_key"
	pathSessionID    = "$.session_id"
	pathInputBucket  = "$.detail.bucket.name"
	pathInputKey     = "$.detail.object.key"
	pathOutputKey    = "$.output.Key"
	pathErrorName    = "$.error.Error"
	pathErrorCause   = "$.error.Cause"
)

// Dependencies are the components the workflow's tasks call.
type Dependencies struct {
	Sessions  repository.SessionStore
	Semaphore *semaphore.Semaphore
	Fanout    *fanout.Executor
	Reducer   *reducer.Reducer
	Images    port.ImageExtractor
	// Retry governs store and storage failures of the bookkeeping tasks.
	Retry    *retry.Table
	Recorder metrics.MetricRecorder
	Now      func() time.Time
}

type categorization struct {
	deps     Dependencies
	workflow config.WorkflowConfig
	pipeline config.PipelineConfig
}

// Input converts a batch event into the initial document of an execution.
func Input(event model.BatchEvent) (model.Document, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	doc := model.Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// NewCategorization builds the categorization definition named cfg.MachineName.
//
// Every task from UpdateStatusWaiting on routes its failure to UpdateStatusError with the
// failure at $.error, which records the session error and continues through ReleaseSemaphore,
// so the semaphore is released on every path before the execution fails.
func NewCategorization(deps Dependencies, cfg config.WorkflowConfig, pcfg config.PipelineConfig) (*statemachine.Definition, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Retry == nil {
		deps.Retry = retry.DefaultTable()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NewNoOpMetricRecorder()
	}
	c := &categorization{deps: deps, workflow: cfg, pipeline: pcfg}

	onError := []statemachine.CatchRule{{ResultPath: PathError, Next: StateUpdateStatusError}}
	guarded := statemachine.Policies{Retry: deps.Retry, Catch: onError}

	return statemachine.NewDefinition(cfg.MachineName, StateDoExtractImages,
		&statemachine.ChoiceState{
			StateName: StateDoExtractImages,
			Choices:   []statemachine.ChoiceRule{{Condition: statemachine.IsPresent(pathImagesKey), Next: StateExtractImages}},
			Default:   StateUpdateStatusWaiting,
		},
		&statemachine.TaskState{
			StateName: StateExtractImages,
			Run:       c.extractImages,
			NextState: StateUpdateStatusWaiting,
			Timeout:   pcfg.ImagesTimeout,
			Policies:  statemachine.Policies{Retry: retry.AnyErrorTable(time.Second, 2, 2)},
		},
		&statemachine.TaskState{
			StateName: StateUpdateStatusWaiting,
			Run:       c.updateStatus(model.SessionWaiting),
			NextState: StateAcquireSemaphore,
			Policies:  guarded,
		},
		&statemachine.TaskState{
			StateName: StateAcquireSemaphore,
			Run:       c.acquire,
			NextState: StateUpdateStatusRunning,
			Policies:  guarded,
		},
		&statemachine.TaskState{
			StateName: StateUpdateStatusRunning,
			Run:       c.updateStatus(model.SessionRunning),
			NextState: StateCategorizationMap,
			Policies:  guarded,
		},
		&statemachine.MapState{
			StateName:  StateCategorizationMap,
			Runner:     c.categorize,
			ResultPath: PathMapOutput,
			NextState:  StateReleaseSemaphore,
			Policies:   statemachine.Policies{Retry: leaseRetry(cfg), Catch: onError},
		},
		&statemachine.TaskState{
			StateName: StateReleaseSemaphore,
			Run:       c.release,
			NextState: StateCheckError,
			Policies: statemachine.Policies{
				Retry: deps.Retry,
				Catch: []statemachine.CatchRule{{ResultPath: PathReleaseError, Next: StateCheckError}},
			},
		},
		&statemachine.ChoiceState{
			StateName: StateCheckError,
			Choices:   []statemachine.ChoiceRule{{Condition: statemachine.IsPresent(PathError), Next: StateFail}},
			Default:   StateCsvReducer,
		},
		&statemachine.TaskState{
			StateName:  StateCsvReducer,
			Run:        c.reduce,
			ResultPath: PathOutput,
			NextState:  StateUpdateStatusSuccess,
			Policies:   guarded,
		},
		&statemachine.TaskState{
			StateName: StateUpdateStatusSuccess,
			Run:       c.updateStatus(model.SessionSuccess),
			NextState: StateUpdateOutputKey,
			Policies:  guarded,
		},
		&statemachine.TaskState{
			StateName: StateUpdateOutputKey,
			Run:       c.updateOutputKey,
			End:       true,
			Policies:  guarded,
		},
		&statemachine.TaskState{
			StateName: StateUpdateStatusError,
			Run:       c.updateStatusError,
			NextState: StateReleaseSemaphore,
			Policies: statemachine.Policies{
				Retry: deps.Retry,
				Catch: []statemachine.CatchRule{{ResultPath: PathStatusError, Next: StateErrorSettingError}},
			},
		},
		&statemachine.PassState{StateName: StateErrorSettingError, NextState: StateReleaseSemaphore},
		&statemachine.FailState{StateName: StateFail, ErrorPath: pathErrorName, CausePath: pathErrorCause},
	)
}

// leaseLostRetries bounds how often a fan-out that lost its slot is started over.
const leaseLostRetries = 3

// leaseRetry retries a fan-out that lost its semaphore slot and gives up on every other failure.
func leaseRetry(cfg config.WorkflowConfig) *retry.Table {
	return retry.NewTable([]retry.Policy{
		{
			Class:       exception.GenericRetryable,
			ErrorEquals: []string{exception.LeaseLostName},
			Interval:    cfg.SemaphorePollInterval,
			BackoffRate: 1,
			MaxAttempts: leaseLostRetries,
		},
		{Class: exception.Fatal, ErrorEquals: []string{exception.AllErrorsName}},
	})
}

func (c *categorization) execution(ctx context.Context) statemachine.ExecutionInfo {
	info, _ := statemachine.ExecutionFromContext(ctx)
	return info
}

func (c *categorization) extractImages(ctx context.Context, in model.Document) (interface{}, error) {
	if c.deps.Images == nil {
		return nil, exception.NewOnboardingErrorf("workflow", "no image extractor is configured")
	}
	keys, err := c.deps.Images.Extract(ctx, c.execution(ctx).Name, in.GetString(pathImagesKey))
	if err != nil {
		return nil, err
	}
	logger.Infof("Extracted %d images for execution '%s'.", len(keys), c.execution(ctx).Name)
	return nil, nil
}

func (c *categorization) updateStatus(status model.SessionStatus) statemachine.TaskFunc {
	return func(ctx context.Context, in model.Document) (interface{}, error) {
		if err := c.deps.Sessions.ConditionalUpdate(ctx, in.GetString(pathSessionID), repository.StatusUpdate(status, c.deps.Now())); err != nil {
			return nil, err
		}
		c.deps.Recorder.RecordSessionStatus(ctx, status)
		return nil, nil
	}
}

func (c *categorization) updateStatusError(ctx context.Context, in model.Document) (interface{}, error) {
	var info model.ErrorInfo
	if err := in.Decode(PathError, &info); err != nil {
		return nil, exception.NewOnboardingError("workflow", "execution has no error to record", err, exception.Fatal)
	}
	if err := c.deps.Sessions.ConditionalUpdate(ctx, in.GetString(pathSessionID), repository.ErrorStatusUpdate(info, c.deps.Now())); err != nil {
		return nil, err
	}
	c.deps.Recorder.RecordSessionStatus(ctx, model.SessionError)
	return nil, nil
}

func (c *categorization) updateOutputKey(ctx context.Context, in model.Document) (interface{}, error) {
	key := in.GetString(pathOutputKey)
	if key == "" {
		return nil, exception.NewOnboardingErrorf("workflow", "reducer output has no key")
	}
	sessionID := in.GetString(pathSessionID)
	err := c.deps.Sessions.ConditionalUpdate(ctx, sessionID, repository.OutputKeyUpdate(key))
	if err == nil || !exception.IsConditionFailed(err) {
		return nil, err
	}
	// A successful session whose key is already set keeps it; this write lost the race.
	session, getErr := c.deps.Sessions.Get(ctx, sessionID)
	if getErr != nil {
		return nil, err
	}
	if session.Status == model.SessionSuccess && session.OutputKey != nil {
		logger.Warnf("Session '%s' already has output key '%s'; execution '%s' keeps it instead of '%s'.",
			sessionID, *session.OutputKey, c.execution(ctx).Name, key)
		return nil, nil
	}
	return nil, err
}

// acquire suspends the execution until a slot of the semaphore is free.
func (c *categorization) acquire(ctx context.Context, in model.Document) (interface{}, error) {
	name := c.execution(ctx).Name
	ok, err := c.deps.Semaphore.TryAcquire(ctx, c.workflow.LockName, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, statemachine.SuspendUntil(c.deps.Now().Add(c.workflow.SemaphorePollInterval), "waiting for '"+c.workflow.LockName+"'")
	}
	logger.Infof("Execution '%s' acquired '%s'.", name, c.workflow.LockName)
	return nil, nil
}

func (c *categorization) release(ctx context.Context, in model.Document) (interface{}, error) {
	name := c.execution(ctx).Name
	if err := c.deps.Semaphore.Release(ctx, c.workflow.LockName, name); err != nil {
		logger.Warnf("Execution '%s' failed to release '%s'; the reaper reclaims the slot once its lease expires: %v",
			name, c.workflow.LockName, err)
		return nil, err
	}
	return nil, nil
}

// categorize runs the fan-out while keeping the semaphore lease alive. A lost lease stops the
// fan-out and fails the state with LeaseLostName.
func (c *categorization) categorize(ctx context.Context, in model.Document) (interface{}, error) {
	name := c.execution(ctx).Name
	held, err := c.deps.Semaphore.Renew(ctx, c.workflow.LockName, name)
	if err != nil {
		return nil, err
	}
	if !held {
		// The lease expired while the execution was not being driven.
		if held, err = c.deps.Semaphore.TryAcquire(ctx, c.workflow.LockName, name); err != nil {
			return nil, err
		}
		if !held {
			return nil, statemachine.SuspendUntil(c.deps.Now().Add(c.workflow.SemaphorePollInterval), "reacquiring '"+c.workflow.LockName+"'")
		}
	}
	guarded, stop := c.deps.Semaphore.Hold(ctx, c.workflow.LockName, name)
	ref, err := c.deps.Fanout.Run(guarded, fanout.Request{
		InputBucket:       in.GetString(pathInputBucket),
		InputKey:          in.GetString(pathInputKey),
		ImagesPrefix:      name,
		DestinationBucket: c.workflow.OutputBucket,
	})
	stop()
	if err != nil {
		if cause := context.Cause(guarded); ctx.Err() == nil && errors.Is(cause, exception.ErrLeaseLost) {
			return nil, cause
		}
		return nil, err
	}
	return ref, nil
}

func (c *categorization) reduce(ctx context.Context, in model.Document) (interface{}, error) {
	var ref model.ManifestRef
	if err := in.Decode(PathMapOutput, &ref); err != nil {
		return nil, exception.NewOnboardingError("workflow", "execution has no map output", err, exception.Fatal)
	}
	return c.deps.Reducer.Reduce(ctx, ref.ResultWriterDetails)
}
