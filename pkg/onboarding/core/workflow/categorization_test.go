package workflow

import (
	"bytes"
	"context"
	"encoding/csv"
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
	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/statemachine"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/fanout"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/pipeline"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/reducer"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/semaphore"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/repository/inmemory"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// recordingSessions tracks every status written and how many sessions were RUNNING at once.
type recordingSessions struct {
	*inmemory.SessionStore
	mu         sync.Mutex
	history    map[string][]model.SessionStatus
	current    map[string]model.SessionStatus
	maxRunning int
}

func newRecordingSessions() *recordingSessions {
	return &recordingSessions{
		SessionStore: inmemory.NewSessionStore(),
		history:      make(map[string][]model.SessionStatus),
		current:      make(map[string]model.SessionStatus),
	}
}

func (r *recordingSessions) ConditionalUpdate(ctx context.Context, sessionID string, update repository.Update) error {
	if err := r.SessionStore.ConditionalUpdate(ctx, sessionID, update); err != nil {
		return err
	}
	status, ok := update.Set[repository.FieldStatus].(model.SessionStatus)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[sessionID] = append(r.history[sessionID], status)
	r.current[sessionID] = status
	running := 0
	for _, s := range r.current {
		if s == model.SessionRunning {
			running++
		}
	}
	if running > r.maxRunning {
		r.maxRunning = running
	}
	return nil
}

func (r *recordingSessions) History(sessionID string) []model.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SessionStatus(nil), r.history[sessionID]...)
}

type fakeRemote struct {
	generateCalls int32
	classifyErr   error
}

func (f *fakeRemote) Generate(ctx context.Context, req port.GenerateRequest) (model.ProductData, error) {
	atomic.AddInt32(&f.generateCalls, 1)
	return model.ProductData{Title: "Generated", Description: "From images"}, nil
}

func (f *fakeRemote) Predict(ctx context.Context, product model.ProductData) (model.MetaclassResult, error) {
	return model.MetaclassResult{Candidates: []string{"kitchen"}}, nil
}

func (f *fakeRemote) Classify(ctx context.Context, product model.ProductData, metaclass model.MetaclassResult, demo bool) (model.Classification, error) {
	if f.classifyErr != nil {
		return model.Classification{}, f.classifyErr
	}
	return model.Classification{CategoryID: "123", CategoryPath: "Home > Kitchen > Mugs", Explanation: "it is a mug"}, nil
}

func (f *fakeRemote) Extract(ctx context.Context, product model.ProductData, category model.Classification) ([]model.Attribute, error) {
	return []model.Attribute{{Name: "color", Value: "red"}}, nil
}

type fakeImages struct {
	mu       sync.Mutex
	prefixes []string
	archives []string
}

func (f *fakeImages) Extract(ctx context.Context, prefix, archiveKey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	f.archives = append(f.archives, archiveKey)
	return nil, nil
}

type harness struct {
	cfg      *config.Config
	conn     storage.StorageConnection
	sessions *recordingSessions
	store    *inmemory.ExecutionStore
	leases   repository.LeaseStore
	sem      *semaphore.Semaphore
	def      *statemachine.Definition
	interp   *statemachine.Interpreter
	images   *fakeImages
}

type harnessOption func(*config.Config)

func newHarness(t *testing.T, processor fanout.ItemProcessor, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessWithLeases(t, processor, inmemory.NewLeaseStore(), opts...)
}

func newHarnessWithLeases(t *testing.T, processor fanout.ItemProcessor, leases repository.LeaseStore, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Onboarding.Workflow.SemaphorePollInterval = 5 * time.Millisecond
	cfg.Onboarding.Workflow.SchedulerPollInterval = 5 * time.Millisecond
	for _, opt := range opts {
		opt(cfg)
	}

	conn, err := local.NewLocalAdapter(storageConfig.StorageConfig{Type: local.ProviderType, BaseDir: t.TempDir()}, "test")
	require.NoError(t, err)
	red, err := reducer.NewReducer(conn, cfg.Onboarding.Reducer)
	require.NoError(t, err)

	h := &harness{
		cfg:      cfg,
		conn:     conn,
		sessions: newRecordingSessions(),
		store:    inmemory.NewExecutionStore(),
		leases:   leases,
		sem:      semaphore.NewSemaphore(leases, cfg.Onboarding.Workflow),
		images:   &fakeImages{},
	}
	def, err := NewCategorization(Dependencies{
		Sessions:  h.sessions,
		Semaphore: h.sem,
		Fanout:    fanout.NewExecutor(conn, processor, cfg.Onboarding.Fanout),
		Reducer:   red,
		Images:    h.images,
	}, cfg.Onboarding.Workflow, cfg.Onboarding.Pipeline)
	require.NoError(t, err)
	h.def = def

	h.interp = statemachine.NewInterpreter(h.store, statemachine.WithSuspendThreshold(cfg.Onboarding.Retry.SuspendThreshold))
	h.interp.Register(def)
	return h
}

func newPipeline(remote *fakeRemote) *pipeline.Pipeline {
	runner := retry.NewRunner(retry.DefaultTable(), retry.WithSleeper(retry.SleeperFunc(func(context.Context, time.Duration) error { return nil })))
	c := pipeline.Collaborators{Generator: remote, Metaclass: remote, Classifier: remote, Attributes: remote}
	return pipeline.NewPipeline(c, runner, config.NewConfig().Onboarding.Pipeline)
}

// submit uploads csvBody and starts an execution for a new session.
func (h *harness) submit(t *testing.T, inputKey, imagesKey, csvBody string) (*model.Session, *model.Execution) {
	t.Helper()
	ctx := context.Background()
	bucket := h.cfg.Onboarding.Workflow.InputBucket
	require.NoError(t, h.conn.Upload(ctx, bucket, inputKey, strings.NewReader(csvBody), "text/csv"))

	session := model.NewSession(model.BatchInput{InputFile: inputKey, CompressedImagesFile: imagesKey}, time.Now())
	require.NoError(t, h.sessions.Create(ctx, session))
	doc, err := Input(model.NewBatchEvent(session.SessionID, bucket, inputKey, imagesKey))
	require.NoError(t, err)
	exec, err := h.interp.Start(ctx, h.cfg.Onboarding.Workflow.MachineName, doc)
	require.NoError(t, err)
	return session, exec
}

// run drives the execution until it terminates, resuming it whenever it suspends.
func (h *harness) run(t *testing.T, exec *model.Execution) *model.Execution {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		if _, err := h.interp.Resume(ctx, exec.ID, "test", time.Minute); err != nil {
			return false
		}
		saved, err := h.store.Get(ctx, exec.ID)
		return err == nil && saved.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	saved, err := h.store.Get(ctx, exec.ID)
	require.NoError(t, err)
	return saved
}

func (h *harness) assertLockFree(t *testing.T) {
	t.Helper()
	lease, err := h.sem.Get(context.Background(), h.cfg.Onboarding.Workflow.LockName)
	require.NoError(t, err)
	assert.Empty(t, lease.Holders)
}

func readArtifact(t *testing.T, conn storage.StorageConnection, bucket, key string) [][]string {
	t.Helper()
	rc, err := conn.Download(context.Background(), bucket, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRedMugGoesThroughTheWholeWorkflow(t *testing.T) {
	remote := &fakeRemote{}
	h := newHarness(t, newPipeline(remote))

	session, exec := h.submit(t, "batch1.csv", "batch1.zip", "title,description\nRed Mug,Ceramic mug\n")
	saved := h.run(t, exec)

	require.Equal(t, model.ExecutionSucceeded, saved.Status, "%s: %s", saved.Error, saved.Cause)
	assert.Equal(t, []string{exec.Name}, h.images.prefixes)
	assert.Equal(t, []string{"batch1.zip"}, h.images.archives)
	assert.EqualValues(t, 0, remote.generateCalls)

	stored, err := h.sessions.Get(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionSuccess, stored.Status)
	require.NotNil(t, stored.OutputKey)
	assert.Equal(t, "results/batch1.csv", *stored.OutputKey)
	assert.Nil(t, stored.Error)
	assert.Equal(t, []model.SessionStatus{model.SessionWaiting, model.SessionRunning, model.SessionSuccess}, h.sessions.History(session.SessionID))

	rows := readArtifact(t, h.conn, h.cfg.Onboarding.Workflow.OutputBucket, *stored.OutputKey)
	require.Len(t, rows, 2)
	header := rows[0]
	col := func(name string) string {
		for i, c := range header {
			if c == name {
				return rows[1][i]
			}
		}
		t.Fatalf("no column %q in %v", name, header)
		return ""
	}
	assert.Equal(t, "Red Mug", col("title"))
	assert.Equal(t, "Red Mug", col(model.ColumnTitleNew))
	assert.Equal(t, "123", col(model.ColumnCategoryNew))
	assert.JSONEq(t, `[{"name":"color","value":"red"}]`, col(model.ColumnAttributes))

	h.assertLockFree(t)
}

func TestSkipsImageExtractionWithoutArchive(t *testing.T) {
	h := newHarness(t, newPipeline(&fakeRemote{}))
	_, exec := h.submit(t, "batch2.csv", "", "title,description\nBlue Cup,Glass cup\n")
	saved := h.run(t, exec)

	assert.Equal(t, model.ExecutionSucceeded, saved.Status)
	assert.Empty(t, h.images.archives)
}

func TestFailedBatchRecordsErrorAndReleasesLock(t *testing.T) {
	remote := &fakeRemote{classifyErr: exception.NewOnboardingError("test", "no category fits", nil, exception.Fatal)}
	h := newHarness(t, newPipeline(remote))

	session, exec := h.submit(t, "batch3.csv", "", "title,description\nRed Mug,Ceramic mug\n")
	saved := h.run(t, exec)

	assert.Equal(t, model.ExecutionFailed, saved.Status)
	assert.Equal(t, exception.ToleratedFailureExceededName, saved.Error)
	assert.NotEmpty(t, saved.Cause)

	stored, err := h.sessions.Get(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionError, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, exception.ToleratedFailureExceededName, stored.Error.Error)
	assert.Nil(t, stored.OutputKey)
	assert.Equal(t, []model.SessionStatus{model.SessionWaiting, model.SessionRunning, model.SessionError}, h.sessions.History(session.SessionID))

	h.assertLockFree(t)
}

func TestStatusErrorFailureStillReleasesLock(t *testing.T) {
	h := newHarness(t, newPipeline(&fakeRemote{}))
	ctx := context.Background()
	bucket := h.cfg.Onboarding.Workflow.InputBucket
	require.NoError(t, h.conn.Upload(ctx, bucket, "orphan.csv", strings.NewReader("title,description\nA,B\n"), "text/csv"))

	// No session exists, so every status write fails.
	doc, err := Input(model.NewBatchEvent("missing-session", bucket, "orphan.csv", ""))
	require.NoError(t, err)
	exec, err := h.interp.Start(ctx, h.cfg.Onboarding.Workflow.MachineName, doc)
	require.NoError(t, err)
	saved := h.run(t, exec)

	assert.Equal(t, model.ExecutionFailed, saved.Status)
	assert.Equal(t, exception.SessionNotFoundName, saved.Error)
	assert.True(t, saved.Document.IsPresent(PathStatusError))
	h.assertLockFree(t)
}

// blockingProcessor holds every item until gate is closed and tracks concurrent fan-outs.
type blockingProcessor struct {
	gate    chan struct{}
	active  int32
	peak    int32
	started int32
}

func (p *blockingProcessor) Run(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error) {
	n := atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)
	atomic.AddInt32(&p.started, 1)
	for {
		peak := atomic.LoadInt32(&p.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&p.peak, peak, n) {
			break
		}
	}
	select {
	case <-p.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.BatchItem{
		Index:          index,
		Input:          item.Input,
		Product:        model.ProductData{Title: item.Input["title"], Description: item.Input["description"]},
		Classification: model.Classification{CategoryID: "1"},
	}, nil
}

func TestAtMostOneBatchRunsAtATime(t *testing.T) {
	processor := &blockingProcessor{gate: make(chan struct{})}
	h := newHarness(t, processor)
	body := "title,description\nRed Mug,Ceramic mug\n"
	first, _ := h.submit(t, "a.csv", "", body)
	second, _ := h.submit(t, "b.csv", "", body)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler := statemachine.NewScheduler(h.interp, h.store, h.cfg.Onboarding.Workflow)
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&processor.started) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		due, err := h.store.FindDue(context.Background(), time.Now().Add(time.Hour), 0)
		if err != nil {
			return false
		}
		for _, e := range due {
			if e.Status == model.ExecutionSuspended && e.CurrentState == StateAcquireSemaphore {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "the second execution waits at the semaphore")
	assert.EqualValues(t, 1, atomic.LoadInt32(&processor.started))

	close(processor.gate)
	require.Eventually(t, func() bool {
		for _, id := range []string{first.SessionID, second.SessionID} {
			s, err := h.sessions.Get(context.Background(), id)
			if err != nil || s.Status != model.SessionSuccess || s.OutputKey == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.sessions.maxRunning)
	assert.EqualValues(t, 1, processor.peak)
	h.assertLockFree(t)
}

func TestDefinitionStates(t *testing.T) {
	h := newHarness(t, newPipeline(&fakeRemote{}))
	def, ok := h.interp.Definition(h.cfg.Onboarding.Workflow.MachineName)
	require.True(t, ok)
	assert.Equal(t, StateDoExtractImages, def.StartAt)
	assert.ElementsMatch(t, []string{
		StateDoExtractImages, StateExtractImages, StateUpdateStatusWaiting, StateAcquireSemaphore,
		StateUpdateStatusRunning, StateCategorizationMap, StateReleaseSemaphore, StateCheckError,
		StateCsvReducer, StateUpdateStatusSuccess, StateUpdateOutputKey, StateUpdateStatusError,
		StateErrorSettingError, StateFail,
	}, def.StateNames())
}
