package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// QueueFailedMessage is recorded on a session whose execution could not be started.
const QueueFailedMessage = "Failed to queue the execution"

const outputKeyPath = "$.output.Key"

// DefaultSessionService implements SessionService over the session and execution stores.
type DefaultSessionService struct {
	sessions   repository.SessionStore
	executions repository.ExecutionStore
	starter    port.ExecutionStarter
	conn       storage.StorageExecutor
	workflow   config.WorkflowConfig
	cfg        config.SessionConfig
	now        func() time.Time
}

var _ SessionService = (*DefaultSessionService)(nil)

// NewDefaultSessionService creates the service. conn must implement storage.Presigner for
// DownloadURL to work.
func NewDefaultSessionService(
	sessions repository.SessionStore,
	executions repository.ExecutionStore,
	starter port.ExecutionStarter,
	conn storage.StorageExecutor,
	cfg *config.Config,
) *DefaultSessionService {
	return &DefaultSessionService{
		sessions:   sessions,
		executions: executions,
		starter:    starter,
		conn:       conn,
		workflow:   cfg.Onboarding.Workflow,
		cfg:        cfg.Onboarding.Session,
		now:        time.Now,
	}
}

func (s *DefaultSessionService) CreateBatchExecution(ctx context.Context, input model.BatchInput) (*model.Session, error) {
	if input.InputFile == "" {
		return nil, exception.NewValidationError("usecase", "Missing input file")
	}
	session := model.NewSession(input, s.now())
	if err := s.sessions.Create(ctx, session); err != nil {
		if exception.IsConditionFailed(err) {
			return nil, exception.NewValidationError("usecase", "Session already exists")
		}
		return nil, err
	}

	event := model.NewBatchEvent(session.SessionID, s.workflow.InputBucket, input.InputFile, input.CompressedImagesFile)
	arn, err := s.starter.StartExecution(ctx, event)
	if err != nil {
		logger.Errorf("Error starting execution for session '%s': %v", session.SessionID, err)
		info := model.ErrorInfo{Error: QueueFailedMessage, Cause: exception.ExtractErrorMessage(err)}
		if uerr := s.sessions.ConditionalUpdate(ctx, session.SessionID, repository.ErrorStatusUpdate(info, s.now())); uerr != nil {
			logger.Errorf("Failed to record the queue failure of session '%s': %v", session.SessionID, uerr)
		}
		session.Status = model.SessionError
		session.Error = &info
		return session, exception.NewOnboardingError("usecase", "Error starting execution", err, exception.GenericRetryable)
	}

	if err := s.sessions.ConditionalUpdate(ctx, session.SessionID, repository.ExecutionArnUpdate(arn, s.now())); err != nil {
		logger.Errorf("Failed to update session '%s' with running execution '%s': %v", session.SessionID, arn, err)
	} else {
		session.ExecutionArn = arn
	}
	logger.Infof("Started execution '%s' for session '%s'.", arn, session.SessionID)
	return session, nil
}

func (s *DefaultSessionService) GetBatchExecution(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, exception.NewValidationError("usecase", "Missing executionId")
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionSuccess || session.OutputKey != nil {
		return session, nil
	}

	// The execution writes outputKey after SUCCESS; fall back to its recorded output.
	executions, err := s.executions.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, execution := range executions {
		if execution.Status != model.ExecutionSucceeded {
			continue
		}
		if key := execution.Document.GetString(outputKeyPath); key != "" {
			session.OutputKey = &key
			return session, nil
		}
	}
	return nil, exception.NewOnboardingError("usecase",
		fmt.Sprintf("output key not found in successful session '%s'", sessionID), repository.ErrSessionNotFound, exception.Fatal)
}

func (s *DefaultSessionService) ListBatchExecutions(ctx context.Context, start, end string) ([]*model.Session, error) {
	from, to, err := ParseDateRange(start, end, s.now(), s.cfg.MaxDays)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Listing sessions created between %s and %s.", from.Format(time.RFC3339), to.Format(time.RFC3339))
	return s.sessions.List(ctx, model.SessionType, from, to)
}

func (s *DefaultSessionService) DownloadURL(ctx context.Context, outputKey string, expiry time.Duration) (string, error) {
	if outputKey == "" {
		return "", exception.NewValidationError("usecase", "Invalid request format")
	}
	presigner, ok := s.conn.(storage.Presigner)
	if !ok {
		return "", exception.NewOnboardingErrorf("usecase", "storage connection cannot presign URLs")
	}
	if expiry <= 0 {
		expiry = s.cfg.DownloadExpiry
	}
	url, err := presigner.PresignGet(ctx, s.workflow.OutputBucket, outputKey, expiry)
	if err != nil {
		return "", exception.NewOnboardingError("usecase", "Error generating presigned URL", err, exception.GenericRetryable)
	}
	return url, nil
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrSessionNotFound)
}
