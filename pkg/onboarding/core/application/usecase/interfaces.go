package usecase

import (
	"context"
	"time"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

// SessionService is the submission and query surface of batch sessions.
type SessionService interface {
	// CreateBatchExecution creates a QUEUED session for inputFile (and an optional image
	// archive) and starts its categorization execution.
	// When the execution cannot be started the session is marked ERROR and returned along
	// with the error.
	CreateBatchExecution(ctx context.Context, input model.BatchInput) (*model.Session, error)

	// GetBatchExecution returns the session with id. A SUCCESS session always carries its
	// output key.
	GetBatchExecution(ctx context.Context, sessionID string) (*model.Session, error)

	// ListBatchExecutions returns the sessions created within [start, end]. Both bounds are
	// optional ISO-8601 timestamps or dates.
	ListBatchExecutions(ctx context.Context, start, end string) ([]*model.Session, error)

	// DownloadURL returns a time-limited URL of an output artifact. A zero expiry uses the
	// configured default.
	DownloadURL(ctx context.Context, outputKey string, expiry time.Duration) (string, error)
}
