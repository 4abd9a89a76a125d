package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// statusOverloaded is returned by the API when the model is temporarily overloaded.
const statusOverloaded = 529

// mapError converts an SDK error into the retry taxonomy:
// 429 is rate limiting, 529 is downstream throttling, other 5xx and transport failures are
// generic retryable, every other status is fatal. Context errors are returned unchanged.
func mapError(step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return exception.NewRetryableError(step, "model call failed", err)
	}
	code := apiErr.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return exception.NewRateLimitError(step, "model call rate limited", err)
	case code == statusOverloaded:
		return exception.NewTooManyRequestsError(step, "model overloaded", err)
	case code >= http.StatusInternalServerError:
		return exception.NewRetryableError(step, fmt.Sprintf("model call failed with status %d", code), err)
	default:
		return exception.NewOnboardingError(step, fmt.Sprintf("model call rejected with status %d", code), err, exception.Fatal)
	}
}
