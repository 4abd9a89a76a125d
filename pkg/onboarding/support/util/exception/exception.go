// Package exception provides the error types shared by the onboarding orchestrator.
// Every failure that crosses a component boundary is an *OnboardingError carrying the module
// it came from, a retry classification, and an optional error name. The error name is what
// retry tables and catch rules match against, and what ends up in a session's {Error, Cause}.
package exception

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Classification is the retry class of a failure.
type Classification int

const (
	// Fatal failures are never retried.
	Fatal Classification = iota
	// GenericRetryable covers transient remote errors, malformed model output and timeouts.
	GenericRetryable
	// RateLimited covers upstream model throttling.
	RateLimited
	// DownstreamThrottling covers worker-pool exhaustion on the callee side.
	DownstreamThrottling
)

var classificationNames = map[Classification]string{
	Fatal:                "Fatal",
	GenericRetryable:     "GenericRetryable",
	RateLimited:          "RateLimited",
	DownstreamThrottling: "DownstreamThrottling",
}

// String returns the name of the classification.
func (c Classification) String() string {
	if name, ok := classificationNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// ParseClassification parses a classification name (case-insensitive).
func ParseClassification(name string) (Classification, error) {
	for c, n := range classificationNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return Fatal, fmt.Errorf("unknown error classification: '%s'", name)
}

// Error names understood by retry tables and catch rules.
const (
	RetryableErrorName           = "RetryableError"
	ModelResponseErrorName       = "ModelResponseError"
	RateLimitErrorName           = "RateLimitError"
	TooManyRequestsName          = "TooManyRequestsException"
	ValidationErrorName          = "ValidationError"
	ConditionalCheckFailedName   = "ConditionalCheckFailedException"
	OptimisticLockingFailureName = "OptimisticLockingFailureException"
	ToleratedFailureExceededName = "States.ExceedToleratedFailureThreshold"
	TimeoutName                  = "States.Timeout"
	TaskFailedName               = "States.TaskFailed"
	AllErrorsName                = "States.ALL"
	SessionNotFoundName          = "SessionNotFoundException"
	ExecutionNotFoundName        = "ExecutionNotFoundException"
	ExecutionAlreadyExistsName   = "ExecutionAlreadyExists"
	SemaphoreUnavailableName     = "SemaphoreUnavailable"
	LeaseLostName                = "SemaphoreLeaseLost"
)

// namedError is a sentinel that is matched by name.
type namedError struct {
	name string
	msg  string
}

func (e *namedError) Error() string { return e.msg }

// ErrorName returns the registered name of the sentinel.
func (e *namedError) ErrorName() string { return e.name }

// NewNamedError creates a sentinel error that reports the given name through ErrorName.
func NewNamedError(name, msg string) error {
	return &namedError{name: name, msg: msg}
}

var (
	ErrRetryable                = NewNamedError(RetryableErrorName, "retryable remote error")
	ErrModelResponse            = NewNamedError(ModelResponseErrorName, "malformed model response")
	ErrRateLimit                = NewNamedError(RateLimitErrorName, "rate limited by upstream model")
	ErrTooManyRequests          = NewNamedError(TooManyRequestsName, "too many requests to downstream worker pool")
	ErrValidation               = NewNamedError(ValidationErrorName, "validation failed")
	ErrConditionFailed          = NewNamedError(ConditionalCheckFailedName, "the conditional request failed")
	ErrOptimisticLockingFailure = NewNamedError(OptimisticLockingFailureName, "optimistic locking failure")
	ErrToleratedFailureExceeded = NewNamedError(ToleratedFailureExceededName, "the tolerated failure threshold was exceeded")
	ErrSessionNotFound          = NewNamedError(SessionNotFoundName, "session not found")
	ErrExecutionNotFound        = NewNamedError(ExecutionNotFoundName, "execution not found")
	ErrExecutionAlreadyExists   = NewNamedError(ExecutionAlreadyExistsName, "execution already exists")
	ErrSemaphoreUnavailable     = NewNamedError(SemaphoreUnavailableName, "semaphore has no free slot")
	ErrLeaseLost                = NewNamedError(LeaseLostName, "semaphore slot was lost while held")
)

// errorRegistry maps error names to the sentinel matched by errors.Is.
var errorRegistry = make(map[string]error)

var registryMutex sync.RWMutex

// RegisterErrorType registers a named error so that configuration can refer to it.
// It panics if name is empty or prototype is nil.
func RegisterErrorType(name string, prototype error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if name == "" {
		panic("Error type name cannot be empty")
	}
	if prototype == nil {
		panic(fmt.Sprintf("Cannot register nil prototype for name: %s", name))
	}
	errorRegistry[name] = prototype
}

// IsErrorTypeRegistered checks if the specified error name is registered.
func IsErrorTypeRegistered(name string) bool {
	if name == AllErrorsName {
		return true
	}
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, ok := errorRegistry[name]
	return ok
}

// RegisteredErrorTypes returns the registered names in sorted order.
func RegisteredErrorTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	names := make([]string, 0, len(errorRegistry))
	for name := range errorRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnboardingError is the error type produced by orchestrator components.
type OnboardingError struct {
	// Module is the component where the error occurred (e.g., "pipeline", "fanout", "semaphore").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped original error.
	OriginalErr error
	// Class is the retry classification of the failure.
	Class Classification
	// Name is the error name reported in {Error, Cause}. Empty means inherit from OriginalErr.
	Name string
	// StackTrace is the stack at construction time.
	StackTrace string
}

func captureStack() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// NewOnboardingError creates a new OnboardingError.
func NewOnboardingError(module, message string, originalErr error, class Classification) *OnboardingError {
	return &OnboardingError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		Class:       class,
		StackTrace:  captureStack(),
	}
}

// NewOnboardingErrorf creates a new OnboardingError using a format string.
// Optional trailing arguments are extracted in the order [class Classification], [originalErr error]:
//
//	NewOnboardingErrorf("pipeline", "row %d has no title", 3, exception.Fatal, err)
func NewOnboardingErrorf(module, format string, a ...interface{}) *OnboardingError {
	var originalErr error
	class := Fatal
	args := a

	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			originalErr = err
			args = args[:len(args)-1]
		}
	}
	if len(args) > 0 {
		if c, ok := args[len(args)-1].(Classification); ok {
			class = c
			args = args[:len(args)-1]
		}
	}

	return &OnboardingError{
		Module:      module,
		Message:     fmt.Sprintf(format, args...),
		OriginalErr: originalErr,
		Class:       class,
		StackTrace:  captureStack(),
	}
}

// WithName sets the error name and returns the receiver.
func (e *OnboardingError) WithName(name string) *OnboardingError {
	e.Name = name
	return e
}

// Error implements the error interface.
func (e *OnboardingError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *OnboardingError) Unwrap() error {
	return e.OriginalErr
}

// Is matches named sentinels against the error's own name.
func (e *OnboardingError) Is(target error) bool {
	var named *namedError
	if e.Name == "" || !errors.As(target, &named) {
		return false
	}
	return named.name == e.Name
}

// ErrorName returns the explicit name of the error, if any.
func (e *OnboardingError) ErrorName() string {
	return e.Name
}

// Classification returns the retry class of the error.
func (e *OnboardingError) Classification() Classification {
	return e.Class
}

// IsRetryable reports whether the error's class allows a retry.
func (e *OnboardingError) IsRetryable() bool {
	return e.Class != Fatal
}

// NewRetryableError wraps err as a GenericRetryable RetryableError.
func NewRetryableError(module, message string, err error) *OnboardingError {
	return NewOnboardingError(module, message, err, GenericRetryable).WithName(RetryableErrorName)
}

// NewModelResponseError wraps err as a GenericRetryable ModelResponseError.
func NewModelResponseError(module, message string, err error) *OnboardingError {
	return NewOnboardingError(module, message, err, GenericRetryable).WithName(ModelResponseErrorName)
}

// NewRateLimitError wraps err as a RateLimited RateLimitError.
func NewRateLimitError(module, message string, err error) *OnboardingError {
	return NewOnboardingError(module, message, err, RateLimited).WithName(RateLimitErrorName)
}

// NewTooManyRequestsError wraps err as a DownstreamThrottling TooManyRequestsException.
func NewTooManyRequestsError(module, message string, err error) *OnboardingError {
	return NewOnboardingError(module, message, err, DownstreamThrottling).WithName(TooManyRequestsName)
}

// NewValidationError creates a Fatal ValidationError.
func NewValidationError(module, message string) *OnboardingError {
	return NewOnboardingError(module, message, nil, Fatal).WithName(ValidationErrorName)
}

// NewOptimisticLockingFailureException creates a Fatal error joined with ErrOptimisticLockingFailure.
func NewOptimisticLockingFailureException(module, message string, originalErr error) *OnboardingError {
	errToWrap := ErrOptimisticLockingFailure
	if originalErr != nil {
		errToWrap = errors.Join(ErrOptimisticLockingFailure, originalErr)
	}
	return NewOnboardingError(module, message, errToWrap, Fatal).WithName(OptimisticLockingFailureName)
}

// IsOnboardingError reports whether err is an *OnboardingError.
func IsOnboardingError(err error) bool {
	var oe *OnboardingError
	return errors.As(err, &oe)
}

// ClassOf returns the classification carried by the outermost OnboardingError in the chain.
// The second result is false when no OnboardingError is present.
func ClassOf(err error) (Classification, bool) {
	var oe *OnboardingError
	if errors.As(err, &oe) {
		return oe.Class, true
	}
	return Fatal, false
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := ClassOf(err); ok {
		return class == Fatal
	}
	return !errors.Is(err, context.DeadlineExceeded)
}

// IsConditionFailed reports whether err is a conditional-write rejection.
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}

// IsOptimisticLockingFailure reports whether err is an optimistic locking failure.
func IsOptimisticLockingFailure(err error) bool {
	return errors.Is(err, ErrOptimisticLockingFailure)
}

// IsErrorOfType checks if an error matches an error name.
// It checks in order: AllErrorsName, the registered sentinel (errors.Is), then every error in the
// chain by explicit name and reflected type name. Error messages are never matched.
func IsErrorOfType(err error, errorTypeName string) bool {
	if err == nil {
		return false
	}
	if errorTypeName == AllErrorsName {
		return true
	}

	registryMutex.RLock()
	targetError, ok := errorRegistry[errorTypeName]
	registryMutex.RUnlock()
	if ok && errors.Is(err, targetError) {
		return true
	}

	for currentErr := err; currentErr != nil; currentErr = errors.Unwrap(currentErr) {
		if n, ok := currentErr.(interface{ ErrorName() string }); ok && n.ErrorName() == errorTypeName {
			return true
		}
		errType := reflect.TypeOf(currentErr)
		if errType.String() == errorTypeName || (errType.Kind() == reflect.Ptr && errType.Elem().String() == errorTypeName) {
			return true
		}
	}
	return false
}

// ErrorName returns the name reported for err in a session's {Error, Cause}.
// The first explicit name in the chain wins; timeouts report TimeoutName; everything else TaskFailedName.
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	for currentErr := err; currentErr != nil; currentErr = errors.Unwrap(currentErr) {
		if n, ok := currentErr.(interface{ ErrorName() string }); ok && n.ErrorName() != "" {
			return n.ErrorName()
		}
		if joined, ok := currentErr.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				if name := ErrorName(inner); name != TaskFailedName {
					return name
				}
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutName
	}
	return TaskFailedName
}

// ExtractErrorMessage returns the Message of an OnboardingError, or err.Error() otherwise.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var oe *OnboardingError
	if errors.As(err, &oe) {
		if oe.OriginalErr != nil {
			return fmt.Sprintf("%s: %v", oe.Message, oe.OriginalErr)
		}
		return oe.Message
	}
	return err.Error()
}

func init() {
	for _, sentinel := range []error{
		ErrRetryable, ErrModelResponse, ErrRateLimit, ErrTooManyRequests, ErrValidation,
		ErrConditionFailed, ErrOptimisticLockingFailure, ErrToleratedFailureExceeded,
		ErrSessionNotFound, ErrExecutionNotFound, ErrExecutionAlreadyExists, ErrSemaphoreUnavailable,
		ErrLeaseLost,
	} {
		RegisterErrorType(sentinel.(*namedError).name, sentinel)
	}

	RegisterErrorType(TimeoutName, context.DeadlineExceeded)
	RegisterErrorType("context.DeadlineExceeded", context.DeadlineExceeded)
	RegisterErrorType("context.Canceled", context.Canceled)
	RegisterErrorType("sql.ErrNoRows", sql.ErrNoRows)
}
