package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Definition / scheduling error codes
const (
	ErrValidation         ErrorCode = "VALIDATION"
	ErrCycle              ErrorCode = "CYCLE"
	ErrDanglingDependency ErrorCode = "DANGLING_DEPENDENCY"
	ErrUnknownStepType    ErrorCode = "UNKNOWN_STEP_TYPE"
	ErrMissingInput       ErrorCode = "MISSING_INPUT"
)

// Execution error codes
const (
	ErrStepExecution  ErrorCode = "STEP_EXECUTION"
	ErrBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	ErrCancelled      ErrorCode = "CANCELLED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	StepID     string        `json:"step_id,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Details 保存多条明细，例如校验错误列表或环上的步骤 ID
	Details []string `json:"details,omitempty"`
	Cause   error    `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStep sets the step the error belongs to.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithDetails attaches detail lines.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// =============================================================================
// Constructors
// =============================================================================

// NewValidationError 汇总全部校验问题，Message 为分号连接的列表
func NewValidationError(problems []string) *Error {
	return &Error{
		Code:    ErrValidation,
		Message: "invalid workflow definition: " + strings.Join(problems, "; "),
		Details: append([]string(nil), problems...),
	}
}

// NewCycleError reports the steps that could never become ready.
func NewCycleError(stepIDs []string) *Error {
	return &Error{
		Code:    ErrCycle,
		Message: "dependency cycle detected among steps: " + strings.Join(stepIDs, ", "),
		Details: append([]string(nil), stepIDs...),
	}
}

// NewDanglingDependencyError reports depends_on entries that name no step.
func NewDanglingDependencyError(refs []string) *Error {
	return &Error{
		Code:    ErrDanglingDependency,
		Message: "unknown dependencies: " + strings.Join(refs, ", "),
		Details: append([]string(nil), refs...),
	}
}

// NewStepExecutionError wraps a handler failure.
func NewStepExecutionError(stepID string, cause error) *Error {
	return &Error{
		Code:      ErrStepExecution,
		Message:   fmt.Sprintf("step %q failed", stepID),
		Retryable: true,
		StepID:    stepID,
		Cause:     cause,
	}
}

// NewBudgetExceededError is returned when a dispatch would exceed a ceiling.
func NewBudgetExceededError(stepID, reason string) *Error {
	return &Error{
		Code:    ErrBudgetExceeded,
		Message: reason,
		StepID:  stepID,
	}
}

// NewTimeoutError marks a per-step attempt that ran past its deadline.
func NewTimeoutError(stepID string, timeout time.Duration) *Error {
	return &Error{
		Code:      ErrTimeout,
		Message:   fmt.Sprintf("step %q timed out after %s", stepID, timeout),
		Retryable: true,
		StepID:    stepID,
	}
}

// NewRateLimitedError signals a wait, not a terminal failure.
func NewRateLimitedError(provider string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       ErrRateLimited,
		Message:    fmt.Sprintf("rate limited by %s, retry after %s", provider, retryAfter),
		Retryable:  true,
		Provider:   provider,
		RetryAfter: retryAfter,
	}
}

// =============================================================================
// Helpers
// =============================================================================

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether any *Error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		e, ok := AsError(err)
		if !ok {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// RetryAfterOf returns the wait hint of a rate-limited error.
func RetryAfterOf(err error) (time.Duration, bool) {
	if e, ok := AsError(err); ok && e.Code == ErrRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}
