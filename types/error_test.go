package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrStepExecution, "handler failed").
		WithCause(root).
		WithRetryable(true).
		WithStep("build").
		WithProvider("openai")

	if GetErrorCode(err) != ErrStepExecution {
		t.Fatalf("expected code %s, got %s", ErrStepExecution, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestIsCode_WalksNestedErrors(t *testing.T) {
	t.Parallel()

	inner := NewTimeoutError("fetch", 2*time.Second)
	outer := NewStepExecutionError("fetch", fmt.Errorf("attempt 3: %w", inner))

	if !IsCode(outer, ErrStepExecution) {
		t.Fatalf("expected outer code")
	}
	if !IsCode(outer, ErrTimeout) {
		t.Fatalf("expected nested timeout code")
	}
	if IsCode(outer, ErrBudgetExceeded) {
		t.Fatalf("unexpected budget code")
	}
	if IsCode(errors.New("plain"), ErrTimeout) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestRetryAfterOf(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("gate: %w", NewRateLimitedError("anthropic", 1500*time.Millisecond))
	d, ok := RetryAfterOf(wrapped)
	if !ok || d != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s hint, got %v (%v)", d, ok)
	}
	if _, ok := RetryAfterOf(NewCycleError([]string{"a", "b"})); ok {
		t.Fatalf("cycle error has no retry hint")
	}
}

func TestValidationError_KeepsAllProblems(t *testing.T) {
	t.Parallel()

	problems := []string{"workflow name is required", "duplicate step ID: a"}
	err := NewValidationError(problems)
	if len(err.Details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(err.Details))
	}
	problems[0] = "mutated"
	if err.Details[0] == "mutated" {
		t.Fatalf("details must be copied")
	}
}
