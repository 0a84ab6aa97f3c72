package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeDependency        = "DEPENDENCY_ERROR"
	ErrCodeAgentInvocation   = "AGENT_INVOCATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeState             = "STATE_ERROR"
	ErrCodeRouting           = "ROUTING_ERROR"
	ErrCodeCondition         = "CONDITION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeStepLimit         = "STEP_LIMIT_EXCEEDED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// NoStep marks a WorkflowError that is not tied to a step.
const NoStep = -1

// WorkflowError is the structured error type for definition and runtime failures.
type WorkflowError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex int            `json:"step_index"`
	Cause     error          `json:"-"`
}

func (e *WorkflowError) Error() string {
	if e.StepIndex >= 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// Is matches another *WorkflowError by code, so errors.Is(err, &WorkflowError{Code: c}) works.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether the failure may succeed on another attempt.
// Only agent invocation failures and timeouts are retried.
func (e *WorkflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAgentInvocation, ErrCodeTimeout, ErrCodeCircuitOpen:
		return true
	default:
		return false
	}
}

// NewError creates a new WorkflowError.
func NewError(code, message string) *WorkflowError {
	return &WorkflowError{Code: code, Message: message, StepIndex: NoStep}
}

// NewErrorf creates a new WorkflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: code, Message: fmt.Sprintf(format, args...), StepIndex: NoStep}
}

// WithStep attaches a step index to the error.
func (e *WorkflowError) WithStep(index int) *WorkflowError {
	e.StepIndex = index
	return e
}

// WithCause attaches an underlying cause.
func (e *WorkflowError) WithCause(err error) *WorkflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WorkflowError) WithDetails(details map[string]any) *WorkflowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first WorkflowError in err's chain, or "".
func CodeOf(err error) string {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
