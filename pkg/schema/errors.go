package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeDuplicateStep      = "DUPLICATE_STEP"
	ErrCodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeStepTimeout        = "STEP_TIMEOUT"
	ErrCodeWorkflowTimeout    = "WORKFLOW_TIMEOUT"
	ErrCodeWorkflowStopped    = "WORKFLOW_STOPPED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeAlreadyRunning     = "ALREADY_RUNNING"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeActionUnavailable  = "ACTION_UNAVAILABLE"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeInterpolation      = "INTERPOLATION_ERROR"
	ErrCodeAssertionFailed    = "ASSERTION_FAILED"
)

// FlowError is the structured error type for all waveflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether err, or any error it wraps, is a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	for err != nil {
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}
