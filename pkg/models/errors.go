package models

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type ErrorCode string

const (
	ValidationErrorCode       ErrorCode = "VALIDATION_ERROR"
	StageFailureCode          ErrorCode = "STAGE_FAILURE"
	AgentOutputErrorCode      ErrorCode = "AGENT_OUTPUT_ERROR"
	AllAgentsFailedCode       ErrorCode = "ALL_AGENTS_FAILED"
	TransientBackendErrorCode ErrorCode = "TRANSIENT_BACKEND_ERROR"
	CacheComputationErrorCode ErrorCode = "CACHE_COMPUTATION_ERROR"
)

var (
	// Query-time errors of the task API. They never describe a task failure.
	ErrNotFound  = errors.New("task not found")
	ErrNotReady  = errors.New("task result not ready")
	ErrCancelled = errors.New("task cancelled")
	ErrQueueFull = errors.New("task queue is full")

	ErrTransient = errors.New("transient backend error")
)

// TaskError is the user-visible failure attached to a task or agent section.
// Message is composed by this module; raw backend errors stay in the cause.
type TaskError struct {
	Code    ErrorCode `json:"code"`
	Stage   string    `json:"stage,omitempty"`
	Agent   string    `json:"agent,omitempty"`
	Message string    `json:"message"`

	cause error
}

func (e *TaskError) Error() string {
	switch {
	case e.Agent != "":
		return fmt.Sprintf("%s: agent %q: %s", e.Code, e.Agent, e.Message)
	case e.Stage != "":
		return fmt.Sprintf("%s: stage %q: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error { return e.cause }

// NewTaskError builds a TaskError keeping cause for logs and errors.Is.
func NewTaskError(code ErrorCode, message string, cause error) *TaskError {
	return &TaskError{Code: code, Message: message, cause: cause}
}

// ValidationError marks bad input; it is never retried.
func ValidationError(format string, args ...interface{}) *TaskError {
	return &TaskError{Code: ValidationErrorCode, Message: fmt.Sprintf(format, args...)}
}

// AsTaskError extracts the first TaskError in err's chain.
func AsTaskError(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

type transientError struct {
	err error
}

func (e *transientError) Error() string        { return e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient marks err as retryable (timeouts, rate limits, unavailable backends).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Describe returns a short human-readable reason for err without exposing
// backend payloads.
func Describe(err error) string {
	if te, ok := AsTaskError(err); ok {
		return te.Message
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, ErrTransient):
		return "backend temporarily unavailable"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	}
	return "backend returned an error"
}
