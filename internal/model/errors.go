package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed run so callers can tell a run that never
// started from one that ran and failed or one whose upload failed.
type ErrorKind string

// Error kinds.
const (
	KindInvalidScript    ErrorKind = "invalid_script"
	KindExecutorNotFound ErrorKind = "executor_not_found"
	KindStagingFailed    ErrorKind = "staging_failed"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindUploadFailed     ErrorKind = "upload_failed"
	KindTimeout          ErrorKind = "timeout_exceeded"
	KindCancelled        ErrorKind = "cancelled"
	KindUnexpected       ErrorKind = "unexpected_error"
)

// Sentinels matched by errors.Is against any RunError of the same kind.
var (
	ErrInvalidScript    = errors.New("invalid script")
	ErrExecutorNotFound = errors.New("executor not found")
	ErrStagingFailed    = errors.New("staging failed")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrUploadFailed     = errors.New("upload failed")
	ErrTimeout          = errors.New("timeout exceeded")
	ErrCancelled        = errors.New("cancelled")
	ErrUnexpected       = errors.New("unexpected error")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidScript:    ErrInvalidScript,
	KindExecutorNotFound: ErrExecutorNotFound,
	KindStagingFailed:    ErrStagingFailed,
	KindExecutionFailed:  ErrExecutionFailed,
	KindUploadFailed:     ErrUploadFailed,
	KindTimeout:          ErrTimeout,
	KindCancelled:        ErrCancelled,
	KindUnexpected:       ErrUnexpected,
}

// RunError is the typed error returned by executors and the orchestrator.
type RunError struct {
	Kind    ErrorKind
	Message string

	// Source names the file involved in a staging or upload failure.
	Source string

	// ExitCode is set for execution failures that produced one.
	ExitCode *int

	// Result is set when the script ran to completion before the failure,
	// e.g. a required output could not be uploaded.
	Result *Result

	Err error
}

// NewError creates a RunError of the given kind.
func NewError(kind ErrorKind, message string, cause error) *RunError {
	return &RunError{Kind: kind, Message: message, Err: cause}
}

// Error implements the error interface.
func (e *RunError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.ExitCode != nil {
		fmt.Fprintf(&b, " (exit_code=%d)", *e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel, e.g. errors.Is(err, ErrStagingFailed).
func (e *RunError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf classifies err. Errors that are not RunErrors are reported as
// KindUnexpected, except bare context errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnexpected
}

// AsRunError converts err into a RunError, wrapping unclassified errors.
func AsRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return re
	}
	re = &RunError{Kind: KindOf(err), Err: err}
	if re.Kind == KindUnexpected {
		re.Message = "unexpected error"
	}
	return re
}

// ParseErrorKind maps a serialized kind back to a known ErrorKind.
func ParseErrorKind(s string) (ErrorKind, bool) {
	k := ErrorKind(s)
	_, ok := kindSentinels[k]
	return k, ok
}
