package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// KindValidation marks caller input that can never succeed as given.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing executor, definition, schedule or entity.
	KindNotFound Kind = "not_found"
	// KindTransient marks failures worth retrying: deadlocks, lease
	// conflicts, network hiccups.
	KindTransient Kind = "transient"
	// KindExecutor marks a business failure reported by an executor
	// (success=false). Retried up to the node's budget.
	KindExecutor Kind = "executor"
	// KindTimeout marks an executor that exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindLeaseLost marks a write attempted without holding the lease.
	// The current actor aborts; another actor picks the work up.
	KindLeaseLost Kind = "lease_lost"
	// KindFatal marks programming or configuration errors. Terminal.
	KindFatal Kind = "fatal"
)

// Error carries a kind, a human message, optional structured details and an
// optional wrapped cause. It is the only error shape that crosses component
// boundaries inside the engine.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// New constructs an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error wrapping cause. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Validation constructs a validation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound constructs a not-found error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Transient constructs a retryable error.
func Transient(format string, args ...any) *Error {
	return New(KindTransient, format, args...)
}

// Fatal constructs a terminal, non-retryable error.
func Fatal(format string, args ...any) *Error {
	return New(KindFatal, format, args...)
}

// KindOf extracts the Kind from err, defaulting to fatal for unclassified
// errors so nothing retries forever by accident.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindFatal
}

// IsRetryable reports whether the dispatcher may retry the operation.
// Transient failures, executor business failures and timeouts are retryable;
// everything else is not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindExecutor, KindTimeout:
		return true
	default:
		return false
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
