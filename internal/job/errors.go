package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so the executor can decide whether to retry.
type Kind string

const (
	KindNoCapacity            Kind = "no_capacity"
	KindConstraintViolation   Kind = "constraint_violation"
	KindQueueFull             Kind = "queue_full"
	KindInsufficientResources Kind = "insufficient_resources"
	KindCyclicDependency      Kind = "cyclic_dependency"
	KindValidation            Kind = "validation"
	KindTimeout               Kind = "timeout"
	KindExecution             Kind = "execution"
	KindDependencyBlocked     Kind = "dependency_blocked"
	KindCancelled             Kind = "cancelled"
)

// retryableKinds lists the kinds that are retried by default.  Execution
// errors are retryable unless explicitly flagged permanent.
var retryableKinds = map[Kind]bool{
	KindNoCapacity:            true,
	KindQueueFull:             true,
	KindInsufficientResources: true,
	KindExecution:             true,
}

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrNoCapacity            = &Error{Kind: KindNoCapacity}
	ErrConstraintViolation   = &Error{Kind: KindConstraintViolation}
	ErrQueueFull             = &Error{Kind: KindQueueFull}
	ErrInsufficientResources = &Error{Kind: KindInsufficientResources}
	ErrCyclicDependency      = &Error{Kind: KindCyclicDependency}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrExecution             = &Error{Kind: KindExecution}
	ErrDependencyBlocked     = &Error{Kind: KindDependencyBlocked}
	ErrCancelled             = &Error{Kind: KindCancelled}
)

// Error is the failure record attached to an Execution.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	// Err is the underlying cause, if any.  It is not serialized.
	Err error `json:"-"`
}

// NewError builds an Error whose Retryable flag follows the default for
// kind.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   msg,
		Retryable: retryableKinds[kind],
		Err:       cause,
	}
}

// Permanent returns an execution error that must not be retried.
func Permanent(msg string, cause error) *Error {
	e := NewError(KindExecution, msg, cause)
	e.Retryable = false
	return e
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// IsRetryable reports whether err should trigger another attempt.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// permanentMarkers are message fragments that flag an execution failure
// as non-retryable.
var permanentMarkers = []string{
	"validation failed",
	"invalid configuration",
}

// Classify converts an arbitrary error into an *Error.  Errors that
// already carry a kind are returned unchanged; deadline expiry becomes a
// TimeoutError; everything else is an ExecutionError, permanent when its
// message contains a validation marker.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, err.Error(), err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindCancelled, err.Error(), err)
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return Permanent(msg, err)
		}
	}
	return NewError(KindExecution, msg, err)
}
