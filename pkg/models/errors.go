package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures for propagation decisions. Kinds, not types:
// the engine decides retry/skip/abort from the kind alone.
type ErrorKind string

const (
	KindValidation       ErrorKind = "Validation"
	KindNotFound         ErrorKind = "NotFound"
	KindPermissionDenied ErrorKind = "PermissionDenied"
	KindTimeout          ErrorKind = "Timeout"
	KindCancelled        ErrorKind = "Cancelled"
	KindTransient        ErrorKind = "Transient"
	KindHandlerFailure   ErrorKind = "HandlerFailure"
	KindDependencyUnmet  ErrorKind = "DependencyUnmet"
	KindDeadlock         ErrorKind = "Deadlock"
)

// ExecError is the structured, user-visible failure shape. Stack traces stay
// in server logs; this is what observers and API clients see.
type ExecError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	NodeID     NodeID    `json:"node_id,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	wrapped    error
}

func (e *ExecError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *ExecError) Unwrap() error { return e.wrapped }

// NewError creates an ExecError of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an existing error with a kind, preserving the cause chain.
func WrapError(kind ErrorKind, err error) *ExecError {
	if err == nil {
		return nil
	}
	return &ExecError{Kind: kind, Message: err.Error(), wrapped: err}
}

// WithNode returns a copy annotated with the failing node.
func (e *ExecError) WithNode(id NodeID) *ExecError {
	c := *e
	c.NodeID = id
	return &c
}

// WithRetries returns a copy annotated with the retry count.
func (e *ExecError) WithRetries(n int) *ExecError {
	c := *e
	c.RetryCount = n
	return &c
}

// Classify maps an arbitrary error to its kind. Context cancellation and
// deadline errors map to Cancelled/Timeout; unclassified errors are
// deterministic handler failures.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindHandlerFailure
}

// IsRetryable reports whether the engine may retry the failed node.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}
