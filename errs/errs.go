// Package errs provides structured error types and helpers for the message bus.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a bus error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeTypeMismatch indicates a payload value of an unexpected kind.
	CodeTypeMismatch Code = "type_mismatch"
	// CodeSubscriberFailure indicates a subscriber callback panicked during delivery.
	CodeSubscriberFailure Code = "subscriber_failure"
	// CodeClosed indicates the bus has been closed.
	CodeClosed Code = "closed"
	// CodeCanceled indicates the caller gave up waiting.
	CodeCanceled Code = "canceled"
)

// E captures structured error information produced across the bus.
type E struct {
	Op      string
	Code    Code
	Message string
	Key     string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		Key:     "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithKey records the payload key involved in the failure.
func WithKey(key string) Option {
	return func(e *E) {
		e.Key = key
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Key != "" {
		parts = append(parts, "key="+strconv.Quote(e.Key))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether any error in err's tree is an *E carrying code.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	for e != nil {
		if e.Code == code {
			return true
		}
		next := e.cause
		e = nil
		if next != nil && !errors.As(next, &e) {
			return false
		}
	}
	return false
}

// TypeMismatch returns a standardized error for a payload value of the wrong kind.
func TypeMismatch(op, key, want, got string) *E {
	return New(op, CodeTypeMismatch,
		WithKey(key),
		WithMessage("expected "+want+", got "+got))
}
