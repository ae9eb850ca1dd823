// Package errs provides structured error types shared across the event
// builder core.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies an EB error category.
type Code string

const (
	// CodeInvalid indicates invalid input supplied by a caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource, e.g. an unknown event key.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeProtocol indicates a contributor protocol violation, e.g. a
	// duplicate contribution to one event. Logged, never fatal.
	CodeProtocol Code = "protocol_violation"
	// CodeTransportFatal indicates the fabric could not be brought up:
	// registration failure or an unreachable peer at startup.
	CodeTransportFatal Code = "transport_fatal"
	// CodeTransportTransient indicates a single post failed; the post for
	// that destination is dropped and the builder continues.
	CodeTransportTransient Code = "transport_transient"
	// CodeExhausted indicates pool exhaustion: backpressure, not failure.
	CodeExhausted Code = "pool_exhausted"
	// CodeShutdown indicates the component has begun or completed an
	// orderly shutdown and can no longer service requests.
	CodeShutdown Code = "shutdown"
)

// E captures structured error information produced by EB components.
type E struct {
	Op      string
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope naming the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
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

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsBackpressure reports whether err represents pool exhaustion, which is a
// backpressure signal rather than a failure.
func IsBackpressure(err error) bool {
	e, ok := err.(*E)
	return ok && e != nil && e.Code == CodeExhausted
}
