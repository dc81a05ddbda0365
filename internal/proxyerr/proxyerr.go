// Package proxyerr provides the structured error taxonomy used across the
// proxy: every failure that crosses a package boundary is one of a small,
// fixed set of kinds so the engine's top-level handler can map it to a
// client response without type-switching on library errors.
package proxyerr

import (
	"fmt"
	"time"
)

// Kind identifies the category of a proxy error.
type Kind string

const (
	// KindClientConnectionTimeout is raised by the client-side Connection
	// when a read or write exceeds its configured deadline.
	KindClientConnectionTimeout Kind = "client_connection_timeout"
	// KindClientConnectionClosed is raised when the client socket is
	// closed or broken mid-operation.
	KindClientConnectionClosed Kind = "client_connection_closed"
	// KindUpstreamConnectionTimeout is raised by the upstream-side
	// Connection on a deadline exceeded.
	KindUpstreamConnectionTimeout Kind = "upstream_connection_timeout"
	// KindUpstreamConnectionClosed is raised when the upstream socket is
	// closed or broken mid-operation.
	KindUpstreamConnectionClosed Kind = "upstream_connection_closed"
	// KindHTTPParseError is raised by the framing reader on malformed
	// bytes from either side.
	KindHTTPParseError Kind = "http_parse_error"
	// KindPoolConnectionError is raised when the upstream pool cannot
	// satisfy an acquire (bound exhausted, or nothing dialed at startup).
	KindPoolConnectionError Kind = "pool_connection_error"
	// KindValidationError is raised by configuration validation.
	KindValidationError Kind = "validation_error"
)

// Error is the single structured error type returned by every package in
// this module. Op names the operation that failed (e.g. "read", "acquire",
// "dial"); Addr, when known, names the remote endpoint involved.
type Error struct {
	Kind      Kind
	Op        string
	Addr      string
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// WithMessage returns a copy of e with Message replaced, letting callers
// refine a constructor's default message with parse-site detail.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

// Is matches on Kind only, so callers can write
// errors.Is(err, &Error{Kind: proxyerr.KindHTTPParseError}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, op, addr, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Addr:      addr,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func NewClientTimeout(addr string, cause error) *Error {
	return newErr(KindClientConnectionTimeout, "read", addr, "timed out waiting on client", cause)
}

func NewClientClosed(addr string, cause error) *Error {
	return newErr(KindClientConnectionClosed, "io", addr, "client connection closed", cause)
}

func NewUpstreamTimeout(addr string, cause error) *Error {
	return newErr(KindUpstreamConnectionTimeout, "read", addr, "timed out waiting on upstream", cause)
}

func NewUpstreamClosed(addr string, cause error) *Error {
	return newErr(KindUpstreamConnectionClosed, "io", addr, "upstream connection closed", cause)
}

func NewHTTPParseError(op string, cause error) *Error {
	return newErr(KindHTTPParseError, op, "", "malformed HTTP message", cause)
}

func NewPoolConnectionError(op, addr, message string) *Error {
	return newErr(KindPoolConnectionError, op, addr, message, nil)
}

func NewValidationError(message string) *Error {
	return newErr(KindValidationError, "validate", "", message, nil)
}

// Of returns the Kind of err, or the empty Kind if err is not an *Error.
func Of(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// Is reports whether err is a proxyerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
