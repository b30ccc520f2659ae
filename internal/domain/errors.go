// Package domain provides the canonical error and payload types shared by the
// streaming engine.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a failure surfaced by the engine.
type ErrorKind string

const (
	// ErrorKindTransport indicates the connection was never established or dropped mid-stream.
	ErrorKindTransport ErrorKind = "transport_failure"

	// ErrorKindThrottledExhausted indicates a second throttling response after the single retry.
	ErrorKindThrottledExhausted ErrorKind = "throttled_exhausted"

	// ErrorKindMalformedFrame indicates an undecodable frame. Recovered locally, never returned
	// across a package boundary.
	ErrorKindMalformedFrame ErrorKind = "malformed_frame"

	// ErrorKindIncompleteStream indicates the stream closed without a terminal event or frame.
	ErrorKindIncompleteStream ErrorKind = "incomplete_stream"

	// ErrorKindAPI indicates a non-success response carrying a server detail.
	ErrorKindAPI ErrorKind = "api_error"

	// ErrorKindStream indicates an explicit error event on a push channel.
	ErrorKindStream ErrorKind = "stream_error"

	// ErrorKindInvalidRequest indicates a request that could not be built: an
	// unencodable body or an unusable URL. Nothing was sent.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrTransportFailure   = &Error{Kind: ErrorKindTransport}
	ErrThrottledExhausted = &Error{Kind: ErrorKindThrottledExhausted}
	ErrMalformedFrame     = &Error{Kind: ErrorKindMalformedFrame}
	ErrIncompleteStream   = &Error{Kind: ErrorKindIncompleteStream}
	ErrAPI                = &Error{Kind: ErrorKindAPI}
	ErrStream             = &Error{Kind: ErrorKindStream}
	ErrInvalidRequest     = &Error{Kind: ErrorKindInvalidRequest}
)

// Error is the typed failure returned by every public operation.
type Error struct {
	// Kind is the category of error
	Kind ErrorKind `json:"kind"`

	// Detail is the human-readable detail, usually supplied by the server
	Detail string `json:"detail"`

	// StatusCode is the HTTP status that produced the error, if any
	StatusCode int `json:"status_code,omitempty"`

	// Err is the underlying cause
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Detail == "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Detail == "":
		return string(e.Kind)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Detail)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.StatusCode == 0 && t.Err == nil
}

// NewError creates a new typed error.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{
		Kind:   kind,
		Detail: detail,
	}
}

// WithStatusCode sets the HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// Convenience constructors

// ErrTransport creates a transport failure wrapping err.
func ErrTransport(detail string, err error) *Error {
	return NewError(ErrorKindTransport, detail).WithCause(err)
}

// ErrThrottled creates a throttle-exhaustion error.
func ErrThrottled(detail string) *Error {
	return NewError(ErrorKindThrottledExhausted, detail).WithStatusCode(http.StatusTooManyRequests)
}

// ErrIncomplete creates an incomplete-stream error.
func ErrIncomplete(detail string) *Error {
	return NewError(ErrorKindIncompleteStream, detail)
}

// ErrFromStatus creates an API error for a non-success status.
func ErrFromStatus(code int, detail string) *Error {
	if detail == "" {
		detail = http.StatusText(code)
	}
	return NewError(ErrorKindAPI, detail).WithStatusCode(code)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// DetailOf returns the human-readable detail for err. Untyped errors fall back to err.Error().
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}
