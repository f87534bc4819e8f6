package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of a streaming client error.
type ErrorType int

// Error type constants categorize errors for reporting and recovery decisions.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnection indicates lifecycle misuse or a transport failure.
	ErrorTypeConnection
	// ErrorTypeProtocol indicates a malformed or unexpected frame.
	ErrorTypeProtocol
	// ErrorTypeAuth indicates the exchange rejected the credentials.
	ErrorTypeAuth
	// ErrorTypeSequence indicates a gap in the frame sequence counters.
	ErrorTypeSequence
	// ErrorTypeChecksum indicates the local order book diverged from the server.
	ErrorTypeChecksum
	// ErrorTypeSubscription indicates a frame referenced an unknown channel or a subscribe failed.
	ErrorTypeSubscription
	// ErrorTypeOrder indicates the exchange rejected an order operation.
	ErrorTypeOrder
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	return [...]string{
		"UNKNOWN",
		"CONNECTION",
		"PROTOCOL",
		"AUTH",
		"SEQUENCE",
		"CHECKSUM",
		"SUBSCRIPTION",
		"ORDER",
	}[t]
}

// Recoverable reports whether processing continues after an error of this type.
func (t ErrorType) Recoverable() bool {
	return t == ErrorTypeSequence || t == ErrorTypeChecksum || t == ErrorTypeSubscription || t == ErrorTypeOrder
}

// Sentinel errors for connection lifecycle misuse.
var (
	// ErrAlreadyOpen is returned when opening a connection that is not closed.
	ErrAlreadyOpen = errors.New("already open")
	// ErrNotOpen is returned when an operation requires an open connection.
	ErrNotOpen = errors.New("not open")
	// ErrAlreadyAuthenticated is returned when authenticating twice on one connection.
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	// ErrNotAuthenticated is returned when an order operation is attempted before auth.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoCredentials is returned when auth is requested without an API key and secret.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrUnknownChannel is returned when a frame or request references an unknown channel.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNoSocket is returned when no pooled connection serves the requested channel.
	ErrNoSocket = errors.New("no socket serves channel")
)

// Error is a categorized error raised by a connection or the manager.
type Error struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// Code is the exchange error or info code, when one was supplied.
	Code Code `json:"code,omitempty"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// Timestamp is when the error was raised.
	Timestamp time.Time `json:"timestamp"`
	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given type with a message.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:      errorType,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError creates an Error of the given type wrapping a cause.
func WrapError(errorType ErrorType, message string, err error) *Error {
	return &Error{
		Type:      errorType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// WithCode attaches an exchange code and returns the error for chaining.
func (e *Error) WithCode(code Code) *Error {
	e.Code = code
	return e
}

// SequenceError reports a gap in the public or authenticated frame counter.
// It is non-fatal: the auditor has already advanced past the gap.
type SequenceError struct {
	Authenticated bool
	Expected      int64
	Got           int64
}

func (e *SequenceError) Error() string {
	kind := "public"
	if e.Authenticated {
		kind = "auth"
	}
	return fmt.Sprintf("%s: invalid %s seq #; expected %d, got %d", ErrorTypeSequence, kind, e.Expected, e.Got)
}

// ChecksumError reports a local order book that no longer matches the server's checksum.
type ChecksumError struct {
	Symbol string
	Local  int32
	Remote int32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s: order book checksum mismatch for %s (local %d, remote %d)", ErrorTypeChecksum, e.Symbol, e.Local, e.Remote)
}

// OrderError reports an order operation rejected by the exchange.
type OrderError struct {
	// Op is the request type that failed, e.g. "on-req".
	Op string
	// ID is the correlation id (cid for new orders, order id otherwise).
	ID      int64
	Status  string
	Message string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s: %s %d %s: %s", ErrorTypeOrder, e.Op, e.ID, e.Status, e.Message)
}

// TypeOf returns the category of err, looking through wrapped errors.
func TypeOf(err error) ErrorType {
	var (
		base *Error
		seq  *SequenceError
		cs   *ChecksumError
		ord  *OrderError
	)
	switch {
	case errors.As(err, &seq):
		return ErrorTypeSequence
	case errors.As(err, &cs):
		return ErrorTypeChecksum
	case errors.As(err, &ord):
		return ErrorTypeOrder
	case errors.As(err, &base):
		return base.Type
	}
	return ErrorTypeUnknown
}

// IsType returns true if err belongs to the given category.
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// IsSequenceError returns true if the error is a sequence gap.
// Sequence gaps are reported but never interrupt processing.
func IsSequenceError(err error) bool {
	return IsType(err, ErrorTypeSequence)
}

// IsChecksumError returns true if the error is an order book checksum mismatch.
// The caller decides whether to resubscribe and rebuild the book.
func IsChecksumError(err error) bool {
	return IsType(err, ErrorTypeChecksum)
}

// IsAuthError returns true if the exchange rejected the credentials.
func IsAuthError(err error) bool {
	return IsType(err, ErrorTypeAuth)
}

// IsOrderError returns true if the exchange rejected an order operation.
func IsOrderError(err error) bool {
	return IsType(err, ErrorTypeOrder)
}
