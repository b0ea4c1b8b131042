// Package errors provides structured error reporting for the vision session
// stack: the platform bridge, the permission gate, the capability provider
// and the session controller.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorKind identifies the category of an error.
type ErrorKind int

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown ErrorKind = iota
	// KindPlatform indicates a platform channel or native bridge error.
	KindPlatform
	// KindParsing indicates an event parsing failure.
	KindParsing
	// KindPermission indicates a denied or failed permission round-trip.
	KindPermission
	// KindProvider indicates the capability provider is missing or unusable.
	KindProvider
	// KindMetadata indicates a version or service info fetch failed.
	KindMetadata
	// KindStream indicates the detection stream failed.
	KindStream
	// KindPanic indicates a recovered panic.
	KindPanic
)

func (k ErrorKind) String() string {
	switch k {
	case KindPlatform:
		return "platform"
	case KindParsing:
		return "parsing"
	case KindPermission:
		return "permission"
	case KindProvider:
		return "provider"
	case KindMetadata:
		return "metadata"
	case KindStream:
		return "stream"
	case KindPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// OpError is a structured error tagged with the operation that produced it.
type OpError struct {
	// Op is the operation that failed (e.g., "session.metadata").
	Op string
	// Kind categorizes the error.
	Kind ErrorKind
	// Err is the underlying error.
	Err error
	// Channel is the platform channel name, if applicable.
	Channel string
	// Timestamp is when the error occurred.
	Timestamp time.Time
}

func (e *OpError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("%s [%s] channel=%s: %v", e.Op, e.Kind, e.Channel, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// PanicError represents a recovered panic.
type PanicError struct {
	// Op is the operation that panicked (e.g., "session.observer").
	Op string
	// Value is the value passed to panic().
	Value any
	// StackTrace contains the call stack at the time of the panic.
	StackTrace string
	// Timestamp is when the panic occurred.
	Timestamp time.Time
}

func (e *PanicError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("panic in %s: %v", e.Op, e.Value)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// ParseError represents a failure to parse event data.
type ParseError struct {
	// Channel is the platform channel that received the event.
	Channel string
	// DataType is the expected type name.
	DataType string
	// Got is the actual data received.
	Got any
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s from channel %s: got %T", e.DataType, e.Channel, e.Got)
}

// KindOf returns the kind of the first OpError in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) ErrorKind {
	var op *OpError
	if stderrors.As(err, &op) {
		return op.Kind
	}
	return KindUnknown
}

// ErrorHandler receives errors reported by the platform layer.
type ErrorHandler interface {
	// HandleError is called when an error occurs.
	HandleError(err *OpError)
	// HandlePanic is called when a panic is recovered.
	HandlePanic(err *PanicError)
}
