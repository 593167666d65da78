package engine

import (
	"errors"
	"fmt"
)

// Error represents a recoverable failure raised by the engine or by one of
// the boundaries that drive it (handle registry, state codec, socket protocol).
//
// None of the codes are fatal. Each boundary recovers locally:
//   - the ABI shim returns a neutral sentinel (+Inf, nil buffer, no-op)
//   - the remote server reports an {"error": ...} line and keeps the connection
//   - the codec returns a nil buffer
//
// Error includes structured fields so callers (and tests) can tell the
// categories apart even where the boundary collapses them to one sentinel.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// NodeID is the offending node id (OUT_OF_RANGE only, -1 otherwise).
	NodeID int

	// Handle is the offending engine handle (UNKNOWN_HANDLE only, 0 otherwise).
	Handle int32

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeUnknownHandle indicates a handle that is not currently live.
	ErrCodeUnknownHandle ErrorCode = "UNKNOWN_HANDLE"

	// ErrCodeOutOfRange indicates a node id outside [0, node_count).
	ErrCodeOutOfRange ErrorCode = "OUT_OF_RANGE"

	// ErrCodeMalformedBuffer indicates a corrupt or truncated state buffer.
	ErrCodeMalformedBuffer ErrorCode = "MALFORMED_BUFFER"

	// ErrCodeMalformedMessage indicates an unparsable or unknown-shape protocol line.
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"

	// ErrCodeAllocationFailure indicates a buffer or handle could not be produced.
	ErrCodeAllocationFailure ErrorCode = "ALLOCATION_FAILURE"

	// ErrCodeInvalidArgument indicates engine parameters that cannot be honored.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.Code == ErrCodeOutOfRange:
		msg = fmt.Sprintf("%s (node=%d)", msg, e.NodeID)
	case e.Code == ErrCodeUnknownHandle && e.Handle != 0:
		msg = fmt.Sprintf("%s (handle=%d)", msg, e.Handle)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode carried by err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsUnknownHandle returns true if the error is an unknown handle error.
func IsUnknownHandle(err error) bool {
	return CodeOf(err) == ErrCodeUnknownHandle
}

// IsOutOfRange returns true if the error is a node id range error.
func IsOutOfRange(err error) bool {
	return CodeOf(err) == ErrCodeOutOfRange
}

// IsMalformed returns true for both malformed buffers and malformed messages.
func IsMalformed(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeMalformedBuffer || code == ErrCodeMalformedMessage
}

// IsAllocationFailure returns true if the error is an allocation failure.
func IsAllocationFailure(err error) bool {
	return CodeOf(err) == ErrCodeAllocationFailure
}

// NewOutOfRangeError creates an Error for a node id outside [0, nodeCount).
func NewOutOfRangeError(id, nodeCount int) *Error {
	return &Error{
		Code:    ErrCodeOutOfRange,
		Message: fmt.Sprintf("node id must be in [0, %d)", nodeCount),
		NodeID:  id,
	}
}

// NewUnknownHandleError creates an Error for a handle that is not live.
func NewUnknownHandleError(handle int32) *Error {
	return &Error{
		Code:    ErrCodeUnknownHandle,
		Message: "no live engine for handle",
		NodeID:  -1,
		Handle:  handle,
	}
}

// NewMalformedBufferError creates an Error for a corrupt state buffer.
func NewMalformedBufferError(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeMalformedBuffer,
		Message: fmt.Sprintf(format, args...),
		NodeID:  -1,
	}
}

// NewMalformedMessageError creates an Error for an unusable protocol line.
// The cause (typically a JSON syntax error) is kept for diagnostics.
func NewMalformedMessageError(cause error, format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeMalformedMessage,
		Message: fmt.Sprintf(format, args...),
		NodeID:  -1,
		Err:     cause,
	}
}

// NewAllocationError creates an Error for a buffer or handle that could not be produced.
func NewAllocationError(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeAllocationFailure,
		Message: fmt.Sprintf(format, args...),
		NodeID:  -1,
	}
}

// NewInvalidArgumentError creates an Error for rejected engine parameters.
func NewInvalidArgumentError(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeInvalidArgument,
		Message: fmt.Sprintf(format, args...),
		NodeID:  -1,
	}
}
