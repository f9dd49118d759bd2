package shmex

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured exchange error with context and errno mapping
type Error struct {
	Op        string        // Operation that failed (e.g., "SEND", "POLL")
	SessionID uint64        // Session id of the exchange (0 if not applicable)
	State     State         // Header state observed at failure (protocol errors only)
	Code      ErrorCode     // High-level error category
	Errno     syscall.Errno // Kernel errno (0 if not applicable)
	Msg       string        // Human-readable message
	Inner     error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}

	if e.SessionID != 0 {
		parts = append(parts, fmt.Sprintf("session=%d", e.SessionID))
	}

	if e.protocol() {
		parts = append(parts, "state="+e.State.String())
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("shmex: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("shmex: %s", msg)
}

// protocol reports whether the observed header state is meaningful for this
// error category.
func (e *Error) protocol() bool {
	switch e.Code {
	case ErrCodeIllegalState, ErrCodeTimedOut, ErrCodeShutdown:
		return true
	}
	return false
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by comparing error categories
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeIllegalState     ErrorCode = "illegal state"
	ErrCodeTimedOut         ErrorCode = "timed out"
	ErrCodeShutdown         ErrorCode = "shutdown in progress"
	ErrCodeSegmentExists    ErrorCode = "segment already exists"
	ErrCodeSegmentNotFound  ErrorCode = "segment not found"
	ErrCodePermissionDenied ErrorCode = "permission denied"
	ErrCodeIOError          ErrorCode = "I/O error"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewStateError creates a protocol error carrying the header state observed
// at the point of failure.
func NewStateError(op string, sessionID uint64, state State, code ErrorCode, msg string) *Error {
	return &Error{
		Op:        op,
		SessionID: sessionID,
		State:     state,
		Code:      code,
		Msg:       msg,
	}
}

// WrapError wraps an existing error with exchange context
func WrapError(op string, sessionID uint64, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already structured, just update the operation context
	if se, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			SessionID: sessionID,
			State:     se.State,
			Code:      se.Code,
			Errno:     se.Errno,
			Msg:       se.Msg,
			Inner:     se.Inner,
		}
	}

	// Map syscall errors from the segment layer to categories
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:        op,
			SessionID: sessionID,
			Code:      mapErrnoToCode(errno),
			Errno:     errno,
			Msg:       inner.Error(),
			Inner:     inner,
		}
	}

	return &Error{
		Op:        op,
		SessionID: sessionID,
		Code:      ErrCodeIOError,
		Msg:       inner.Error(),
		Inner:     inner,
	}
}

// mapErrnoToCode maps syscall errno to exchange error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EEXIST:
		return ErrCodeSegmentExists
	case syscall.ENOENT:
		return ErrCodeSegmentNotFound
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ETIMEDOUT:
		return ErrCodeTimedOut
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr.Code == code
	}
	return false
}

// IsShutdown checks if an error reports the exchange as shut down
func IsShutdown(err error) bool {
	return IsCode(err, ErrCodeShutdown)
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr.Errno == errno
	}
	return false
}
