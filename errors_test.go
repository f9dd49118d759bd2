package shmex

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewStateError(opSend, 7, StateRequestSent, ErrCodeIllegalState, "not ready to send")
	msg := err.Error()
	assert.Contains(t, msg, "shmex:")
	assert.Contains(t, msg, "op=SEND")
	assert.Contains(t, msg, "session=7")
	assert.Contains(t, msg, "state=RequestSent")
	assert.Contains(t, msg, "not ready to send")
}

func TestErrorFormattingWithoutContext(t *testing.T) {
	err := &Error{Code: ErrCodeIOError}
	assert.Equal(t, "shmex: I/O error", err.Error())
}

func TestErrorStateOnlyForProtocolCodes(t *testing.T) {
	err := &Error{Op: opCreate, Code: ErrCodeSegmentExists, Msg: "boom"}
	assert.NotContains(t, err.Error(), "state=")

	err = &Error{Op: opPoll, Code: ErrCodeShutdown, State: StateShutdown, Msg: "bye"}
	assert.Contains(t, err.Error(), "state=Shutdown")
}

func TestIsCode(t *testing.T) {
	err := NewStateError(opSend, 1, StateIdle, ErrCodeTimedOut, "late")
	assert.True(t, IsCode(err, ErrCodeTimedOut))
	assert.False(t, IsCode(err, ErrCodeShutdown))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodeTimedOut))

	assert.False(t, IsCode(errors.New("plain"), ErrCodeTimedOut))
	assert.False(t, IsCode(nil, ErrCodeTimedOut))
}

func TestIsShutdown(t *testing.T) {
	assert.True(t, IsShutdown(NewStateError(opPoll, 1, StateShutdown, ErrCodeShutdown, "")))
	assert.False(t, IsShutdown(NewStateError(opSend, 1, StateIdle, ErrCodeTimedOut, "")))
}

func TestErrorsIsByCode(t *testing.T) {
	a := NewError(opSend, ErrCodeTimedOut, "one")
	b := NewError(opPoll, ErrCodeTimedOut, "another")
	assert.True(t, errors.Is(a, b))

	c := NewError(opSend, ErrCodeShutdown, "different")
	assert.False(t, errors.Is(a, c))
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError(opCreate, 1, nil))

	inner := fmt.Errorf("create segment x: %w", syscall.EEXIST)
	wrapped := WrapError(opCreate, 5, inner)
	assert.Equal(t, ErrCodeSegmentExists, wrapped.Code)
	assert.Equal(t, syscall.EEXIST, wrapped.Errno)
	assert.Equal(t, uint64(5), wrapped.SessionID)
	assert.True(t, IsErrno(wrapped, syscall.EEXIST))

	// Rewrapping preserves the category but updates the operation.
	again := WrapError(opOpen, 5, wrapped)
	assert.Equal(t, opOpen, again.Op)
	assert.Equal(t, ErrCodeSegmentExists, again.Code)
}

func TestMapErrnoToCode(t *testing.T) {
	tests := []struct {
		errno syscall.Errno
		code  ErrorCode
	}{
		{syscall.EEXIST, ErrCodeSegmentExists},
		{syscall.ENOENT, ErrCodeSegmentNotFound},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.EACCES, ErrCodePermissionDenied},
		{syscall.ETIMEDOUT, ErrCodeTimedOut},
		{syscall.EIO, ErrCodeIOError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, mapErrnoToCode(tt.errno), "errno %d", tt.errno)
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := WrapError(opSend, 1, inner)
	assert.Equal(t, inner, errors.Unwrap(err))
}
