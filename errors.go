// Package veos implements the host-side core of a Vector Engine process
// service: the DMA engine manager, the signal subsystem, and the
// memory-transfer facade that bridges pseudo-process requests to VE memory.
package veos

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured veos error with context and errno mapping.
type Error struct {
	Op    string    // operation that failed (e.g. "DMA_POST", "SIGNAL_SEND")
	Node  int       // VE node number (-1 if not applicable)
	TID   int32     // VE task id (0 if not applicable)
	Code  ErrorCode // high-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Node >= 0 {
		parts = append(parts, fmt.Sprintf("node=%d", e.Node))
	}
	if e.TID != 0 {
		parts = append(parts, fmt.Sprintf("tid=%d", e.TID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("veos: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("veos: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Negate returns the error code as a negative int64, matching the ack
// message convention of the pseudo-process protocol (negative = error).
// If the error carries a kernel errno it is negated instead of the
// high-level code, since the protocol's wire contract is Linux errno
// numbers, not veos's own category strings.
func (e *Error) Negate() int64 {
	if e.Errno != 0 {
		return -int64(e.Errno)
	}
	return -int64(errnoForCode(e.Code))
}

// ErrorCode represents the error kinds enumerated in the design (§7):
// invalid argument, not found, permission, resource exhausted, fault,
// busy, timed out, canceled.
type ErrorCode string

const (
	ErrCodeInvalidArgument    ErrorCode = "invalid argument"
	ErrCodeNotFound           ErrorCode = "not found"
	ErrCodePermission         ErrorCode = "permission denied"
	ErrCodeResourceExhausted  ErrorCode = "resource exhausted"
	ErrCodeFault              ErrorCode = "fault"
	ErrCodeBusy               ErrorCode = "busy"
	ErrCodeTimedOut           ErrorCode = "timed out"
	ErrCodeCanceled           ErrorCode = "canceled"
	ErrCodeIO                 ErrorCode = "I/O error"
	ErrCodeUnrecoverable      ErrorCode = "unrecoverable internal state"
)

// errnoForCode gives each high-level category a representative errno for
// the ack path when no syscall errno was captured directly.
func errnoForCode(code ErrorCode) syscall.Errno {
	switch code {
	case ErrCodeInvalidArgument:
		return syscall.EINVAL
	case ErrCodeNotFound:
		return syscall.ESRCH
	case ErrCodePermission:
		return syscall.EPERM
	case ErrCodeResourceExhausted:
		return syscall.EAGAIN
	case ErrCodeFault:
		return syscall.EFAULT
	case ErrCodeBusy:
		return syscall.EBUSY
	case ErrCodeTimedOut:
		return syscall.ETIMEDOUT
	case ErrCodeCanceled:
		return syscall.ECANCELED
	default:
		return syscall.EIO
	}
}

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Node: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Node: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewTaskError creates a task-scoped error.
func NewTaskError(op string, tid int32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Node: -1, TID: tid, Code: code, Msg: msg}
}

// NewNodeError creates a node-scoped error (DMA engine errors).
func NewNodeError(op string, node int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Node: node, Code: code, Msg: msg}
}

// WrapError wraps an existing error with veos context, mapping syscall
// errnos to the appropriate high-level category.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ve, ok := inner.(*Error); ok {
		return &Error{Op: op, Node: ve.Node, TID: ve.TID, Code: ve.Code, Errno: ve.Errno, Msg: ve.Msg, Inner: ve.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Node: -1, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Node: -1, Code: ErrCodeIO, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ESRCH, syscall.ENOENT:
		return ErrCodeNotFound
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermission
	case syscall.ENOMEM, syscall.EAGAIN:
		return ErrCodeResourceExhausted
	case syscall.EFAULT:
		return ErrCodeFault
	case syscall.ETIMEDOUT:
		return ErrCodeTimedOut
	case syscall.ECANCELED:
		return ErrCodeCanceled
	default:
		return ErrCodeIO
	}
}

// IsCode reports whether err carries the given high-level error code.
func IsCode(err error, code ErrorCode) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}

// Sentinel errors for the small set of conditions callers commonly compare
// against directly rather than through IsCode.
var (
	ErrBusy       = NewError("", ErrCodeBusy, "busy")
	ErrTimedOut   = NewError("", ErrCodeTimedOut, "timed out")
	ErrCanceled   = NewError("", ErrCodeCanceled, "canceled")
	ErrNotFound   = NewError("", ErrCodeNotFound, "not found")
	ErrInvalid    = NewError("", ErrCodeInvalidArgument, "invalid argument")
)
