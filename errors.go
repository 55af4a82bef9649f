package mctd

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// ErrorCode categorizes daemon failures
type ErrorCode string

const (
	CodeInvalidInput  ErrorCode = "invalid_input"
	CodeShortRead     ErrorCode = "short_read"
	CodePeerClosed    ErrorCode = "peer_closed"
	CodeSendFailed    ErrorCode = "send_failed"
	CodeBufferFull    ErrorCode = "buffer_full"
	CodePartialConfig ErrorCode = "partial_config"
	CodeOpenFailed    ErrorCode = "open_failed"
	CodeFatal         ErrorCode = "fatal"
)

// Sentinel errors for the failure taxonomy; wrap them with &Error for
// context, match them with errors.Is.
var (
	ErrInvalidInput  = errors.New("mctd: invalid input")
	ErrShortRead     = errors.New("mctd: short read")
	ErrPeerClosed    = errors.New("mctd: peer closed")
	ErrSendFailed    = errors.New("mctd: send failed")
	ErrBufferFull    = errors.New("mctd: buffer full")
	ErrPartialConfig = errors.New("mctd: partial configuration")
	ErrOpenFailed    = errors.New("mctd: open failed")
	ErrFatal         = errors.New("mctd: fatal error")
)

var codeSentinels = map[ErrorCode]error{
	CodeInvalidInput:  ErrInvalidInput,
	CodeShortRead:     ErrShortRead,
	CodePeerClosed:    ErrPeerClosed,
	CodeSendFailed:    ErrSendFailed,
	CodeBufferFull:    ErrBufferFull,
	CodePartialConfig: ErrPartialConfig,
	CodeOpenFailed:    ErrOpenFailed,
	CodeFatal:         ErrFatal,
}

// Error is a structured daemon error with operation context and an
// optional errno.
type Error struct {
	Op    string        // operation that failed (e.g. "accept", "logstorage connect")
	Fd    int           // fd involved (-1 if not applicable)
	Code  ErrorCode     // failure category
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Fd >= 0 {
		parts = append(parts, fmt.Sprintf("fd=%d", e.Fd))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("mctd: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("mctd: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches the code sentinel as well as the wrapped chain
func (e *Error) Is(target error) bool {
	if sentinel, ok := codeSentinels[e.Code]; ok && target == sentinel {
		return true
	}
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Code == e.Code && (other.Op == "" || other.Op == e.Op)
}

// newError builds a structured error without an fd
func newError(op string, code ErrorCode, inner error) *Error {
	e := &Error{Op: op, Fd: -1, Code: code, Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// newFdError builds a structured error carrying the fd involved
func newFdError(op string, fd int, code ErrorCode, inner error) *Error {
	e := newError(op, code, inner)
	e.Fd = fd
	return e
}
