package mctd

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := newFdError("accept", 7, CodePeerClosed, syscall.ECONNRESET)
	assert.Contains(t, err.Error(), "op=accept")
	assert.Contains(t, err.Error(), "fd=7")
	assert.Contains(t, err.Error(), "errno=104")

	bare := newError("store config", CodeInvalidInput, nil)
	assert.Contains(t, bare.Error(), "invalid_input")
	assert.NotContains(t, bare.Error(), "fd=")
}

func TestErrorSentinelMatching(t *testing.T) {
	err := newError("logstorage connect", CodeOpenFailed, syscall.ENOENT)
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.NotErrorIs(t, err, ErrSendFailed)

	// errno is preserved through the chain
	var errno syscall.Errno
	assert.True(t, errors.As(err, &errno))
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestErrorCodeComparison(t *testing.T) {
	a := newError("send", CodeSendFailed, nil)
	b := &Error{Code: CodeSendFailed, Fd: -1}
	assert.ErrorIs(t, a, b)

	c := &Error{Code: CodeSendFailed, Op: "other", Fd: -1}
	assert.NotErrorIs(t, a, c)
}
