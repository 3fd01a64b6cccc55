package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	t.Run("Nil", func(t *testing.T) {
		assert.False(t, IsTransient(nil))
	})

	t.Run("TransientError", func(t *testing.T) {
		assert.True(t, IsTransient(NewTransientError(errors.New("throttled"), 429)))
	})

	t.Run("WrappedTransientError", func(t *testing.T) {
		inner := NewTransientError(errors.New("throttled"), 429)
		assert.True(t, IsTransient(fmt.Errorf("download: %w", inner)))
	})

	t.Run("Syscall", func(t *testing.T) {
		assert.True(t, IsTransient(syscall.ECONNRESET))
		assert.True(t, IsTransient(syscall.ECONNREFUSED))
		assert.True(t, IsTransient(syscall.EPIPE))
	})

	t.Run("MessagePatterns", func(t *testing.T) {
		assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
		assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
		assert.True(t, IsTransient(errors.New("ftp: 421 Service not available")))
		assert.True(t, IsTransient(errors.New("ftp: 425 Can't open data connection")))
		assert.True(t, IsTransient(errors.New("ftp: 426 Connection closed; transfer aborted")))
	})

	t.Run("Permanent", func(t *testing.T) {
		assert.False(t, IsTransient(errors.New("parse error at line 3")))
		assert.False(t, IsTransient(errors.New("record not found")))
	})
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 503)
	assert.Equal(t, "root cause", te.Error())
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, 503, te.StatusCode)
}
