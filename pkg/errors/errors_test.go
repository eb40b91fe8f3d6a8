package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Error(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := NewValidationError("bad expression", nil)
		assert.Equal(t, "validation: bad expression", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		err := NewProviderError("create failed", fmt.Errorf("boom"))
		assert.Equal(t, "provider: create failed: boom", err.Error())
	})
}

func TestDomainError_TypeHelpers(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidationError("x", nil), IsValidationError},
		{"not found", NewNotFoundError("x", nil), IsNotFoundError},
		{"conflict", NewConflictError("x", nil), IsConflictError},
		{"provider", NewProviderError("x", nil), IsProviderError},
		{"protocol", NewProtocolError("x", nil), IsProtocolError},
		{"auth", NewAuthError("x", nil), IsAuthError},
		{"network", NewNetworkError("x", nil), IsNetworkError},
		{"timeout", NewTimeoutError("x", nil), IsTimeoutError},
		{"io", NewIOError("x", nil), IsIOError},
		{"internal", NewInternalError("x", nil), IsInternalError},
		{"cancelled", NewCancelledError("x", nil), IsCancelledError},
		{"rejected", NewRejectedError("x", nil), IsRejectedError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.check(tc.err))
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.True(t, tc.check(wrapped))
		})
	}

	assert.False(t, IsValidationError(fmt.Errorf("plain")))
	assert.False(t, IsRejectedError(NewValidationError("x", nil)))
}

func TestDomainError_IsAndContext(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewTimeoutError("stop timed out", cause).WithContext("server_id", "lobby-1")

	assert.True(t, errors.Is(err, &DomainError{Type: ErrorTypeTimeout}))
	assert.False(t, errors.Is(err, &DomainError{Type: ErrorTypeIO}))
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, "lobby-1", err.Context["server_id"])
}

func TestErrorCollection(t *testing.T) {
	c := NewErrorCollection()
	assert.False(t, c.HasErrors())
	assert.Nil(t, c.ToError())
	assert.Equal(t, "no errors", c.Error())

	c.Add(nil)
	assert.False(t, c.HasErrors())

	c.Add(fmt.Errorf("first"))
	assert.Equal(t, "first", c.Error())

	c.Add(fmt.Errorf("second"))
	assert.True(t, c.HasErrors())
	assert.Equal(t, "2 errors occurred: first", c.Error())
	assert.NotNil(t, c.ToError())
}
