package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("disk full")
	err := NewError(ErrTransaction, "commit failed").
		WithCause(root).
		WithRetryable(true).
		WithComponent("store")

	assert.Equal(t, ErrTransaction, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[TRANSACTION_ERROR] commit failed: disk full", err.Error())
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrIndex, "add failed")
	wrapped := fmt.Errorf("store: %w", inner)

	assert.True(t, IsErrorCode(wrapped, ErrIndex))
	assert.False(t, IsErrorCode(wrapped, ErrStorage))
	assert.True(t, errors.Is(wrapped, NewError(ErrIndex, "")))
	assert.False(t, errors.Is(wrapped, NewError(ErrIndex, "other message")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
