package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWrapf(t *testing.T) {
	wrapped := Wrapf(ErrNotFound, "execution %s", "abc")

	assert.Equal(t, "execution abc: not found", wrapped.Error())
	assert.True(t, IsNotFoundError(wrapped))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(ErrMalformedPayload, "check_run.output.title missing")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "check_run.output.title missing", details[0])
	assert.True(t, Is(err, ErrMalformedPayload))
}

func TestSentinelHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found", NewNotFoundError("execution %s", "x"), IsNotFoundError, true},
		{"not found nil", nil, IsNotFoundError, false},
		{"invalid request", NewInvalidRequestError("shards must be positive"), IsInvalidRequestError, true},
		{"transition", NewInvalidTransitionError("shard %d already completed", 2), IsInvalidTransition, true},
		{"transition mismatch", ErrConflict, IsInvalidTransition, false},
		{"storage", WrapStorage(New("disk I/O error"), "save execution"), IsStorageError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestWrapStorageKeepsCause(t *testing.T) {
	cause := New("database is locked")
	err := WrapStorage(cause, "insert shard")

	assert.True(t, Is(err, ErrStorage))
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "insert shard")
	assert.Nil(t, WrapStorage(nil, "noop"))
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidSignature, ErrStaleTimestamp, ErrMalformedPayload,
		ErrUnknownProvider, ErrUnsupportedProvider, ErrUnresolvedReference,
		ErrCapacityExceeded, ErrInvalidTransition, ErrStorage,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, Is(a, b), fmt.Sprintf("%v should not match %v", a, b))
		}
	}
}

func TestGetStack(t *testing.T) {
	err := New("with stack")
	assert.NotNil(t, GetStack(err))
}
