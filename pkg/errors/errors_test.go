package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "bad stream id", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: bad stream id", err.Error())

	cause := errors.New("redis down")
	wrapped := WrapError(cause, ErrCodeServiceUnavailable, "descriptor store unavailable", http.StatusServiceUnavailable)
	assert.Contains(t, wrapped.Error(), "redis down")
	assert.ErrorIs(t, wrapped, cause)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewNotFoundError("stream").WithContext("stream_id", "stream-42").WithContext("viewers", 3)

	assert.Equal(t, "stream-42", err.Context["stream_id"])
	assert.Equal(t, 3, err.Context["viewers"])
	assert.Equal(t, "stream not found", err.Message)
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("x"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("stream"), ErrCodeNotFound, http.StatusNotFound},
		{NewUnauthorizedError("x"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{NewForbiddenError("x"), ErrCodeForbidden, http.StatusForbidden},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewServiceUnavailableError("x"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.Code)
			assert.Equal(t, tc.status, tc.err.HTTPStatus)
		})
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewForbiddenError("not the owner")

	assert.Same(t, appErr, GetAppError(appErr))

	wrapped := fmt.Errorf("handler: %w", appErr)
	require.NotNil(t, GetAppError(wrapped))
	assert.Same(t, appErr, GetAppError(wrapped))

	regular := errors.New("regular error")
	assert.Nil(t, GetAppError(regular))
	assert.Nil(t, GetAppError(nil))
}
