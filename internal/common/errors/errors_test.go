package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRequestError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantData string
	}{
		{
			name:     "session not found is invalid params",
			err:      SessionNotFound("abc"),
			wantCode: -32602,
			wantData: "session not found: abc",
		},
		{
			name:     "invalid params",
			err:      InvalidParams("unknown mode: %s", "turbo"),
			wantCode: -32602,
			wantData: "unknown mode: turbo",
		},
		{
			name:     "auth required keeps hint",
			err:      AuthRequired("Run `codex login`"),
			wantCode: -32000,
			wantData: "Run `codex login`",
		},
		{
			name:     "engine failure is internal",
			err:      EngineFailure("submit failed", errors.New("broken pipe")),
			wantCode: -32603,
			wantData: "ENGINE_FAILURE: submit failed: broken pipe",
		},
		{
			name:     "wrapped app error is found",
			err:      fmt.Errorf("prompt: %w", DeliveryFailure("session update", errors.New("closed"))),
			wantCode: -32603,
			wantData: "DELIVERY_FAILURE: session update: closed",
		},
		{
			name:     "plain error is internal",
			err:      errors.New("boom"),
			wantCode: -32603,
			wantData: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToRequestError(tt.err)
			var reqErr *acp.RequestError
			require.ErrorAs(t, got, &reqErr)
			assert.Equal(t, tt.wantCode, reqErr.Code)
			assert.Equal(t, tt.wantData, reqErr.Data)
		})
	}
}

func TestToRequestError_Nil(t *testing.T) {
	assert.NoError(t, ToRequestError(nil))
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", SessionNotFound("x"))
	assert.True(t, IsCode(err, ErrCodeSessionNotFound))
	assert.False(t, IsCode(err, ErrCodeAuthRequired))
	assert.False(t, IsCode(errors.New("x"), ErrCodeSessionNotFound))
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("eof")
	err := EngineFailure("next event", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ENGINE_FAILURE: next event: eof", err.Error())
}
