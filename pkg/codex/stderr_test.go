package codex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStderrLine(t *testing.T) {
	tests := []struct {
		name            string
		input           string
		wantNil         bool
		wantHTTPError   string
		wantErrorType   string
		wantMsgContains string
		wantResetsIn    time.Duration
		wantRaw         bool
	}{
		{name: "empty line", input: "", wantNil: true},
		{
			name:    "regular log line",
			input:   "2026-01-23T22:57:08.953223Z INFO some_module: doing something",
			wantNil: true,
		},
		{
			name:    "error without Some payload",
			input:   "2026-01-23T22:57:08.953223Z ERROR some_module: error=something went wrong",
			wantNil: true,
		},
		{
			name:            "usage limit with hours",
			input:           `2026-01-23T22:57:08.953223Z ERROR codex_api::endpoint::responses: error=http 429 Too Many Requests: Some("{\"error\":{\"type\":\"usage_limit_reached\",\"message\":\"The usage limit has been reached\",\"resets_in_seconds\":7200}}")`,
			wantHTTPError:   "http 429 Too Many Requests",
			wantErrorType:   "usage_limit_reached",
			wantMsgContains: "The usage limit has been reached (resets in 2 hours)",
			wantResetsIn:    2 * time.Hour,
			wantRaw:         true,
		},
		{
			name:            "reset in minutes",
			input:           `error=http 429 Too Many Requests: Some("{\"error\":{\"message\":\"Limit reached\",\"resets_in_seconds\":300}}")`,
			wantHTTPError:   "http 429 Too Many Requests",
			wantMsgContains: "resets in 5 minutes",
			wantResetsIn:    5 * time.Minute,
			wantRaw:         true,
		},
		{
			name:            "reset in seconds",
			input:           `error=http 429 Too Many Requests: Some("{\"error\":{\"message\":\"Slow down\",\"resets_in_seconds\":42}}")`,
			wantHTTPError:   "http 429 Too Many Requests",
			wantMsgContains: "Slow down (resets in 42 seconds)",
			wantResetsIn:    42 * time.Second,
			wantRaw:         true,
		},
		{
			name:            "flat error body",
			input:           `error=http 400 Bad Request: Some("{\"type\":\"invalid_request\",\"message\":\"bad model\"}")`,
			wantHTTPError:   "http 400 Bad Request",
			wantErrorType:   "invalid_request",
			wantMsgContains: "bad model",
			wantRaw:         true,
		},
		{
			name:            "type only",
			input:           `error=http 500 Internal Server Error: Some("{\"error\":{\"type\":\"server_error\"}}")`,
			wantHTTPError:   "http 500 Internal Server Error",
			wantErrorType:   "server_error",
			wantMsgContains: "Error: server_error",
			wantRaw:         true,
		},
		{
			name:            "unparseable body keeps status line",
			input:           `error=http 502 Bad Gateway: Some("<html>oops</html>")`,
			wantHTTPError:   "http 502 Bad Gateway",
			wantMsgContains: "http 502 Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseStderrLine(tt.input)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantHTTPError, got.HTTPError)
			assert.Equal(t, tt.wantErrorType, got.ErrorType)
			assert.Contains(t, got.Message, tt.wantMsgContains)
			assert.Equal(t, tt.wantResetsIn, got.ResetsIn)
			assert.Equal(t, tt.wantRaw, got.Raw != nil)
			assert.Equal(t, got.Message, got.Error())
		})
	}
}

func TestParseStderrLines_MostRecentWins(t *testing.T) {
	lines := []string{
		`error=http 429 Too Many Requests: Some("{\"message\":\"first\"}")`,
		"INFO unrelated",
		`error=http 401 Unauthorized: Some("{\"message\":\"second\"}")`,
		"INFO trailing",
	}
	got := ParseStderrLines(lines)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Message)

	assert.Nil(t, ParseStderrLines([]string{"INFO a", "WARN b"}))
	assert.Nil(t, ParseStderrLines(nil))
}
